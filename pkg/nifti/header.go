// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) as column-major float32 volumes.
package nifti

import (
	"errors"
	"math"

	"fibconv/internal/models"
)

// ErrFormat is returned for files that are not NIfTI-1 single-file images
var ErrFormat = errors.New("not a NIfTI-1 image")

const (
	headerSize = 348
	dataOffset = 352
)

// Datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// Header is the 348-byte NIfTI-1 header
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// NewHeader returns a float32 header for the given shape and affine
func NewHeader(dims [4]int, affine models.Affine, voxelSize [3]float64) Header {
	var h Header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Pixdim[0] = 1
	for i := 1; i < 8; i++ {
		h.Pixdim[i] = 1
	}
	h.XyztUnits = 2 // mm
	h.SclSlope = 1
	copy(h.Magic[:], "n+1\x00")
	h.setShape(dims)
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(voxelSize[i])
	}
	h.SetAffine(affine)
	return h
}

func (h *Header) setShape(dims [4]int) {
	nd := 3
	if dims[3] > 1 {
		nd = 4
	}
	h.Dim = [8]int16{int16(nd), 1, 1, 1, 1, 1, 1, 1}
	for i := 0; i < nd; i++ {
		h.Dim[i+1] = int16(dims[i])
	}
	h.Datatype = DTFloat32
	h.Bitpix = 32
	h.VoxOffset = dataOffset
}

// Shape returns the first four dimensions, with missing ones set to 1
func (h *Header) Shape() [4]int {
	shape := [4]int{1, 1, 1, 1}
	nd := int(h.Dim[0])
	if nd > 4 {
		nd = 4
	}
	for i := 0; i < nd; i++ {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// VoxelSize returns the spatial zooms
func (h *Header) VoxelSize() [3]float64 {
	return [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
}

// Affine returns the voxel-to-world transform, preferring the sform, then
// the qform, then a scaling by the zooms.
func (h *Header) Affine() models.Affine {
	switch {
	case h.SformCode > 0:
		a := models.Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
		return a
	case h.QformCode > 0:
		return h.qformAffine()
	}
	a := models.Identity()
	for i := 0; i < 3; i++ {
		a[i][i] = float64(h.Pixdim[i+1])
	}
	return a
}

func (h *Header) qformAffine() models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// b, c, d describe a 180 degree rotation; renormalize them
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	zooms := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
	if h.Pixdim[0] < 0 {
		zooms[2] = -zooms[2]
	}

	out := models.Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][j] * zooms[j]
		}
	}
	out[0][3] = float64(h.QoffsetX)
	out[1][3] = float64(h.QoffsetY)
	out[2][3] = float64(h.QoffsetZ)
	return out
}

// SetAffine stores a as the sform. The sform code is kept when already set
// and becomes 2 (aligned) otherwise.
func (h *Header) SetAffine(a models.Affine) {
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(a[0][j])
		h.SrowY[j] = float32(a[1][j])
		h.SrowZ[j] = float32(a[2][j])
	}
	if h.SformCode == 0 {
		h.SformCode = 2
	}
}

func (h *Header) scaling() (slope, inter float64, ok bool) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || (slope == 1 && inter == 0) {
		return 1, 0, false
	}
	return slope, inter, true
}
