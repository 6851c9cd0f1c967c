package models

import "math"

// Affine is a voxel-to-physical transform in homogeneous coordinates.
type Affine [4][4]float64

// Identity returns the identity affine
func Identity() Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		a[i][i] = 1
	}
	return a
}

// AllClose reports whether every entry of a is within atol + rtol*|b| of b.
// The tolerances follow numpy.allclose.
func (a Affine) AllClose(b Affine) bool {
	const rtol, atol = 1e-5, 1e-8
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > atol+rtol*math.Abs(b[i][j]) {
				return false
			}
		}
	}
	return true
}

// Volume represents a 3D or 4D image on a regular grid
type Volume struct {
	// Data holds the samples in column-major order: x varies fastest,
	// then y, then z, then the fourth axis.
	Data []float32

	// Dims is the grid shape. Dims[3] is 1 for 3D volumes.
	Dims [4]int

	// Affine maps voxel indices to physical coordinates
	Affine Affine

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64
}

// NewVolume allocates a zero-filled volume with the given shape
func NewVolume(dims [4]int, affine Affine, voxelSize [3]float64) *Volume {
	if dims[3] < 1 {
		dims[3] = 1
	}
	return &Volume{
		Data:      make([]float32, dims[0]*dims[1]*dims[2]*dims[3]),
		Dims:      dims,
		Affine:    affine,
		VoxelSize: voxelSize,
	}
}

// Spatial returns the first three axes of the grid
func (v *Volume) Spatial() [3]int {
	return [3]int{v.Dims[0], v.Dims[1], v.Dims[2]}
}

// NumVoxels returns the number of spatial voxels
func (v *Volume) NumVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Frame returns the 3D sub-volume at position t of the fourth axis.
// The returned slice aliases Data.
func (v *Volume) Frame(t int) []float32 {
	n := v.NumVoxels()
	return v.Data[t*n : (t+1)*n]
}

// Mask is a 3D boolean grid sharing the linearization of Volume
type Mask struct {
	Data   []bool
	Dims   [3]int
	Affine Affine
}

// Count returns the number of true voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// MaskFromVolume marks voxels whose first frame value is strictly positive
func MaskFromVolume(v *Volume) *Mask {
	frame := v.Frame(0)
	m := &Mask{
		Data:   make([]bool, len(frame)),
		Dims:   v.Spatial(),
		Affine: v.Affine,
	}
	for i, x := range frame {
		m.Data[i] = x > 0
	}
	return m
}
