// Package fib converts between dense ODF amplitude volumes and DSI Studio
// fib matrix files.
//
// A fib file stores, for every voxel inside the mask, a fixed number of
// fixels (fa<k> values and index<k> directions) plus the normalized ODF
// samples on the hemisphere of its tessellation, split into odf<i> chunks
// of at most 20000 voxels each.
package fib

import (
	"errors"
	"fmt"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/layout"
	"fibconv/pkg/matfile"
)

var (
	// ErrGeometryMismatch is returned when a mask and an amplitude volume
	// disagree on affine or grid
	ErrGeometryMismatch = errors.New("mask and amplitudes are on different grids")

	// ErrEmptyMask is returned when no voxel carries usable amplitudes
	ErrEmptyMask = errors.New("no usable voxels in mask")

	// ErrDimensionMismatch is returned when array sizes disagree with the
	// declared dimensions
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrVoxelCountMismatch is returned when the ODF columns left after
	// dropping all-zero ones do not line up with the fa0 > 0 mask
	ErrVoxelCountMismatch = fmt.Errorf("%w: ODF columns do not match valid voxels", ErrDimensionMismatch)
)

const (
	// MinNonzero is the floor of the first fixel value in masked voxels
	MinNonzero = 1e-6

	// maskThreshold is the amplitude sum above which a voxel is in the
	// derived mask
	maskThreshold = 1e-6
)

// Matrix names used in fib files
const (
	DimensionKey = "dimension"
	VoxelSizeKey = "voxel_size"
	VerticesKey  = "odf_vertices"
	FacesKey     = "odf_faces"
	Z0Key        = "z0"
)

// FAKey names the value array of fixel k
func FAKey(k int) string { return fmt.Sprintf("fa%d", k) }

// IndexKey names the direction array of fixel k
func IndexKey(k int) string { return fmt.Sprintf("index%d", k) }

// ODFKey names ODF chunk i
func ODFKey(i int) string { return fmt.Sprintf("odf%d", i) }

// Dimensions returns the grid shape stored in f
func Dimensions(f *matfile.File) ([3]int, error) {
	var dims [3]int
	v, ok := f.Get(DimensionKey)
	if !ok {
		return dims, fmt.Errorf("%w: no %s", matfile.ErrMalformed, DimensionKey)
	}
	vals := v.Ints()
	if len(vals) != 3 {
		return dims, fmt.Errorf("%w: %s has %d entries", ErrDimensionMismatch, DimensionKey, len(vals))
	}
	for i, d := range vals {
		if d <= 0 {
			return dims, fmt.Errorf("%w: %s %v", ErrDimensionMismatch, DimensionKey, vals)
		}
		dims[i] = d
	}
	return dims, nil
}

// ValidVoxels returns the flat indices of voxels with fa0 > 0, checking
// that fa0 covers the whole grid.
func ValidVoxels(f *matfile.File, dims [3]int) ([]int, error) {
	fa0, ok := f.Get(FAKey(0))
	if !ok {
		return nil, fmt.Errorf("%w: no %s", matfile.ErrMalformed, FAKey(0))
	}
	if fa0.Len() != layout.NumVoxels(dims) {
		return nil, fmt.Errorf("%w: %s has %d values for a %v grid", ErrDimensionMismatch, FAKey(0), fa0.Len(), dims)
	}
	mask := make([]bool, fa0.Len())
	for i := range mask {
		mask[i] = fa0.At(i) > 0
	}
	return layout.MaskedIndices(mask), nil
}

// ODFChunks returns the odf<i> matrices for n valid voxels. The keys come
// from the typed chunk index, so every chunk in layout.Chunks(n, 20000)
// must be present. Further consecutive odf<i> matrices written by other
// producers are appended after them.
func ODFChunks(f *matfile.File, n int) ([]*matfile.Var, error) {
	expected := layout.Chunks(n, layout.MaxChunkColumns)
	chunks := make([]*matfile.Var, 0, len(expected))
	for _, c := range expected {
		v, ok := f.Get(ODFKey(c.Index))
		if !ok {
			return nil, fmt.Errorf("%w: no %s for %d valid voxels", matfile.ErrMalformed, ODFKey(c.Index), n)
		}
		chunks = append(chunks, v)
	}
	for i := len(expected); ; i++ {
		v, ok := f.Get(ODFKey(i))
		if !ok {
			return chunks, nil
		}
		chunks = append(chunks, v)
	}
}

// Sphere rebuilds the tessellation stored in f. Faces are optional.
func Sphere(f *matfile.File) (*geometry.Sphere, error) {
	vv, ok := f.Get(VerticesKey)
	if !ok {
		return nil, fmt.Errorf("%w: no %s", matfile.ErrMalformed, VerticesKey)
	}
	fv, ok := f.Get(FacesKey)
	if !ok {
		fv = &matfile.Var{Name: FacesKey, Type: matfile.Int16, Rows: 3}
	}
	return geometry.FromMatrices("fib", vv, fv)
}

// DeriveMask marks voxels whose amplitude sum over directions exceeds 1e-6
func DeriveMask(amps *models.Volume) *models.Mask {
	n := amps.NumVoxels()
	sums := make([]float64, n)
	for t := 0; t < amps.Dims[3]; t++ {
		for i, v := range amps.Frame(t) {
			sums[i] += float64(v)
		}
	}
	mask := &models.Mask{
		Data:   make([]bool, n),
		Dims:   amps.Spatial(),
		Affine: amps.Affine,
	}
	for i, s := range sums {
		mask.Data[i] = s > maskThreshold
	}
	return mask
}

func checkMask(mask *models.Mask, amps *models.Volume) error {
	if !mask.Affine.AllClose(amps.Affine) {
		return fmt.Errorf("%w: differing orientation between mask and amplitudes", ErrGeometryMismatch)
	}
	if mask.Dims != amps.Spatial() || len(mask.Data) != amps.NumVoxels() {
		return fmt.Errorf("%w: mask grid %v, amplitude grid %v", ErrGeometryMismatch, mask.Dims, amps.Spatial())
	}
	return nil
}
