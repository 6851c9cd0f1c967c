package fib

import (
	"fmt"
	"sort"

	"fibconv/internal/models"
	"fibconv/pkg/layout"
	"fibconv/pkg/matfile"
)

// VoxelODF returns the stored ODF of voxel (x, y, z). The boolean is false
// for voxels outside the fa0 > 0 mask.
func VoxelODF(f *matfile.File, x, y, z int) ([]float32, bool, error) {
	dims, err := Dimensions(f)
	if err != nil {
		return nil, false, err
	}
	if x < 0 || y < 0 || z < 0 || x >= dims[0] || y >= dims[1] || z >= dims[2] {
		return nil, false, fmt.Errorf("%w: voxel (%d,%d,%d) outside %v grid", ErrDimensionMismatch, x, y, z, dims)
	}
	valid, err := ValidVoxels(f, dims)
	if err != nil {
		return nil, false, err
	}

	idx := layout.Index(dims, x, y, z)
	rank := sort.SearchInts(valid, idx)
	if rank == len(valid) || valid[rank] != idx {
		return nil, false, nil
	}

	chunk, col := layout.Locate(rank, layout.MaxChunkColumns)
	v, ok := f.Get(ODFKey(chunk))
	if !ok {
		return nil, false, fmt.Errorf("%w: no %s", matfile.ErrMalformed, ODFKey(chunk))
	}
	if col >= v.Cols {
		return nil, false, fmt.Errorf("%w: %s has %d columns, voxel rank %d", ErrVoxelCountMismatch, ODFKey(chunk), v.Cols, rank)
	}
	return v.Column(col), true, nil
}

// ScalarMap returns a full-volume array of f, such as fa0, as a 3D volume
func ScalarMap(f *matfile.File, key string) (*models.Volume, error) {
	dims, err := Dimensions(f)
	if err != nil {
		return nil, err
	}
	v, ok := f.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: no %s", matfile.ErrMalformed, key)
	}
	if v.Len() != layout.NumVoxels(dims) {
		return nil, fmt.Errorf("%w: %s has %d values for a %v grid", ErrDimensionMismatch, key, v.Len(), dims)
	}

	affine, voxelSize := gridOf(f, nil)
	vol := models.NewVolume([4]int{dims[0], dims[1], dims[2], 1}, affine, voxelSize)
	copy(vol.Data, v.Float32s(0, v.Len()))
	return vol, nil
}
