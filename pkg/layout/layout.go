// Package layout holds the voxel linearization shared by both conversion
// directions and the fixed partition of masked voxels into ODF chunks.
//
// All volumes are flattened in column-major order (x fastest, then y, then
// z). The position of a voxel in a masked matrix is its rank among the
// masked voxels in that order.
package layout

import "fmt"

// MaxChunkColumns is the number of voxel columns stored in one ODF chunk
const MaxChunkColumns = 20000

// NumVoxels returns the number of voxels of a 3D grid
func NumVoxels(dims [3]int) int {
	return dims[0] * dims[1] * dims[2]
}

// Index returns the column-major flat index of voxel (x, y, z)
func Index(dims [3]int, x, y, z int) int {
	return x + dims[0]*(y+dims[1]*z)
}

// Coords is the inverse of Index
func Coords(dims [3]int, idx int) (x, y, z int) {
	x = idx % dims[0]
	idx /= dims[0]
	y = idx % dims[1]
	z = idx / dims[1]
	return x, y, z
}

// MaskedIndices returns the flat indices of the true entries of mask in
// ascending order. Row i of a masked matrix belongs to voxel MaskedIndices[i].
func MaskedIndices(mask []bool) []int {
	indices := make([]int, 0, len(mask)/4)
	for i, m := range mask {
		if m {
			indices = append(indices, i)
		}
	}
	return indices
}

// Gather copies the masked entries of a full-volume array into dst.
// dst must have len(indices) entries.
func Gather(dst, full []float32, indices []int) {
	for i, idx := range indices {
		dst[i] = full[idx]
	}
}

// Scatter writes values to the masked positions of a full-volume array.
// Positions not listed in indices are left untouched.
func Scatter(full []float32, values []float32, indices []int) error {
	if len(values) != len(indices) {
		return fmt.Errorf("scatter: %d values for %d masked voxels", len(values), len(indices))
	}
	for i, idx := range indices {
		full[idx] = values[i]
	}
	return nil
}

// Chunk is a contiguous range of masked voxels stored as one ODF matrix
type Chunk struct {
	// Index is the chunk number, used for the odf<Index> key
	Index int
	// Start and End delimit the masked voxel rows [Start, End)
	Start, End int
}

// Len returns the number of voxel columns in the chunk
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Chunks partitions n masked voxels into chunks of at most limit columns.
// Boundaries are fixed offsets: chunk i covers [i*limit, min((i+1)*limit, n)).
// There are exactly ceil(n/limit) chunks and none of them is empty.
func Chunks(n, limit int) []Chunk {
	if n <= 0 || limit <= 0 {
		return nil
	}
	count := (n + limit - 1) / limit
	chunks := make([]Chunk, count)
	for i := range chunks {
		end := (i + 1) * limit
		if end > n {
			end = n
		}
		chunks[i] = Chunk{Index: i, Start: i * limit, End: end}
	}
	return chunks
}

// Locate returns the chunk holding masked row r and the column within it
func Locate(r, limit int) (chunk, column int) {
	return r / limit, r % limit
}
