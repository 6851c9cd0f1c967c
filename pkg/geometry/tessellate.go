package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// vertexTolerance merges subdivision points shared by neighbouring faces
const vertexTolerance = 1e-9

var icosahedronFaces = [20][3]int{
	{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
	{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
	{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
	{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
}

func icosahedronVertices() []r3.Vec {
	phi := (1 + math.Sqrt(5)) / 2
	raw := []r3.Vec{
		{X: -1, Y: phi}, {X: 1, Y: phi}, {X: -1, Y: -phi}, {X: 1, Y: -phi},
		{Y: -1, Z: phi}, {Y: 1, Z: phi}, {Y: -1, Z: -phi}, {Y: 1, Z: -phi},
		{X: phi, Z: -1}, {X: phi, Z: 1}, {X: -phi, Z: -1}, {X: -phi, Z: 1},
	}
	for i := range raw {
		raw[i] = r3.Unit(raw[i])
	}
	return raw
}

// Tessellate builds a geodesic icosphere of the given frequency. Every
// icosahedron edge is split into freq segments, giving 10*freq²+2 vertices
// and 20*freq² faces. Vertices are ordered hemisphere first (z > 0, ties
// broken on y then x), followed by their antipodes in the same order.
func Tessellate(key string, freq int) (*Sphere, error) {
	if freq < 1 {
		return nil, fmt.Errorf("tessellation frequency must be positive, got %d", freq)
	}

	base := icosahedronVertices()
	var verts []r3.Vec
	find := func(v r3.Vec) int {
		for i, u := range verts {
			if r3.Norm2(r3.Sub(u, v)) < vertexTolerance {
				return i
			}
		}
		verts = append(verts, v)
		return len(verts) - 1
	}

	var faces [][3]int
	for _, f := range icosahedronFaces {
		a, b, c := base[f[0]], base[f[1]], base[f[2]]
		// grid[i][j] is the point with weights (freq-i-j, i, j) on (a, b, c)
		grid := make([][]int, freq+1)
		for i := 0; i <= freq; i++ {
			grid[i] = make([]int, freq+1-i)
			for j := 0; j <= freq-i; j++ {
				k := freq - i - j
				p := r3.Add(r3.Add(r3.Scale(float64(k), a), r3.Scale(float64(i), b)), r3.Scale(float64(j), c))
				grid[i][j] = find(r3.Unit(p))
			}
		}
		for i := 0; i < freq; i++ {
			for j := 0; j < freq-i; j++ {
				faces = append(faces, [3]int{grid[i][j], grid[i+1][j], grid[i][j+1]})
				if i+j < freq-1 {
					faces = append(faces, [3]int{grid[i+1][j], grid[i+1][j+1], grid[i][j+1]})
				}
			}
		}
	}

	return orderAntipodal(key, verts, faces)
}

// upper reports whether v lies in the canonical hemisphere
func upper(v r3.Vec) bool {
	const eps = 1e-9
	switch {
	case math.Abs(v.Z) > eps:
		return v.Z > 0
	case math.Abs(v.Y) > eps:
		return v.Y > 0
	}
	return v.X > 0
}

// orderAntipodal reorders vertices so that vertex i+N is the antipode of
// vertex i and remaps the faces accordingly.
func orderAntipodal(key string, verts []r3.Vec, faces [][3]int) (*Sphere, error) {
	if len(verts)%2 != 0 {
		return nil, fmt.Errorf("sphere %s: odd vertex count %d", key, len(verts))
	}
	n := len(verts) / 2

	remap := make([]int, len(verts))
	for i := range remap {
		remap[i] = -1
	}
	ordered := make([]r3.Vec, 2*n)
	next := 0
	for i, v := range verts {
		if !upper(v) {
			continue
		}
		if next == n {
			return nil, fmt.Errorf("sphere %s: hemisphere holds more than %d vertices", key, n)
		}
		anti := -1
		neg := r3.Scale(-1, v)
		for j, u := range verts {
			if r3.Norm2(r3.Sub(u, neg)) < vertexTolerance {
				anti = j
				break
			}
		}
		if anti < 0 {
			return nil, fmt.Errorf("sphere %s: vertex %d has no antipode", key, i)
		}
		ordered[next], ordered[next+n] = v, neg
		remap[i], remap[anti] = next, next+n
		next++
	}
	if next != n {
		return nil, fmt.Errorf("sphere %s: hemisphere holds %d of %d vertices", key, next, n)
	}

	out := make([][3]int, len(faces))
	for f, face := range faces {
		for k, v := range face {
			out[f][k] = remap[v]
		}
	}
	return NewSphere(key, ordered, out)
}
