// Package geometry provides the tessellated spheres on which ODFs are
// sampled.
//
// A Sphere holds 2N unit vertices ordered so that vertex i+N is the
// antipode of vertex i. The first N vertices form the hemisphere used for
// antipodally symmetric functions; faces index the full vertex set.
package geometry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sphere is an immutable tessellated unit sphere
type Sphere struct {
	Key      string
	Vertices []r3.Vec
	Faces    [][3]int

	once sync.Once
	hemi *Hemisphere
}

// NewSphere validates the antipodal layout of vertices and wraps them
func NewSphere(key string, vertices []r3.Vec, faces [][3]int) (*Sphere, error) {
	if len(vertices) == 0 || len(vertices)%2 != 0 {
		return nil, fmt.Errorf("sphere %s: %d vertices is not an even, non-zero count", key, len(vertices))
	}
	n := len(vertices) / 2
	for i := 0; i < n; i++ {
		if r3.Norm(r3.Add(vertices[i], vertices[i+n])) > 1e-4 {
			return nil, fmt.Errorf("sphere %s: vertex %d is not the antipode of vertex %d", key, i+n, i)
		}
	}
	for f, face := range faces {
		for _, v := range face {
			if v < 0 || v >= len(vertices) {
				return nil, fmt.Errorf("sphere %s: face %d references vertex %d", key, f, v)
			}
		}
	}
	return &Sphere{Key: key, Vertices: vertices, Faces: faces}, nil
}

// HemisphereSize returns N
func (s *Sphere) HemisphereSize() int {
	return len(s.Vertices) / 2
}

// Hemisphere returns the first N vertices with their adjacency
func (s *Sphere) Hemisphere() *Hemisphere {
	s.once.Do(func() {
		s.hemi = newHemisphere(s)
	})
	return s.hemi
}

// Hemisphere is the half of a sphere that represents antipodally symmetric
// functions. Its edges fold the full-sphere faces onto the first N vertices.
type Hemisphere struct {
	Vertices []r3.Vec
	Edges    [][2]int

	neighbors [][]int
	tree      *kdtree.Tree
}

func newHemisphere(s *Sphere) *Hemisphere {
	n := s.HemisphereSize()
	h := &Hemisphere{
		Vertices:  s.Vertices[:n],
		neighbors: make([][]int, n),
	}

	seen := make(map[[2]int]bool)
	for _, face := range s.Faces {
		for k := 0; k < 3; k++ {
			a, b := face[k]%n, face[(k+1)%3]%n
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			e := [2]int{a, b}
			if seen[e] {
				continue
			}
			seen[e] = true
			h.Edges = append(h.Edges, e)
		}
	}
	sort.Slice(h.Edges, func(i, j int) bool {
		if h.Edges[i][0] != h.Edges[j][0] {
			return h.Edges[i][0] < h.Edges[j][0]
		}
		return h.Edges[i][1] < h.Edges[j][1]
	})
	for _, e := range h.Edges {
		h.neighbors[e[0]] = append(h.neighbors[e[0]], e[1])
		h.neighbors[e[1]] = append(h.neighbors[e[1]], e[0])
	}

	points := make(directionPoints, n)
	for i, v := range h.Vertices {
		points[i] = directionPoint{Vec: v, Index: i}
	}
	h.tree = kdtree.New(points, false)
	return h
}

// Len returns N
func (h *Hemisphere) Len() int {
	return len(h.Vertices)
}

// Neighbors returns the vertices sharing an edge with vertex i
func (h *Hemisphere) Neighbors(i int) []int {
	return h.neighbors[i]
}

// Nearest returns the hemisphere vertex closest to the axis of d.
// d and -d are treated as the same direction.
func (h *Hemisphere) Nearest(d r3.Vec) int {
	u := r3.Unit(d)
	p, dist := h.tree.Nearest(directionPoint{Vec: u})
	q, distNeg := h.tree.Nearest(directionPoint{Vec: r3.Scale(-1, u)})
	if distNeg < dist {
		p = q
	}
	return p.(directionPoint).Index
}

// AngleBetween returns the angle in radians between the axes of a and b
func AngleBetween(a, b r3.Vec) float64 {
	c := math.Abs(r3.Cos(a, b))
	if c > 1 {
		c = 1
	}
	return math.Acos(c)
}

// directionPoint is a vertex stored in the kd-tree
type directionPoint struct {
	r3.Vec
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p directionPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(directionPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p directionPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p directionPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(directionPoint)
	d := r3.Sub(p.Vec, q.Vec)
	return r3.Dot(d, d)
}

// directionPoints satisfies kdtree.Interface
type directionPoints []directionPoint

func (p directionPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p directionPoints) Len() int                              { return len(p) }
func (p directionPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p directionPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(directionPlane{directionPoints: p, Dim: d}, kdtree.MedianOfMedians(directionPlane{directionPoints: p, Dim: d}))
}

// directionPlane implements sort.Interface and kdtree.SortSlicer
type directionPlane struct {
	directionPoints
	kdtree.Dim
}

func (p directionPlane) Less(i, j int) bool {
	a, b := p.directionPoints[i], p.directionPoints[j]
	switch p.Dim {
	case 0:
		return a.X < b.X
	case 1:
		return a.Y < b.Y
	case 2:
		return a.Z < b.Z
	default:
		panic("illegal dimension")
	}
}

func (p directionPlane) Slice(start, end int) kdtree.SortSlicer {
	return directionPlane{directionPoints: p.directionPoints[start:end], Dim: p.Dim}
}

func (p directionPlane) Swap(i, j int) {
	p.directionPoints[i], p.directionPoints[j] = p.directionPoints[j], p.directionPoints[i]
}
