// Package stl builds ODF glyph meshes and writes them as binary STL files.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/pkg/geometry"
)

// Triangle is one facet of a mesh
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Glyph deforms sphere so that each vertex lies at distance
// scale*(odf - min(odf)) from center. odf holds one value per hemisphere
// vertex; antipodal vertices share it. Faces are oriented outward.
func Glyph(sphere *geometry.Sphere, odf []float32, center r3.Vec, scale float64) ([]Triangle, error) {
	n := sphere.HemisphereSize()
	if len(odf) != n {
		return nil, fmt.Errorf("glyph: %d ODF values for %d hemisphere vertices", len(odf), n)
	}

	lo := math.Inf(1)
	for _, v := range odf {
		lo = math.Min(lo, float64(v))
	}

	points := make([]r3.Vec, len(sphere.Vertices))
	for i, u := range sphere.Vertices {
		r := (float64(odf[i%n]) - lo) * scale
		points[i] = r3.Add(center, r3.Scale(r, u))
	}

	triangles := make([]Triangle, 0, len(sphere.Faces))
	for _, f := range sphere.Faces {
		a, b, c := points[f[0]], points[f[1]], points[f[2]]
		// the winding of the undeformed face decides what outward means
		u, v, w := sphere.Vertices[f[0]], sphere.Vertices[f[1]], sphere.Vertices[f[2]]
		if r3.Dot(u, r3.Cross(v, w)) < 0 {
			b, c = c, b
		}
		normal := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if norm := r3.Norm(normal); norm > 0 {
			normal = r3.Scale(1/norm, normal)
		}
		triangles = append(triangles, Triangle{
			Normal:  vec32(normal),
			Vertex1: vec32(a),
			Vertex2: vec32(b),
			Vertex3: vec32(c),
		})
	}
	return triangles, nil
}

func vec32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// SaveToSTL writes triangles to filename in binary STL format
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	if err := WriteSTL(w, triangles); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteSTL encodes triangles as binary STL: an 80-byte header, the
// triangle count and one 50-byte record per triangle.
func WriteSTL(w io.Writer, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], "fibconv ODF glyph")
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("stl header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("stl triangle count: %w", err)
	}

	var rec [50]byte
	for i, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, x := range v {
				binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(x))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := w.Write(rec[:]); err != nil {
			return fmt.Errorf("stl triangle %d: %w", i, err)
		}
	}
	return nil
}
