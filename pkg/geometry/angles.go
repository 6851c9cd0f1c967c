package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis flips applied before converting vertices to angles. The fib
// vertices and the SH toolkit disagree on handedness, so the forward and
// inverse paths mirror different axes.
var (
	ForwardFlip = r3.Vec{X: 1, Y: 1, Z: -1}
	InverseFlip = r3.Vec{X: -1, Y: -1, Z: 1}
)

// Direction is a unit direction in spherical coordinates, in radians
type Direction struct {
	// Azimuth is measured in the x-y plane from +x
	Azimuth float64
	// Polar is the inclination from +z
	Polar float64
}

// SphericalAngles converts vertices to directions after multiplying each
// axis by the matching component of flip.
func SphericalAngles(vertices []r3.Vec, flip r3.Vec) []Direction {
	out := make([]Direction, len(vertices))
	for i, v := range vertices {
		x, y, z := v.X*flip.X, v.Y*flip.Y, v.Z*flip.Z
		r := math.Sqrt(x*x + y*y + z*z)
		var polar float64
		if r > 0 {
			polar = math.Acos(math.Max(-1, math.Min(1, z/r)))
		}
		out[i] = Direction{Azimuth: math.Atan2(y, x), Polar: polar}
	}
	return out
}

// Vector converts d back to a unit vector
func (d Direction) Vector() r3.Vec {
	s := math.Sin(d.Polar)
	return r3.Vec{X: s * math.Cos(d.Azimuth), Y: s * math.Sin(d.Azimuth), Z: math.Cos(d.Polar)}
}
