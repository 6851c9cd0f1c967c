package peaks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/pkg/geometry"
)

func hemisphere(t *testing.T, key string) *geometry.Hemisphere {
	t.Helper()
	s, err := geometry.Load(key)
	require.NoError(t, err)
	return s.Hemisphere()
}

// watson samples an axially symmetric lobe around each axis
func watson(h *geometry.Hemisphere, kappa float64, weights []float64, axes ...r3.Vec) []float64 {
	odf := make([]float64, h.Len())
	for i, v := range h.Vertices {
		for k, a := range axes {
			c := r3.Dot(v, r3.Unit(a))
			odf[i] += weights[k] * math.Exp(kappa*(c*c-1))
		}
	}
	return odf
}

func TestSinglePeak(t *testing.T) {
	h := hemisphere(t, "odf8")
	e := NewExtractor(h, DefaultOptions())

	axis := r3.Vec{X: 0.3, Y: -0.5, Z: 0.8}
	odf := watson(h, 20, []float64{1}, axis)

	fs := e.Extract(odf, 5)
	require.Len(t, fs, 5)
	assert.Equal(t, 1, fs.Count())
	assert.Equal(t, h.Nearest(axis), fs[0].Index)
	for _, f := range fs[1:] {
		assert.Equal(t, Fixel{}, f)
	}
}

func TestCrossingPeaksOrdered(t *testing.T) {
	h := hemisphere(t, "odf8")
	e := NewExtractor(h, DefaultOptions())

	a := r3.Vec{X: 1}
	b := r3.Vec{Y: 1}
	odf := watson(h, 30, []float64{0.6, 1}, a, b)

	fs := e.Extract(odf, 3)
	assert.Equal(t, 2, fs.Count())
	assert.Equal(t, h.Nearest(b), fs[0].Index)
	assert.Equal(t, h.Nearest(a), fs[1].Index)
	assert.Greater(t, fs[0].Value, fs[1].Value)
}

func TestRelativeThresholdDropsSmallPeaks(t *testing.T) {
	h := hemisphere(t, "odf8")
	e := NewExtractor(h, DefaultOptions())

	odf := watson(h, 30, []float64{0.2, 1}, r3.Vec{X: 1}, r3.Vec{Z: 1})
	fs := e.Extract(odf, 5)
	assert.Equal(t, 1, fs.Count())
	assert.Equal(t, h.Nearest(r3.Vec{Z: 1}), fs[0].Index)

	loose := NewExtractor(h, Options{RelativeThreshold: 0.1, MinSeparationAngle: 25})
	assert.Equal(t, 2, loose.Extract(odf, 5).Count())
}

func TestTruncatesToNumFibers(t *testing.T) {
	h := hemisphere(t, "odf8")
	e := NewExtractor(h, DefaultOptions())

	odf := watson(h, 30, []float64{1, 0.9, 0.8}, r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 1})
	fs := e.Extract(odf, 2)
	require.Len(t, fs, 2)
	assert.Equal(t, h.Nearest(r3.Vec{X: 1}), fs[0].Index)
	assert.Equal(t, h.Nearest(r3.Vec{Y: 1}), fs[1].Index)
}

func TestFlatODFHasNoPeaks(t *testing.T) {
	h := hemisphere(t, "odf4")
	e := NewExtractor(h, DefaultOptions())

	zeros := make([]float64, h.Len())
	fs := e.Extract(zeros, 4)
	assert.Equal(t, FixelSet{{}, {}, {}, {}}, fs)

	ones := make([]float64, h.Len())
	for i := range ones {
		ones[i] = 1
	}
	assert.Zero(t, e.Extract(ones, 4).Count())
}

func TestNegativeODFHasNoPeaks(t *testing.T) {
	h := hemisphere(t, "odf4")
	e := NewExtractor(h, DefaultOptions())

	odf := watson(h, 10, []float64{1}, r3.Vec{Z: 1})
	for i := range odf {
		odf[i] -= 5
	}
	assert.Zero(t, e.Extract(odf, 3).Count())
}
