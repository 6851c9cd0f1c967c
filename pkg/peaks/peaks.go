// Package peaks finds the fibre directions (fixels) of a single ODF
package peaks

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/pkg/geometry"
)

// Fixel is one peak of an ODF
type Fixel struct {
	// Value is the ODF amplitude at the peak
	Value float64
	// Index is the hemisphere vertex of the peak
	Index int
}

// FixelSet holds a fixed number of fixels in descending value order.
// Unused slots are the zero Fixel.
type FixelSet []Fixel

// Count returns the number of non-empty slots
func (s FixelSet) Count() int {
	n := 0
	for _, f := range s {
		if f != (Fixel{}) {
			n++
		}
	}
	return n
}

// Options tunes which local maxima are reported
type Options struct {
	// RelativeThreshold drops maxima below this fraction of the largest
	// one, measured above the ODF floor max(min(odf), 0)
	RelativeThreshold float64

	// MinSeparationAngle in degrees; of two maxima closer than this, the
	// smaller is dropped. Antipodal directions count as equal.
	MinSeparationAngle float64
}

// DefaultOptions returns the thresholds used by dipy's peak_directions
func DefaultOptions() Options {
	return Options{
		RelativeThreshold:  0.5,
		MinSeparationAngle: 25,
	}
}

// Extractor finds peaks of ODFs sampled on one hemisphere. It holds no
// mutable state and may be shared between goroutines.
type Extractor struct {
	hemi   *geometry.Hemisphere
	opts   Options
	cosSep float64
}

// NewExtractor creates an Extractor for ODFs sampled on h
func NewExtractor(h *geometry.Hemisphere, opts Options) *Extractor {
	return &Extractor{
		hemi:   h,
		opts:   opts,
		cosSep: math.Cos(opts.MinSeparationAngle * math.Pi / 180),
	}
}

// Extract returns exactly numFibers fixels for odf, which must have one
// value per hemisphere vertex.
func (e *Extractor) Extract(odf []float64, numFibers int) FixelSet {
	out := make(FixelSet, numFibers)
	peaks := e.Peaks(odf)
	if len(peaks) > numFibers {
		peaks = peaks[:numFibers]
	}
	copy(out, peaks)
	return out
}

// Peaks returns every retained local maximum of odf in descending order
func (e *Extractor) Peaks(odf []float64) []Fixel {
	// A flat ODF is isotropic and has no fibre direction.
	if len(odf) == 0 || floats.Max(odf) == floats.Min(odf) {
		return nil
	}
	candidates := e.localMaxima(odf)
	if len(candidates) == 0 || candidates[0].Value < 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates
	}

	floor := math.Max(floats.Min(odf), 0)
	cut := e.opts.RelativeThreshold * (candidates[0].Value - floor)
	n := len(candidates)
	for i, c := range candidates {
		if c.Value-floor < cut {
			n = i
			break
		}
	}
	candidates = candidates[:n]

	kept := candidates[:0:0]
	kept = append(kept, candidates[0])
	for _, c := range candidates[1:] {
		if e.separated(c.Index, kept) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (e *Extractor) separated(idx int, kept []Fixel) bool {
	v := e.hemi.Vertices[idx]
	for _, k := range kept {
		if math.Abs(r3.Dot(v, e.hemi.Vertices[k.Index])) > e.cosSep {
			return false
		}
	}
	return true
}

// localMaxima marks every vertex that no neighbour strictly exceeds and
// returns them sorted by descending value, lower index first on ties.
func (e *Extractor) localMaxima(odf []float64) []Fixel {
	isMax := make([]bool, len(odf))
	for i := range isMax {
		isMax[i] = !math.IsNaN(odf[i])
	}
	for _, edge := range e.hemi.Edges {
		a, b := edge[0], edge[1]
		switch {
		case odf[a] < odf[b]:
			isMax[a] = false
		case odf[a] > odf[b]:
			isMax[b] = false
		}
	}

	var maxima []Fixel
	for i, m := range isMax {
		if m {
			maxima = append(maxima, Fixel{Value: odf[i], Index: i})
		}
	}
	sort.SliceStable(maxima, func(i, j int) bool {
		return maxima[i].Value > maxima[j].Value
	})
	return maxima
}
