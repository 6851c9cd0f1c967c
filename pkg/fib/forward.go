package fib

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/layout"
	"fibconv/pkg/matfile"
	"fibconv/pkg/peaks"
)

// ForwardParams holds the amplitude to fib conversion settings
type ForwardParams struct {
	// NumFibers is the number of fixels stored per voxel
	NumFibers int

	// UnitODF rescales every ODF to sum to one after normalization
	UnitODF bool

	// Workers bounds the number of goroutines used for peak detection.
	// Zero or negative means runtime.NumCPU().
	Workers int

	// Peaks tunes which local maxima count as fixels
	Peaks peaks.Options

	// WorkDir holds temporary files of ConvertFOD. Empty means a fresh
	// directory under os.TempDir.
	WorkDir string
}

// DefaultForwardParams returns the settings used by DSI Studio pipelines
func DefaultForwardParams() *ForwardParams {
	return &ForwardParams{
		NumFibers: 5,
		Workers:   runtime.NumCPU(),
		Peaks:     peaks.DefaultOptions(),
	}
}

// Summary describes a completed forward conversion
type Summary struct {
	Output       string
	MaskedVoxels int
	Directions   int
	Chunks       int
	Z0           float64
	Fixels       int
}

// ForwardConverter writes fib files from ODF amplitude volumes
type ForwardConverter struct {
	params *ForwardParams
	log    logrus.FieldLogger
}

// NewForwardConverter creates a converter. A nil log uses the logrus
// standard logger.
func NewForwardConverter(params *ForwardParams, log logrus.FieldLogger) *ForwardConverter {
	if params == nil {
		params = DefaultForwardParams()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ForwardConverter{params: params, log: log}
}

// Convert writes the fib file for amps, sampled on the hemisphere of sphere,
// to output. A nil mask is derived from the amplitudes.
func (c *ForwardConverter) Convert(amps *models.Volume, sphere *geometry.Sphere, mask *models.Mask, output string) (*Summary, error) {
	if c.params.NumFibers < 1 {
		return nil, fmt.Errorf("number of fibers must be at least 1, got %d", c.params.NumFibers)
	}
	nDirs := sphere.HemisphereSize()
	switch amps.Dims[3] {
	case nDirs, 2 * nDirs:
	default:
		return nil, fmt.Errorf("%w: %d amplitudes per voxel for a sphere with %d hemisphere directions",
			ErrDimensionMismatch, amps.Dims[3], nDirs)
	}

	if mask == nil {
		mask = DeriveMask(amps)
	} else if err := checkMask(mask, amps); err != nil {
		return nil, err
	}

	indices := layout.MaskedIndices(mask.Data)
	if len(indices) == 0 {
		return nil, ErrEmptyMask
	}
	log := c.log.WithFields(logrus.Fields{"output": output, "voxels": len(indices), "directions": nDirs})

	odfs := maskedMatrix(amps, indices, nDirs)
	z0, err := normalize(odfs)
	if err != nil {
		return nil, err
	}
	if c.params.UnitODF {
		unitRows(odfs)
	}

	log.Info("Detecting peaks")
	fixels := c.extractPeaks(odfs, sphere.Hemisphere(), log)

	chunks := layout.Chunks(len(indices), layout.MaxChunkColumns)
	summary := &Summary{
		Output:       output,
		MaskedVoxels: len(indices),
		Directions:   nDirs,
		Chunks:       len(chunks),
		Z0:           z0,
	}
	for _, fs := range fixels {
		summary.Fixels += fs.Count()
	}

	err = writeAtomic(output, func(enc *matfile.Encoder) error {
		dims := amps.Spatial()
		if err := enc.Encode(DimensionKey, 1, 3, []int32{int32(dims[0]), int32(dims[1]), int32(dims[2])}); err != nil {
			return err
		}
		vs := amps.VoxelSize
		if err := enc.Encode(VoxelSizeKey, 1, 3, []float32{float32(vs[0]), float32(vs[1]), float32(vs[2])}); err != nil {
			return err
		}
		if err := encodeFixels(enc, fixels, indices, amps.NumVoxels(), c.params.NumFibers); err != nil {
			return err
		}
		fixels = nil

		for _, chunk := range chunks {
			if err := encodeChunk(enc, odfs, chunk); err != nil {
				return err
			}
		}
		odfs = nil

		if err := encodeSphere(enc, sphere); err != nil {
			return err
		}
		return enc.Encode(Z0Key, 1, 1, []float64{z0})
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{"chunks": summary.Chunks, "z0": z0}).Info("fib file written")
	return summary, nil
}

// maskedMatrix gathers the masked voxels into a voxel x direction matrix.
// Only the first nDirs volumes are used; with 2N volumes the second half
// repeats the first on the antipodes.
func maskedMatrix(amps *models.Volume, indices []int, nDirs int) *mat.Dense {
	m := mat.NewDense(len(indices), nDirs, nil)
	raw := m.RawMatrix()
	column := make([]float32, len(indices))
	for d := 0; d < nDirs; d++ {
		layout.Gather(column, amps.Frame(d), indices)
		for r, v := range column {
			raw.Data[r*raw.Stride+d] = float64(v)
		}
	}
	return m
}

// normalize divides m by its largest non-NaN value, clamps negatives to
// zero and zeroes NaNs. It returns the divisor.
func normalize(m *mat.Dense) (float64, error) {
	raw := m.RawMatrix()
	z0 := math.Inf(-1)
	for _, v := range raw.Data {
		if !math.IsNaN(v) && v > z0 {
			z0 = v
		}
	}
	if math.IsInf(z0, 0) || z0 <= 0 {
		return 0, fmt.Errorf("%w: maximum amplitude %v", ErrEmptyMask, z0)
	}
	for i, v := range raw.Data {
		v /= z0
		if math.IsNaN(v) || v < 0 {
			v = 0
		}
		raw.Data[i] = v
	}
	return z0, nil
}

// unitRows scales each row of m to sum to one. Rows summing to zero are
// left as they are.
func unitRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		if s := floats.Sum(row); s != 0 {
			floats.Scale(1/s, row)
		}
	}
}

// extractPeaks runs the peak extractor over every row of odfs. Rows are
// split into blocks processed concurrently; each block writes only its own
// slots of the result.
func (c *ForwardConverter) extractPeaks(odfs *mat.Dense, hemi *geometry.Hemisphere, log logrus.FieldLogger) []peaks.FixelSet {
	n, _ := odfs.Dims()
	out := make([]peaks.FixelSet, n)
	ext := peaks.NewExtractor(hemi, c.params.Peaks)
	numFibers := c.params.NumFibers

	workers := c.params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	blockSize := (n + 4*workers - 1) / (4 * workers)
	if blockSize < 64 {
		blockSize = 64
	}

	progress := make(chan int, workers)
	var g errgroup.Group
	g.SetLimit(workers)
	go func() {
		for start := 0; start < n; start += blockSize {
			start := start // per-iteration copy (go 1.21 loop semantics)
			end := min(start+blockSize, n)
			g.Go(func() error {
				for r := start; r < end; r++ {
					out[r] = ext.Extract(odfs.RawRowView(r), numFibers)
				}
				progress <- end - start
				return nil
			})
		}
		g.Wait()
		close(progress)
	}()

	completed, reported := 0, 0
	for done := range progress {
		completed += done
		pct := completed * 100 / n
		if pct >= reported+10 || completed == n {
			reported = pct
			log.WithField("progress", fmt.Sprintf("%d%%", pct)).Info("Detecting peaks")
		}
	}

	for _, fs := range out {
		if math.Abs(fs[0].Value) < MinNonzero {
			fs[0].Value = MinNonzero
		}
	}
	return out
}

func encodeFixels(enc *matfile.Encoder, fixels []peaks.FixelSet, indices []int, nVoxels, numFibers int) error {
	fa := make([]float32, nVoxels)
	idx := make([]int16, nVoxels)
	for k := 0; k < numFibers; k++ {
		for r, v := range indices {
			fa[v] = float32(fixels[r][k].Value)
			idx[v] = int16(fixels[r][k].Index)
		}
		if err := enc.Encode(FAKey(k), 1, nVoxels, fa); err != nil {
			return err
		}
		if err := enc.Encode(IndexKey(k), 1, nVoxels, idx); err != nil {
			return err
		}
	}
	return nil
}

// encodeChunk stores the rows of chunk as a direction x voxel matrix. The
// column-major layout of that matrix is exactly the row-major layout of the
// voxel rows.
func encodeChunk(enc *matfile.Encoder, odfs *mat.Dense, chunk layout.Chunk) error {
	_, nDirs := odfs.Dims()
	data := make([]float32, 0, chunk.Len()*nDirs)
	for r := chunk.Start; r < chunk.End; r++ {
		for _, v := range odfs.RawRowView(r) {
			data = append(data, float32(v))
		}
	}
	return enc.Encode(ODFKey(chunk.Index), nDirs, chunk.Len(), data)
}

func encodeSphere(enc *matfile.Encoder, sphere *geometry.Sphere) error {
	verts := make([]float32, 0, 3*len(sphere.Vertices))
	for _, v := range sphere.Vertices {
		verts = append(verts, float32(v.X), float32(v.Y), float32(v.Z))
	}
	if err := enc.Encode(VerticesKey, 3, len(sphere.Vertices), verts); err != nil {
		return err
	}
	faces := make([]int16, 0, 3*len(sphere.Faces))
	for _, f := range sphere.Faces {
		faces = append(faces, int16(f[0]), int16(f[1]), int16(f[2]))
	}
	return enc.Encode(FacesKey, 3, len(sphere.Faces), faces)
}

// writeAtomic encodes into a temporary file next to path and renames it
// into place once everything has been written. Paths ending in .gz are
// gzip compressed.
func writeAtomic(path string, fn func(enc *matfile.Encoder) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			err = fmt.Errorf("write %s: %w", path, err)
		}
	}()

	var zw *gzip.Writer
	enc := matfile.NewEncoder(tmp)
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(tmp)
		enc = matfile.NewEncoder(zw)
	}
	if err = fn(enc); err != nil {
		return err
	}
	if err = enc.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
