package fib

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/layout"
	"fibconv/pkg/loader"
	"fibconv/pkg/matfile"
	"fibconv/pkg/nifti"
	"fibconv/pkg/toolkit"
)

// InverseParams holds the fib to amplitude conversion settings
type InverseParams struct {
	// SubtractISO removes each voxel's minimum amplitude before fitting
	SubtractISO bool

	// KeepZeroColumns keeps ODF columns that sum to exactly zero instead
	// of dropping them
	KeepZeroColumns bool

	// WorkDir holds the intermediate amplitude image and directions.
	// Empty means a fresh directory under os.TempDir.
	WorkDir string
}

// DefaultInverseParams returns the default inverse settings
func DefaultInverseParams() *InverseParams {
	return &InverseParams{SubtractISO: true}
}

// InverseConverter rebuilds dense amplitude volumes from fib files
type InverseConverter struct {
	params *InverseParams
	loader *loader.Loader
	tool   *toolkit.MRtrix
	log    logrus.FieldLogger
}

// NewInverseConverter creates a converter. ld and log may be nil; tool is
// only needed by Convert.
func NewInverseConverter(params *InverseParams, ld *loader.Loader, tool *toolkit.MRtrix, log logrus.FieldLogger) *InverseConverter {
	if params == nil {
		params = DefaultInverseParams()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ld == nil {
		ld = loader.New(&loader.Options{Decompressors: loader.DefaultDecompressors, Log: log})
	}
	return &InverseConverter{params: params, loader: ld, tool: tool, log: log}
}

// Reconstruct scatters the ODF chunks of f back onto the voxel grid. The
// result has one frame per hemisphere direction. When ref is non-nil its
// grid must match the fib dimensions and its affine is used; otherwise the
// affine scales by voxel_size.
func (c *InverseConverter) Reconstruct(f *matfile.File, ref *models.Volume) (*models.Volume, error) {
	dims, err := Dimensions(f)
	if err != nil {
		return nil, err
	}
	if ref != nil && ref.Spatial() != dims {
		return nil, fmt.Errorf("%w: fib grid %v, reference grid %v", ErrDimensionMismatch, dims, ref.Spatial())
	}
	valid, err := ValidVoxels(f, dims)
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: fa0 has no positive voxels", ErrEmptyMask)
	}

	chunks, err := ODFChunks(f, len(valid))
	if err != nil {
		return nil, err
	}
	nDirs := chunks[0].Rows
	if vv, ok := f.Get(VerticesKey); ok && vv.Cols != 2*nDirs {
		return nil, fmt.Errorf("%w: %d ODF rows for %d sphere vertices", ErrDimensionMismatch, nDirs, vv.Cols)
	}

	rows, dropped, err := c.collectRows(chunks, nDirs, len(valid))
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{"voxels": len(valid), "directions": nDirs, "chunks": len(chunks)})
	if dropped > 0 {
		log.WithField("dropped", dropped).Warn("dropped all-zero ODF columns")
	}

	if c.params.SubtractISO {
		subtractMinimum(rows, nDirs)
	}

	affine, voxelSize := gridOf(f, ref)
	vol := models.NewVolume([4]int{dims[0], dims[1], dims[2], nDirs}, affine, voxelSize)
	column := make([]float32, len(valid))
	for d := 0; d < nDirs; d++ {
		for r := range column {
			column[r] = rows[r*nDirs+d]
		}
		if err := layout.Scatter(vol.Frame(d), column, valid); err != nil {
			return nil, err
		}
	}
	log.Info("ODF amplitudes reconstructed")
	return vol, nil
}

// collectRows concatenates the chunk columns into voxel-major rows,
// skipping columns that sum to exactly zero unless KeepZeroColumns is set.
// The surviving columns must line up one to one with the valid voxels.
func (c *InverseConverter) collectRows(chunks []*matfile.Var, nDirs, nValid int) ([]float32, int, error) {
	rows := make([]float32, 0, nValid*nDirs)
	kept, dropped := 0, 0
	for i, v := range chunks {
		if v.Rows != nDirs {
			return nil, 0, fmt.Errorf("%w: %s has %d rows, %s has %d",
				ErrDimensionMismatch, ODFKey(i), v.Rows, ODFKey(0), nDirs)
		}
		for j := 0; j < v.Cols; j++ {
			col := v.Column(j)
			if !c.params.KeepZeroColumns && columnSum(col) == 0 {
				dropped++
				continue
			}
			if kept >= nValid {
				kept++
				continue
			}
			rows = append(rows, col...)
			kept++
		}
	}
	if kept != nValid {
		return nil, dropped, fmt.Errorf("%w: %d ODF columns (after dropping %d all-zero ones) for %d voxels with fa0 > 0",
			ErrVoxelCountMismatch, kept, dropped, nValid)
	}
	return rows, dropped, nil
}

func columnSum(col []float32) float64 {
	var s float64
	for _, v := range col {
		s += float64(v)
	}
	return s
}

// subtractMinimum removes each row's minimum from that row
func subtractMinimum(rows []float32, nDirs int) {
	for start := 0; start < len(rows); start += nDirs {
		row := rows[start : start+nDirs]
		lo := float32(math.Inf(1))
		for _, v := range row {
			if v < lo {
				lo = v
			}
		}
		for i := range row {
			row[i] -= lo
		}
	}
}

func gridOf(f *matfile.File, ref *models.Volume) (models.Affine, [3]float64) {
	if ref != nil {
		return ref.Affine, ref.VoxelSize
	}
	voxelSize := [3]float64{1, 1, 1}
	if v, ok := f.Get(VoxelSizeKey); ok && v.Len() == 3 {
		for i := range voxelSize {
			voxelSize[i] = v.At(i)
		}
	}
	affine := models.Identity()
	for i, s := range voxelSize {
		affine[i][i] = s
	}
	return affine, voxelSize
}

// Amplitudes loads fibPath and reconstructs its dense amplitude volume on
// the grid of the reference image refPath, which may be empty.
func (c *InverseConverter) Amplitudes(fibPath, refPath string) (*models.Volume, *nifti.Header, error) {
	var ref *nifti.Image
	if refPath != "" {
		var err error
		if ref, err = nifti.Read(refPath); err != nil {
			return nil, nil, err
		}
	}
	f, err := c.loader.Load(fibPath)
	if err != nil {
		return nil, nil, err
	}
	if ref == nil {
		vol, err := c.Reconstruct(f, nil)
		return vol, nil, err
	}
	vol, err := c.Reconstruct(f, ref.Volume)
	if err != nil {
		return nil, nil, err
	}
	return vol, &ref.Header, nil
}

// ConvertToAmplitudes writes the dense amplitude image of fibPath to output
func (c *InverseConverter) ConvertToAmplitudes(fibPath, refPath, output string) error {
	vol, hdr, err := c.Amplitudes(fibPath, refPath)
	if err != nil {
		return err
	}
	return nifti.Write(output, vol, hdr)
}

// Convert reconstructs the amplitudes of fibPath on the grid of refPath and
// fits spherical harmonic coefficients to them with the toolkit. It returns
// the path of the coefficient image.
func (c *InverseConverter) Convert(fibPath, refPath, output string) (string, error) {
	if c.tool == nil {
		return "", fmt.Errorf("%w: no fitting toolkit configured", toolkit.ErrExternalTool)
	}
	ref, err := nifti.Read(refPath)
	if err != nil {
		return "", err
	}
	f, err := c.loader.Load(fibPath)
	if err != nil {
		return "", err
	}
	sphere, err := Sphere(f)
	if err != nil {
		return "", err
	}
	vol, err := c.Reconstruct(f, ref.Volume)
	if err != nil {
		return "", err
	}

	dir, cleanup, err := scratchDir(c.params.WorkDir)
	if err != nil {
		return "", err
	}
	defer cleanup()

	ampPath := filepath.Join(dir, odfValuesFile)
	if err := nifti.Write(ampPath, vol, &ref.Header); err != nil {
		return "", err
	}

	dirsPath := filepath.Join(dir, rasDirsFile)
	hemi := sphere.Hemisphere()
	if err := toolkit.WriteDirections(dirsPath, geometry.SphericalAngles(hemi.Vertices, geometry.InverseFlip)); err != nil {
		return "", fmt.Errorf("write directions: %w", err)
	}

	c.log.WithFields(logrus.Fields{"fib": fibPath, "output": output}).Info("Fitting spherical harmonics")
	if err := c.tool.FitCoefficients(ampPath, dirsPath, output); err != nil {
		return "", err
	}
	return output, nil
}
