package fib

import (
	"bytes"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/matfile"
	"fibconv/pkg/nifti"
	"fibconv/pkg/toolkit"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func loadSphere(t *testing.T, key string) *geometry.Sphere {
	t.Helper()
	s, err := geometry.Load(key)
	require.NoError(t, err)
	return s
}

func testParams() *ForwardParams {
	p := DefaultForwardParams()
	p.Workers = 3
	return p
}

// watsonVolume fills a grid with one Watson lobe per voxel, each around a
// random axis. The axes are returned in linear voxel order.
func watsonVolume(h *geometry.Hemisphere, dims [3]int, seed int64) (*models.Volume, []r3.Vec) {
	rng := rand.New(rand.NewSource(seed))
	vol := models.NewVolume([4]int{dims[0], dims[1], dims[2], h.Len()}, models.Identity(), [3]float64{2, 2, 2})
	for i := 0; i < 3; i++ {
		vol.Affine[i][i] = 2
	}

	axes := make([]r3.Vec, vol.NumVoxels())
	for v := range axes {
		axes[v] = r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
	}
	for d, u := range h.Vertices {
		frame := vol.Frame(d)
		for v, a := range axes {
			c := r3.Dot(u, a)
			frame[v] = float32(3 * math.Exp(20*(c*c-1)))
		}
	}
	return vol, axes
}

func fullMask(vol *models.Volume) *models.Mask {
	m := &models.Mask{Data: make([]bool, vol.NumVoxels()), Dims: vol.Spatial(), Affine: vol.Affine}
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// writeFib encodes hand-made fib matrices for inverse tests
func writeFib(t *testing.T, fn func(enc *matfile.Encoder)) *matfile.File {
	t.Helper()
	var buf bytes.Buffer
	enc := matfile.NewEncoder(&buf)
	fn(enc)
	require.NoError(t, enc.Flush())
	f, err := matfile.Parse(buf.Bytes())
	require.NoError(t, err)
	return f
}

// fakeRunner stands in for the SH toolkit. It records each call, keeps a
// copy of the directions file and writes img (or an empty file) to the
// declared output.
type fakeRunner struct {
	t        *testing.T
	img      *models.Volume
	exitCode int

	calls [][]string
	dirs  []byte
	input *nifti.Image
}

func (r *fakeRunner) Run(program string, args []string, output string) *toolkit.Result {
	r.calls = append(r.calls, append([]string{program}, args...))
	res := &toolkit.Result{Args: append([]string{program}, args...), Output: output, ExitCode: r.exitCode}
	if r.exitCode != 0 {
		res.Stderr = []byte("failed")
		return res
	}

	dirs, err := os.ReadFile(args[3])
	require.NoError(r.t, err)
	r.dirs = dirs

	if program == "amp2sh" {
		img, err := nifti.Read(args[4])
		require.NoError(r.t, err)
		r.input = img
	}

	if r.img != nil {
		require.NoError(r.t, nifti.Write(output, r.img, nil))
	} else {
		require.NoError(r.t, os.WriteFile(output, []byte("coefficients"), 0644))
	}
	res.OutputExists = true
	return res
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Base(e.Name()))
	}
	return names
}
