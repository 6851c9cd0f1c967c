package fib

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/loader"
	"fibconv/pkg/matfile"
	"fibconv/pkg/toolkit"
)

func TestForwardRoundTrip(t *testing.T) {
	sphere := loadSphere(t, "odf8")
	hemi := sphere.Hemisphere()
	vol, axes := watsonVolume(hemi, [3]int{4, 4, 4}, 1)

	out := filepath.Join(t.TempDir(), "out.fib")
	conv := NewForwardConverter(testParams(), quietLog())
	summary, err := conv.Convert(vol, sphere, fullMask(vol), out)
	require.NoError(t, err)
	assert.Equal(t, 64, summary.MaskedVoxels)
	assert.Equal(t, 1, summary.Chunks)
	assert.Equal(t, hemi.Len(), summary.Directions)

	f, err := matfile.ReadFile(out)
	require.NoError(t, err)

	keys := []string{DimensionKey, VoxelSizeKey, ODFKey(0), VerticesKey, FacesKey, Z0Key}
	for k := 0; k < 5; k++ {
		keys = append(keys, FAKey(k), IndexKey(k))
	}
	for _, key := range keys {
		_, ok := f.Get(key)
		assert.True(t, ok, key)
	}
	_, ok := f.Get(ODFKey(1))
	assert.False(t, ok)

	dims, err := Dimensions(f)
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, dims)

	vs, _ := f.Get(VoxelSizeKey)
	assert.Equal(t, []float64{2, 2, 2}, vs.Float64s())

	verts, _ := f.Get(VerticesKey)
	assert.Equal(t, 3, verts.Rows)
	assert.Equal(t, len(sphere.Vertices), verts.Cols)
	faces, _ := f.Get(FacesKey)
	assert.Equal(t, matfile.Int16, faces.Type)
	assert.Equal(t, len(sphere.Faces), faces.Cols)

	// the lobe maximum sits on the vertex nearest each axis
	index0, _ := f.Get(IndexKey(0))
	assert.Equal(t, matfile.Int16, index0.Type)
	edge := maxEdgeAngle(hemi)
	for v, a := range axes {
		idx := int(index0.At(v))
		assert.Equal(t, hemi.Nearest(a), idx, "voxel %d", v)
		assert.LessOrEqual(t, geometry.AngleBetween(hemi.Vertices[idx], a), edge)
	}

	z0v, _ := f.Get(Z0Key)
	assert.Equal(t, matfile.Float64, z0v.Type)
	z0 := z0v.At(0)
	assert.Equal(t, summary.Z0, z0)
	var maxAmp float64
	for _, x := range vol.Data[:vol.NumVoxels()*hemi.Len()] {
		maxAmp = math.Max(maxAmp, float64(x))
	}
	assert.InDelta(t, maxAmp, z0, 1e-5)

	odf0, _ := f.Get(ODFKey(0))
	require.Equal(t, hemi.Len(), odf0.Rows)
	require.Equal(t, 64, odf0.Cols)
	for v := 0; v < 64; v++ {
		col := odf0.Column(v)
		for d := range col {
			want := math.Max(0, float64(vol.Frame(d)[v])/maxAmp)
			assert.InDelta(t, want, col[d], 1e-6)
		}
	}
}

func maxEdgeAngle(h *geometry.Hemisphere) float64 {
	var m float64
	for _, e := range h.Edges {
		m = math.Max(m, geometry.AngleBetween(h.Vertices[e[0]], h.Vertices[e[1]]))
	}
	return m
}

func TestForwardFixelFloorAndPadding(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	vol, _ := watsonVolume(hemi, [3]int{3, 2, 2}, 2)
	// voxel 5 keeps no amplitude but stays in the mask
	for d := 0; d < hemi.Len(); d++ {
		vol.Frame(d)[5] = 0
	}

	out := filepath.Join(t.TempDir(), "floor.fib")
	_, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, fullMask(vol), out)
	require.NoError(t, err)

	f, err := matfile.ReadFile(out)
	require.NoError(t, err)
	fa0, _ := f.Get(FAKey(0))
	for v := 0; v < vol.NumVoxels(); v++ {
		assert.GreaterOrEqual(t, float32(fa0.At(v)), float32(MinNonzero))
	}
	assert.InDelta(t, MinNonzero, fa0.At(5), 1e-12)

	// single lobes leave every later fixel empty
	for k := 1; k < 5; k++ {
		fa, _ := f.Get(FAKey(k))
		idx, _ := f.Get(IndexKey(k))
		for v := 0; v < vol.NumVoxels(); v++ {
			assert.Zero(t, fa.At(v))
			assert.Zero(t, idx.At(v))
		}
	}
}

func TestForwardDerivedMaskLeavesBackgroundEmpty(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	vol, _ := watsonVolume(hemi, [3]int{2, 2, 2}, 3)
	for d := 0; d < hemi.Len(); d++ {
		vol.Frame(d)[0] = 0
	}

	out := filepath.Join(t.TempDir(), "derived.fib")
	summary, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, nil, out)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.MaskedVoxels)

	f, err := matfile.ReadFile(out)
	require.NoError(t, err)
	fa0, _ := f.Get(FAKey(0))
	assert.Zero(t, fa0.At(0))
	odf0, _ := f.Get(ODFKey(0))
	assert.Equal(t, 7, odf0.Cols)
}

func TestForwardAcceptsFullSphere(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	half, _ := watsonVolume(hemi, [3]int{2, 2, 1}, 4)

	full := models.NewVolume([4]int{2, 2, 1, 2 * hemi.Len()}, half.Affine, half.VoxelSize)
	copy(full.Data, half.Data)
	copy(full.Data[len(half.Data):], half.Data)

	dir := t.TempDir()
	conv := NewForwardConverter(testParams(), quietLog())
	_, err := conv.Convert(half, sphere, nil, filepath.Join(dir, "half.fib"))
	require.NoError(t, err)
	_, err = conv.Convert(full, sphere, nil, filepath.Join(dir, "full.fib"))
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "half.fib"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "full.fib"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestForwardUnitODF(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	vol, _ := watsonVolume(hemi, [3]int{2, 1, 1}, 5)

	params := testParams()
	params.UnitODF = true
	out := filepath.Join(t.TempDir(), "unit.fib")
	_, err := NewForwardConverter(params, quietLog()).Convert(vol, sphere, nil, out)
	require.NoError(t, err)

	f, err := matfile.ReadFile(out)
	require.NoError(t, err)
	odf0, _ := f.Get(ODFKey(0))
	for v := 0; v < odf0.Cols; v++ {
		var sum float64
		for _, x := range odf0.Column(v) {
			sum += float64(x)
		}
		assert.InDelta(t, 1, sum, 1e-4)
	}
}

func TestForwardChunkCount(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	n := sphere.HemisphereSize()

	for _, tc := range []struct {
		voxels int
		cols   []int
	}{
		{20000, []int{20000}},
		{20001, []int{20000, 1}},
	} {
		vol := models.NewVolume([4]int{tc.voxels, 1, 1, n}, models.Identity(), [3]float64{1, 1, 1})
		for i := range vol.Data {
			vol.Data[i] = 1
		}
		out := filepath.Join(t.TempDir(), "chunks.fib")
		summary, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, nil, out)
		require.NoError(t, err)
		assert.Equal(t, len(tc.cols), summary.Chunks)

		f, err := matfile.ReadFile(out)
		require.NoError(t, err)
		for i, cols := range tc.cols {
			v, ok := f.Get(ODFKey(i))
			require.True(t, ok)
			assert.Equal(t, cols, v.Cols)
		}
		_, ok := f.Get(ODFKey(len(tc.cols)))
		assert.False(t, ok)
	}
}

func TestForwardGeometryMismatch(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	vol, _ := watsonVolume(sphere.Hemisphere(), [3]int{2, 2, 2}, 6)
	conv := NewForwardConverter(testParams(), quietLog())
	out := filepath.Join(t.TempDir(), "bad.fib")

	shifted := fullMask(vol)
	shifted.Affine[0][3] = 1
	_, err := conv.Convert(vol, sphere, shifted, out)
	assert.ErrorIs(t, err, ErrGeometryMismatch)

	nearlySame := fullMask(vol)
	nearlySame.Affine[0][0] += 1e-9
	_, err = conv.Convert(vol, sphere, nearlySame, out)
	assert.NoError(t, err)

	small := &models.Mask{Data: make([]bool, 4), Dims: [3]int{2, 2, 1}, Affine: vol.Affine}
	_, err = conv.Convert(vol, sphere, small, out)
	assert.ErrorIs(t, err, ErrGeometryMismatch)
}

func TestForwardEmptyMask(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	n := sphere.HemisphereSize()
	conv := NewForwardConverter(testParams(), quietLog())
	out := filepath.Join(t.TempDir(), "empty.fib")

	zeros := models.NewVolume([4]int{2, 2, 2, n}, models.Identity(), [3]float64{1, 1, 1})
	_, err := conv.Convert(zeros, sphere, nil, out)
	assert.ErrorIs(t, err, ErrEmptyMask)

	negative := models.NewVolume([4]int{2, 2, 2, n}, models.Identity(), [3]float64{1, 1, 1})
	for i := range negative.Data {
		negative.Data[i] = -1
	}
	_, err = conv.Convert(negative, sphere, fullMask(negative), out)
	assert.ErrorIs(t, err, ErrEmptyMask)

	nan := models.NewVolume([4]int{1, 1, 1, n}, models.Identity(), [3]float64{1, 1, 1})
	for i := range nan.Data {
		nan.Data[i] = float32(math.NaN())
	}
	_, err = conv.Convert(nan, sphere, fullMask(nan), out)
	assert.ErrorIs(t, err, ErrEmptyMask)

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestForwardDirectionCount(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	vol := models.NewVolume([4]int{2, 2, 2, sphere.HemisphereSize() + 1}, models.Identity(), [3]float64{1, 1, 1})
	_, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, nil, filepath.Join(t.TempDir(), "x.fib"))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestForwardNaNBecomesZero(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	vol, _ := watsonVolume(hemi, [3]int{2, 1, 1}, 7)
	vol.Frame(3)[1] = float32(math.NaN())

	out := filepath.Join(t.TempDir(), "nan.fib")
	_, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, fullMask(vol), out)
	require.NoError(t, err)

	f, err := matfile.ReadFile(out)
	require.NoError(t, err)
	odf0, _ := f.Get(ODFKey(0))
	assert.Zero(t, odf0.Column(1)[3])
}

func TestForwardGzipOutput(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	vol, _ := watsonVolume(sphere.Hemisphere(), [3]int{2, 2, 2}, 8)

	dir := t.TempDir()
	out := filepath.Join(dir, "out.fib.gz")
	_, err := NewForwardConverter(testParams(), quietLog()).Convert(vol, sphere, nil, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"out.fib.gz"}, listDir(t, dir))

	head, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, loader.Gzip, loader.Detect(head))

	f, err := loader.New(&loader.Options{Log: quietLog()}).Load(out)
	require.NoError(t, err)
	dims, err := Dimensions(f)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 2}, dims)
}

func TestConvertFOD(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	hemi := sphere.Hemisphere()
	amps, _ := watsonVolume(hemi, [3]int{2, 2, 1}, 9)

	work := filepath.Join(t.TempDir(), "work")
	params := testParams()
	params.WorkDir = work
	runner := &fakeRunner{t: t, img: amps}
	tool := toolkit.NewMRtrix(runner)

	out := filepath.Join(t.TempDir(), "fod.fib")
	summary, err := NewForwardConverter(params, quietLog()).ConvertFOD(tool, "wm_fod.mif", "", sphere, out)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.MaskedVoxels)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, []string{"sh2amp", "-quiet", "-nonnegative", "wm_fod.mif"}, call[:4])
	assert.Equal(t, filepath.Join(work, amplitudesFile), call[5])

	lines := strings.Split(strings.TrimSpace(string(runner.dirs)), "\n")
	assert.Len(t, lines, hemi.Len())
	assert.Empty(t, listDir(t, work))

	_, err = matfile.ReadFile(out)
	assert.NoError(t, err)
}

func TestConvertFODToolFailure(t *testing.T) {
	sphere := loadSphere(t, "odf4")
	runner := &fakeRunner{t: t, exitCode: 1}

	out := filepath.Join(t.TempDir(), "fod.fib")
	_, err := NewForwardConverter(testParams(), quietLog()).ConvertFOD(toolkit.NewMRtrix(runner), "wm_fod.mif", "", sphere, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolkit.ErrExternalTool))

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
