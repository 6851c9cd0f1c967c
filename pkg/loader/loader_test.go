package loader

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fibconv/pkg/matfile"
	"fibconv/pkg/toolkit"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := matfile.NewEncoder(&buf)
	odf := make([]float32, 42*300)
	for i := range odf {
		odf[i] = float32(i%97) / 97
	}
	require.NoError(t, enc.Encode("dimension", 1, 3, []int32{10, 6, 5}))
	require.NoError(t, enc.Encode("fa0", 1, 300, odf[:300]))
	require.NoError(t, enc.Encode("odf0", 42, 300, odf))
	require.NoError(t, enc.Encode("z0", 1, 1, []float32{1.5}))
	require.NoError(t, enc.Flush())
	return buf.Bytes()
}

func writeGzip(t *testing.T, path string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func requireSameContent(t *testing.T, want, got *matfile.File) {
	t.Helper()
	require.Equal(t, want.Names(), got.Names())
	for _, name := range want.Names() {
		a, _ := want.Get(name)
		b, _ := got.Get(name)
		assert.Equal(t, a.Type, b.Type, name)
		assert.Equal(t, a.Rows, b.Rows, name)
		assert.Equal(t, a.Cols, b.Cols, name)
		assert.Equal(t, a.Raw(), b.Raw(), name)
	}
}

func TestDetect(t *testing.T) {
	assert.Equal(t, Gzip, Detect([]byte{0x1f, 0x8b, 8, 0}))
	assert.Equal(t, Zstd, Detect([]byte{0x28, 0xb5, 0x2f, 0xfd}))
	assert.Equal(t, None, Detect([]byte{0, 0, 0, 0}))
	assert.Equal(t, None, Detect(nil))
	assert.Equal(t, "gzip", Gzip.String())
}

func TestLoadUncompressed(t *testing.T) {
	data := fixture(t)
	path := filepath.Join(t.TempDir(), "plain.fib")
	require.NoError(t, os.WriteFile(path, data, 0644))

	f, err := New(&Options{Log: quietLog()}).Load(path)
	require.NoError(t, err)
	want, err := matfile.Parse(data)
	require.NoError(t, err)
	requireSameContent(t, want, f)
}

func TestLoadGzipBothPaths(t *testing.T) {
	data := fixture(t)
	// the name does not matter, only the content
	path := filepath.Join(t.TempDir(), "odf.fib")
	writeGzip(t, path, data)

	log, hook := test.NewNullLogger()
	builtin, err := New(&Options{Log: log}).Load(path)
	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "built-in gzip")

	if _, err := exec.LookPath("zcat"); err != nil {
		t.Skip("zcat not available")
	}
	hook.Reset()
	external, err := New(&Options{Decompressors: []string{"no-such-gzcat", "zcat"}, Log: log}).Load(path)
	require.NoError(t, err)
	for _, e := range hook.AllEntries() {
		assert.NotContains(t, e.Message, "built-in gzip")
	}
	requireSameContent(t, builtin, external)
}

func TestLoadZstd(t *testing.T) {
	data := fixture(t)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "odf.fib.zst")
	require.NoError(t, os.WriteFile(path, enc.EncodeAll(data, nil), 0644))
	require.NoError(t, enc.Close())

	f, err := New(&Options{Log: quietLog()}).Load(path)
	require.NoError(t, err)
	want, err := matfile.Parse(data)
	require.NoError(t, err)
	requireSameContent(t, want, f)
}

func TestLoadDecompressorFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "brokencat")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho corrupt input >&2\nexit 1\n"), 0755))

	path := filepath.Join(dir, "odf.fib.gz")
	writeGzip(t, path, fixture(t))

	l := New(&Options{Decompressors: []string{script}, Log: quietLog()})
	_, err := l.Load(path)
	require.ErrorIs(t, err, toolkit.ErrExternalTool)
	var toolErr *toolkit.Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Equal(t, "corrupt input", toolErr.Stderr)
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.fib")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err := New(&Options{Log: quietLog()}).Load(empty)
	assert.ErrorIs(t, err, matfile.ErrMalformed)

	emptyGz := filepath.Join(dir, "empty.fib.gz")
	writeGzip(t, emptyGz, nil)
	_, err = New(&Options{Log: quietLog()}).Load(emptyGz)
	assert.ErrorIs(t, err, matfile.ErrMalformed)

	_, err = New(nil).Load(filepath.Join(dir, "missing.fib"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
