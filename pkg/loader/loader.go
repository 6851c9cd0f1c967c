// Package loader reads fib matrix files that may be gzip or zstd compressed.
//
// Full-resolution fib files hold hundreds of megabytes of ODF samples, and
// in-process gzip inflation is the slow part of opening them. When a system
// decompressor such as zcat is available it is run as a subprocess and its
// output parsed from memory; otherwise the built-in decoder is used.
package loader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"fibconv/pkg/matfile"
	"fibconv/pkg/toolkit"
)

// DefaultDecompressors are tried in order on PATH for gzip input
var DefaultDecompressors = []string{"gzcat", "zcat"}

// Compression identifies the container wrapping a matrix file
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	}
	return "none"
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect classifies a stream from its leading bytes
func Detect(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd
	}
	return None
}

// Options configures a Loader
type Options struct {
	// Decompressors lists external programs invoked as "<program> <file>".
	// An empty list forces the built-in decoder.
	Decompressors []string

	// Log receives diagnostics. Defaults to the logrus standard logger.
	Log logrus.FieldLogger
}

// Loader is the fast matrix file loader
type Loader struct {
	decompressors []string
	log           logrus.FieldLogger
	lookPath      func(string) (string, error)
}

// New creates a Loader. A nil opts uses DefaultDecompressors.
func New(opts *Options) *Loader {
	l := &Loader{
		decompressors: DefaultDecompressors,
		log:           logrus.StandardLogger(),
		lookPath:      exec.LookPath,
	}
	if opts != nil {
		l.decompressors = opts.Decompressors
		if opts.Log != nil {
			l.log = opts.Log
		}
	}
	return l
}

// Load parses the matrix file at path, decompressing it if needed
func (l *Loader) Load(path string) (*matfile.File, error) {
	kind, err := sniff(path)
	if err != nil {
		return nil, err
	}

	var buf []byte
	switch kind {
	case None:
		buf, err = os.ReadFile(path)
	case Gzip:
		buf, err = l.inflateGzip(path)
	case Zstd:
		buf, err = decodeZstd(path)
	}
	if err != nil {
		return nil, err
	}

	f, err := matfile.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func sniff(path string) (Compression, error) {
	f, err := os.Open(path)
	if err != nil {
		return None, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return None, err
	}
	return Detect(head[:n]), nil
}

// findDecompressor returns the first candidate found on PATH
func (l *Loader) findDecompressor() (string, bool) {
	for _, program := range l.decompressors {
		if exe, err := l.lookPath(program); err == nil {
			return exe, true
		}
	}
	return "", false
}

func (l *Loader) inflateGzip(path string) ([]byte, error) {
	if exe, ok := l.findDecompressor(); ok {
		return l.runDecompressor(exe, path)
	}

	l.log.WithField("file", path).Info("Loading with built-in gzip. To load faster install zcat or gzcat.")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	defer zr.Close()
	return readAllSized(zr, path)
}

func (l *Loader) runDecompressor(exe, path string) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, estimateSize(path)))
	var stderr bytes.Buffer
	cmd := exec.Command(exe, path)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	l.log.WithFields(logrus.Fields{"program": exe, "file": path}).Debug("decompressing with external program")
	res := toolkit.Evaluate(cmd, cmd.Run(), "")
	res.Stderr = stderr.Bytes()
	if err := res.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeZstd(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("zstd %s: %w", path, err)
	}
	defer dec.Close()
	return readAllSized(dec, path)
}

func readAllSized(r io.Reader, path string) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, estimateSize(path)))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// estimateSize guesses the inflated size so the buffer rarely regrows.
// ODF matrices typically compress about 4:1.
func estimateSize(path string) int {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return int(st.Size()) * 4
}
