package matfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// scratch buffer size used when converting element slices to bytes
const encodeBlock = 1 << 16

// Encoder streams level-4 matrices to a writer in little-endian order.
// Each call to Encode writes one complete matrix, so callers can drop large
// arrays as soon as they have been encoded.
type Encoder struct {
	w   *bufio.Writer
	buf []byte
	err error
}

// NewEncoder returns an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   bufio.NewWriterSize(w, 1<<20),
		buf: make([]byte, encodeBlock),
	}
}

// Encode writes a rows x cols matrix. data holds rows*cols elements in
// column-major order and must be one of []float64, []float32, []int32,
// []int16, []uint16 or []uint8.
func (e *Encoder) Encode(name string, rows, cols int, data any) error {
	if e.err != nil {
		return e.err
	}
	typ, n, err := typeOf(data)
	if err != nil {
		return fmt.Errorf("matrix %q: %w", name, err)
	}
	if n != rows*cols {
		return fmt.Errorf("matrix %q: %d elements for %d x %d", name, n, rows, cols)
	}

	hdr := [5]int32{int32(typ) * 10, int32(rows), int32(cols), 0, int32(len(name) + 1)}
	if err := binary.Write(e.w, binary.LittleEndian, hdr); err != nil {
		e.err = err
		return err
	}
	if _, err := e.w.WriteString(name); err != nil {
		e.err = err
		return err
	}
	if err := e.w.WriteByte(0); err != nil {
		e.err = err
		return err
	}

	e.err = e.writeElements(data)
	return e.err
}

// Flush writes any buffered data to the underlying writer
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

func (e *Encoder) writeElements(data any) error {
	le := binary.LittleEndian
	switch d := data.(type) {
	case []uint8:
		_, err := e.w.Write(d)
		return err
	case []float64:
		return e.chunked(len(d), 8, func(b []byte, i int) { le.PutUint64(b, math.Float64bits(d[i])) })
	case []float32:
		return e.chunked(len(d), 4, func(b []byte, i int) { le.PutUint32(b, math.Float32bits(d[i])) })
	case []int32:
		return e.chunked(len(d), 4, func(b []byte, i int) { le.PutUint32(b, uint32(d[i])) })
	case []int16:
		return e.chunked(len(d), 2, func(b []byte, i int) { le.PutUint16(b, uint16(d[i])) })
	case []uint16:
		return e.chunked(len(d), 2, func(b []byte, i int) { le.PutUint16(b, d[i]) })
	}
	return ErrUnsupported
}

func (e *Encoder) chunked(n, size int, put func(b []byte, i int)) error {
	per := len(e.buf) / size
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		b := e.buf[:(end-start)*size]
		for i := start; i < end; i++ {
			put(b[(i-start)*size:], i)
		}
		if _, err := e.w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func typeOf(data any) (Type, int, error) {
	switch d := data.(type) {
	case []float64:
		return Float64, len(d), nil
	case []float32:
		return Float32, len(d), nil
	case []int32:
		return Int32, len(d), nil
	case []int16:
		return Int16, len(d), nil
	case []uint16:
		return Uint16, len(d), nil
	case []uint8:
		return Uint8, len(d), nil
	}
	return 0, 0, fmt.Errorf("%w: %T", ErrUnsupported, data)
}
