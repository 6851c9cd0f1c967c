// Package matfile reads and writes MATLAB level-4 matrix files.
//
// A level-4 file is a flat sequence of named matrices. Each matrix is a
// 20-byte header (type, rows, cols, imagf, name length), the NUL-terminated
// name, then rows*cols elements stored column-major. There is no file header,
// no compression and no nesting, which is what DSI Studio expects from a fib
// file.
package matfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrMalformed is returned when a buffer does not hold a level-4 matrix stream
var ErrMalformed = errors.New("malformed matrix file")

// ErrUnsupported is returned for sparse matrices and unknown element types.
// Parse errors that carry it also match ErrMalformed.
var ErrUnsupported = errors.New("unsupported matrix type")

const headerSize = 20

// Type is the element precision of a matrix (the P digit of the type code)
type Type int

const (
	Float64 Type = iota
	Float32
	Int32
	Int16
	Uint16
	Uint8
)

// Size returns the element size in bytes
func (t Type) Size() int {
	switch t {
	case Float64:
		return 8
	case Float32, Int32:
		return 4
	case Int16, Uint16:
		return 2
	case Uint8:
		return 1
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Var is one named matrix. The element bytes are kept as parsed and decoded
// on demand so that large files are not copied while being indexed.
type Var struct {
	Name       string
	Type       Type
	Rows, Cols int

	order binary.ByteOrder
	raw   []byte
}

// Len returns rows*cols
func (v *Var) Len() int {
	return v.Rows * v.Cols
}

// Raw returns the undecoded element bytes of the real part
func (v *Var) Raw() []byte {
	return v.raw
}

// At returns element i (column-major) converted to float64
func (v *Var) At(i int) float64 {
	sz := v.Type.Size()
	b := v.raw[i*sz : (i+1)*sz]
	switch v.Type {
	case Float64:
		return math.Float64frombits(v.order.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(v.order.Uint32(b)))
	case Int32:
		return float64(int32(v.order.Uint32(b)))
	case Int16:
		return float64(int16(v.order.Uint16(b)))
	case Uint16:
		return float64(v.order.Uint16(b))
	case Uint8:
		return float64(b[0])
	}
	return math.NaN()
}

// Float64s decodes all elements as float64
func (v *Var) Float64s() []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.At(i)
	}
	return out
}

// Float32s decodes elements [start, end) as float32
func (v *Var) Float32s(start, end int) []float32 {
	out := make([]float32, end-start)
	if v.Type == Float32 {
		for i := range out {
			off := (start + i) * 4
			out[i] = math.Float32frombits(v.order.Uint32(v.raw[off : off+4]))
		}
		return out
	}
	for i := range out {
		out[i] = float32(v.At(start + i))
	}
	return out
}

// Ints decodes all elements rounded to int
func (v *Var) Ints() []int {
	out := make([]int, v.Len())
	for i := range out {
		out[i] = int(math.Round(v.At(i)))
	}
	return out
}

// Column decodes column j as float32
func (v *Var) Column(j int) []float32 {
	return v.Float32s(j*v.Rows, (j+1)*v.Rows)
}

// File is an ordered collection of named matrices
type File struct {
	vars   []*Var
	byName map[string]*Var
}

// Get returns the matrix with the given name
func (f *File) Get(name string) (*Var, bool) {
	v, ok := f.byName[name]
	return v, ok
}

// Names returns the matrix names in file order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.vars))
	for _, v := range f.vars {
		names = append(names, v.Name)
	}
	return names
}

// Len returns the number of matrices
func (f *File) Len() int {
	return len(f.vars)
}

// Parse indexes a level-4 matrix stream held in buf. The returned File
// references buf and must not outlive modifications to it.
func Parse(buf []byte) (*File, error) {
	f := &File{byName: make(map[string]*Var)}
	off := 0
	for off < len(buf) {
		v, n, err := parseVar(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("matrix %d at offset %d: %w", len(f.vars), off, err)
		}
		off += n
		if prev, ok := f.byName[v.Name]; ok {
			// Later definitions win, as MATLAB does on load.
			*prev = *v
			continue
		}
		f.vars = append(f.vars, v)
		f.byName[v.Name] = v
	}
	if len(f.vars) == 0 {
		return nil, fmt.Errorf("%w: no matrices found", ErrMalformed)
	}
	return f, nil
}

func parseVar(buf []byte) (*Var, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	order := binary.ByteOrder(binary.LittleEndian)
	mopt := int32(order.Uint32(buf[0:4]))
	if mopt < 0 || mopt > 4999 {
		order = binary.BigEndian
		mopt = int32(order.Uint32(buf[0:4]))
	}
	if mopt < 0 || mopt > 4999 {
		return nil, 0, fmt.Errorf("%w: type code %d", ErrMalformed, mopt)
	}

	m, o, p, t := mopt/1000, (mopt/100)%10, (mopt/10)%10, mopt%10
	switch {
	case m == 0 && order != binary.LittleEndian, m == 1 && order != binary.BigEndian, m > 1:
		return nil, 0, fmt.Errorf("%w: %w: machine code %d", ErrMalformed, ErrUnsupported, m)
	case o != 0:
		return nil, 0, fmt.Errorf("%w: reserved digit %d", ErrMalformed, o)
	case p > int32(Uint8):
		return nil, 0, fmt.Errorf("%w: %w: precision %d", ErrMalformed, ErrUnsupported, p)
	case t == 2:
		return nil, 0, fmt.Errorf("%w: %w: sparse matrix", ErrMalformed, ErrUnsupported)
	case t > 2:
		return nil, 0, fmt.Errorf("%w: matrix class %d", ErrMalformed, t)
	}

	rows := int64(int32(order.Uint32(buf[4:8])))
	cols := int64(int32(order.Uint32(buf[8:12])))
	imagf := int32(order.Uint32(buf[12:16]))
	namlen := int64(int32(order.Uint32(buf[16:20])))
	if rows < 0 || cols < 0 || namlen < 1 {
		return nil, 0, fmt.Errorf("%w: bad header (%d x %d, name length %d)", ErrMalformed, rows, cols, namlen)
	}

	typ := Type(p)
	size := int64(typ.Size())
	// rows*cols*size overflows int64 for large corrupt dimensions
	if cols > 0 && rows > int64(len(buf))/size/cols {
		return nil, 0, fmt.Errorf("%w: %d x %d matrix exceeds %d bytes", ErrMalformed, rows, cols, len(buf))
	}
	dataLen := rows * cols * size
	total := int64(headerSize) + namlen + dataLen
	if imagf != 0 {
		total += dataLen
	}
	if total > int64(len(buf)) {
		return nil, 0, fmt.Errorf("%w: matrix needs %d bytes, %d left", ErrMalformed, total, len(buf))
	}

	name := buf[headerSize : headerSize+namlen]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	start := int64(headerSize) + namlen

	return &Var{
		Name:  string(name),
		Type:  typ,
		Rows:  int(rows),
		Cols:  int(cols),
		order: order,
		raw:   buf[start : start+dataLen],
	}, int(total), nil
}

// Read consumes r entirely and parses it
func Read(r io.Reader) (*File, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// ReadFile parses the uncompressed matrix file at path
func ReadFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}
