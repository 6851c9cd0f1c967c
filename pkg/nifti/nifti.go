package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"fibconv/internal/models"
)

// Image is a decoded NIfTI file
type Image struct {
	Header Header
	*models.Volume
}

// Read loads a .nii or .nii.gz file. Gzip input is recognised by content.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return img, nil
}

// Decode reads a NIfTI-1 image, inflating it first if it is gzip data
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		br = bufio.NewReaderSize(zr, 1<<20)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("%w: header size field", ErrFormat)
		}
	}
	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, err
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q", ErrFormat, h.Magic[:3])
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrFormat, h.Dim[0])
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: data offset %v", ErrFormat, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, br, skip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	shape := h.Shape()
	n := shape[0] * shape[1] * shape[2] * shape[3]
	for d := 5; d <= int(h.Dim[0]); d++ {
		n *= int(h.Dim[d])
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrFormat)
	}
	// Extra dimensions beyond the fourth are folded into it.
	shape[3] = n / (shape[0] * shape[1] * shape[2])

	data, err := decodeData(br, order, int(h.Datatype), n)
	if err != nil {
		return nil, err
	}
	if slope, inter, ok := h.scaling(); ok {
		for i, v := range data {
			data[i] = float32(float64(v)*slope + inter)
		}
	}

	return &Image{
		Header: h,
		Volume: &models.Volume{
			Data:      data,
			Dims:      shape,
			Affine:    h.Affine(),
			VoxelSize: h.VoxelSize(),
		},
	}, nil
}

func decodeData(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float32, error) {
	var size int
	switch datatype {
	case DTUint8, DTInt8:
		size = 1
	case DTInt16, DTUint16:
		size = 2
	case DTInt32, DTUint32, DTFloat32:
		size = 4
	case DTFloat64:
		size = 8
	default:
		return nil, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, datatype)
	}

	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: truncated data: %v", ErrFormat, err)
	}

	out := make([]float32, n)
	for i := range out {
		b := raw[i*size:]
		switch datatype {
		case DTUint8:
			out[i] = float32(b[0])
		case DTInt8:
			out[i] = float32(int8(b[0]))
		case DTInt16:
			out[i] = float32(int16(order.Uint16(b)))
		case DTUint16:
			out[i] = float32(order.Uint16(b))
		case DTInt32:
			out[i] = float32(int32(order.Uint32(b)))
		case DTUint32:
			out[i] = float32(order.Uint32(b))
		case DTFloat32:
			out[i] = math.Float32frombits(order.Uint32(b))
		case DTFloat64:
			out[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	return out, nil
}

// Write stores vol as float32. When ref is non-nil its header fields are
// carried over and only the shape, datatype, zooms and sform are replaced.
// Paths ending in .gz are gzip compressed.
func Write(path string, vol *models.Volume, ref *Header) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	err = Encode(w, vol, ref)
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Encode writes vol as a little-endian NIfTI-1 stream
func Encode(w io.Writer, vol *models.Volume, ref *Header) error {
	var h Header
	if ref != nil {
		h = *ref
		h.SizeofHdr = headerSize
		copy(h.Magic[:], "n+1\x00")
		h.setShape(vol.Dims)
	} else {
		h = NewHeader(vol.Dims, vol.Affine, vol.VoxelSize)
	}
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(vol.VoxelSize[i])
	}
	h.SclSlope, h.SclInter = 1, 0
	h.CalMax, h.CalMin = 0, 0
	h.SetAffine(vol.Affine)

	bw := bufio.NewWriterSize(w, 1<<20)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	var b [4]byte
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
