// Package visualization renders slices of fib scalar maps, such as fa0, to
// images for quick quality checks.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"fibconv/internal/models"
	"fibconv/pkg/layout"
)

// Viewer extracts 2D slices from one frame of a volume
type Viewer struct {
	// volume holds the scalar map in column-major order
	volume *models.Volume

	// frame is the position on the fourth axis being shown
	frame int

	// scale maps values to the 16-bit gray range
	scale float64
}

// NewViewer creates a viewer for the first frame of vol. Intensities are
// scaled so the largest value in the frame is white. A volume without
// frames is rejected.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	v := &Viewer{volume: vol}
	if err := v.SetFrame(0); err != nil {
		return nil, err
	}
	return v, nil
}

// SetFrame selects the frame shown by later slices and rescales intensities
func (v *Viewer) SetFrame(t int) error {
	if t < 0 || t >= v.volume.Dims[3] {
		return fmt.Errorf("frame %d outside [0, %d)", t, v.volume.Dims[3])
	}
	v.frame = t

	var peak float64
	for _, x := range v.volume.Frame(t) {
		if f := float64(x); f > peak {
			peak = f
		}
	}
	v.scale = 0
	if peak > 0 {
		v.scale = 65535 / peak
	}
	return nil
}

func (v *Viewer) gray(idx int) color.Gray16 {
	value := float64(v.volume.Frame(v.frame)[idx]) * v.scale
	if math.IsNaN(value) {
		value = 0
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	dims := v.volume.Spatial()
	width, height, depth := dims[0], dims[1], dims[2]
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}

		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(layout.Index(dims, position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}

		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, v.gray(layout.Index(dims, x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}

		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, v.gray(layout.Index(dims, x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the file names written
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	dims := v.volume.Spatial()
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = dims[0]
	case "y", "Y":
		maxPos = dims[1]
	case "z", "Z":
		maxPos = dims[2]
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	files := make([]string, 0, maxPos)
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}
