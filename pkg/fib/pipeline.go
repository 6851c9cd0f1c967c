package fib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"fibconv/internal/models"
	"fibconv/pkg/geometry"
	"fibconv/pkg/nifti"
	"fibconv/pkg/toolkit"
)

const (
	directionsFile = "directions.txt"
	amplitudesFile = "amplitudes.nii"
	odfValuesFile  = "odf_values.nii"
	rasDirsFile    = "ras+directions.txt"
)

// ReadMask loads a mask image; voxels whose first frame is positive are in
// the mask. An empty path returns a nil mask.
func ReadMask(path string) (*models.Mask, error) {
	if path == "" {
		return nil, nil
	}
	img, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(img.Volume), nil
}

// ConvertFile converts the amplitude image at ampPath. maskPath may be
// empty, in which case the mask is derived from the amplitudes.
func (c *ForwardConverter) ConvertFile(ampPath, maskPath string, sphere *geometry.Sphere, output string) (*Summary, error) {
	img, err := nifti.Read(ampPath)
	if err != nil {
		return nil, err
	}
	mask, err := ReadMask(maskPath)
	if err != nil {
		return nil, err
	}
	return c.Convert(img.Volume, sphere, mask, output)
}

// ConvertFOD samples the spherical harmonic image fodPath on the hemisphere
// of sphere with the toolkit and converts the resulting amplitudes.
func (c *ForwardConverter) ConvertFOD(tool *toolkit.MRtrix, fodPath, maskPath string, sphere *geometry.Sphere, output string) (*Summary, error) {
	dir, cleanup, err := scratchDir(c.params.WorkDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hemi := sphere.Hemisphere()
	dirsPath := filepath.Join(dir, directionsFile)
	if err := toolkit.WriteDirections(dirsPath, geometry.SphericalAngles(hemi.Vertices, geometry.ForwardFlip)); err != nil {
		return nil, fmt.Errorf("write directions: %w", err)
	}

	ampPath := filepath.Join(dir, amplitudesFile)
	c.log.WithFields(logrus.Fields{"fod": fodPath, "directions": hemi.Len()}).Info("Sampling amplitudes")
	if err := tool.SampleAmplitudes(fodPath, dirsPath, ampPath); err != nil {
		return nil, err
	}
	return c.ConvertFile(ampPath, maskPath, sphere, output)
}

// scratchDir returns dir, or a fresh temporary directory when dir is empty.
// The cleanup function removes only what it created.
func scratchDir(dir string) (string, func(), error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", nil, err
		}
		return dir, func() {
			for _, name := range []string{directionsFile, amplitudesFile, odfValuesFile, rasDirsFile} {
				os.Remove(filepath.Join(dir, name))
			}
		}, nil
	}
	tmp, err := os.MkdirTemp("", "fibconv-")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { os.RemoveAll(tmp) }, nil
}
