package toolkit

import (
	"bufio"
	"fmt"
	"os"

	"fibconv/pkg/geometry"
)

// MRtrix wraps the spherical-harmonic sampling and fitting commands
type MRtrix struct {
	Runner Runner

	// SH2Amp samples SH coefficients at a direction set
	SH2Amp string

	// Amp2SH fits SH coefficients to amplitudes at a direction set
	Amp2SH string
}

// NewMRtrix returns an MRtrix using the default program names
func NewMRtrix(runner Runner) *MRtrix {
	return &MRtrix{
		Runner: runner,
		SH2Amp: "sh2amp",
		Amp2SH: "amp2sh",
	}
}

// SampleAmplitudes writes the non-negative amplitudes of the SH image
// coeffs, sampled at the directions in dirs, to output.
func (m *MRtrix) SampleAmplitudes(coeffs, dirs, output string) error {
	args := []string{"-quiet", "-nonnegative", coeffs, dirs, output}
	return m.Runner.Run(m.SH2Amp, args, output).Err()
}

// FitCoefficients fits SH coefficients to the amplitude image amps sampled
// at the directions in dirs and writes them to output, replacing it.
func (m *MRtrix) FitCoefficients(amps, dirs, output string) error {
	args := []string{"-quiet", "-force", "-directions", dirs, amps, output}
	return m.Runner.Run(m.Amp2SH, args, output).Err()
}

// WriteDirections writes one "azimuth polar" line per direction, in radians
func WriteDirections(path string, dirs []geometry.Direction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, d := range dirs {
		fmt.Fprintf(w, "%.18e %.18e\n", d.Azimuth, d.Polar)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
