package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/pkg/config"
	"fibconv/pkg/fib"
	"fibconv/pkg/geometry"
	"fibconv/pkg/stl"
	"fibconv/pkg/toolkit"
	"fibconv/pkg/visualization"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "fibconv",
		Short: "Convert between ODF amplitude images and DSI Studio fib files.",
		Long: `fibconv converts dense per-voxel ODF amplitude images (NIfTI) into the
sparse fib matrix files read by DSI Studio, and back.

Settings are read from the YAML file given with --config; command line
flags override it. Use "fibconv init-config" to write the defaults.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "fibconv.yaml", "configuration file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format, text or json")

	root.AddCommand(
		amp2fibCmd(a),
		fod2fibCmd(a),
		fib2fodCmd(a),
		fib2ampCmd(a),
		dirsCmd(a),
		qcCmd(a),
		glyphCmd(a),
		initConfigCmd(a),
	)
	return root
}

func addForwardFlags(cmd *cobra.Command, a *app) *string {
	var mask string
	f := cmd.Flags()
	f.StringVar(&mask, "mask", "", "mask image; derived from the amplitudes when empty")
	f.StringVar(&a.key, "key", "odf8", "sphere tessellation")
	f.IntVar(&a.numFibers, "num-fibers", 5, "fixels stored per voxel")
	f.BoolVar(&a.unitODF, "unit-odf", false, "scale every ODF to sum to one")
	f.IntVar(&a.workers, "workers", 0, "peak detection goroutines")
	return &mask
}

func amp2fibCmd(a *app) *cobra.Command {
	var mask *string
	cmd := &cobra.Command{
		Use:   "amp2fib <amplitudes.nii> <output.fib[.gz]>",
		Short: "Convert an ODF amplitude image to a fib file",
		Long: `amp2fib reads a 4D image holding one ODF amplitude per hemisphere
direction of the chosen tessellation and writes the fib file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphere, err := a.sphere()
			if err != nil {
				return err
			}
			start := time.Now()
			summary, err := a.forward().ConvertFile(args[0], *mask, sphere, args[1])
			if err != nil {
				return err
			}
			printSummary(cmd, summary, time.Since(start))
			return nil
		},
	}
	mask = addForwardFlags(cmd, a)
	return cmd
}

func fod2fibCmd(a *app) *cobra.Command {
	var mask *string
	cmd := &cobra.Command{
		Use:   "fod2fib <fod.mif> <output.fib[.gz]>",
		Short: "Sample a spherical harmonic FOD image and write a fib file",
		Long: `fod2fib samples the FOD image on the hemisphere of the chosen
tessellation with sh2amp and converts the amplitudes to a fib file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphere, err := a.sphere()
			if err != nil {
				return err
			}
			start := time.Now()
			summary, err := a.forward().ConvertFOD(a.mrtrix(), args[0], *mask, sphere, args[1])
			if err != nil {
				return err
			}
			printSummary(cmd, summary, time.Since(start))
			return nil
		},
	}
	mask = addForwardFlags(cmd, a)
	cmd.Flags().StringVar(&a.workDir, "work-dir", "", "directory for intermediate files")
	return cmd
}

func addInverseFlags(cmd *cobra.Command, a *app) {
	f := cmd.Flags()
	f.BoolVar(&a.noSubtractISO, "no-subtract-iso", false, "keep each voxel's minimum amplitude")
	f.BoolVar(&a.keepZeroColumns, "keep-zero-columns", false, "keep ODF columns that sum to zero")
}

func fib2fodCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fib2fod <input.fib[.gz]> <reference.nii> <output.mif>",
		Short: "Fit spherical harmonics to the ODFs of a fib file",
		Long: `fib2fod rebuilds the dense ODF amplitudes of a fib file on the grid of
the reference image and fits spherical harmonic coefficients with amp2sh.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.inverse().Convert(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "FOD image saved to: %s\n", out)
			return nil
		},
	}
	addInverseFlags(cmd, a)
	cmd.Flags().StringVar(&a.workDir, "work-dir", "", "directory for intermediate files")
	return cmd
}

func fib2ampCmd(a *app) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "fib2amp <input.fib[.gz]> <output.nii[.gz]>",
		Short: "Rebuild the dense ODF amplitude image of a fib file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.inverse().ConvertToAmplitudes(args[0], ref, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Amplitude image saved to: %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "reference image providing grid and header")
	addInverseFlags(cmd, a)
	return cmd
}

func dirsCmd(a *app) *cobra.Command {
	var inverse bool
	cmd := &cobra.Command{
		Use:   "dirs <output.txt>",
		Short: "Write the hemisphere directions of a tessellation",
		Long: `dirs writes one "azimuth polar" line per hemisphere direction, with the
axis flip used when sampling (default) or fitting (--inverse).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphere, err := a.sphere()
			if err != nil {
				return err
			}
			flip := geometry.ForwardFlip
			if inverse {
				flip = geometry.InverseFlip
			}
			hemi := sphere.Hemisphere()
			if err := toolkit.WriteDirections(args[0], geometry.SphericalAngles(hemi.Vertices, flip)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d directions saved to: %s\n", hemi.Len(), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&a.key, "key", "odf8", "sphere tessellation")
	cmd.Flags().BoolVar(&inverse, "inverse", false, "use the axis flip of the fitting direction")
	return cmd
}

func qcCmd(a *app) *cobra.Command {
	var key string
	var axes []string
	cmd := &cobra.Command{
		Use:   "qc <input.fib[.gz]> <output-dir>",
		Short: "Save slices of a fib scalar map as JPEG images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.matrixLoader().Load(args[0])
			if err != nil {
				return err
			}
			vol, err := fib.ScalarMap(f, key)
			if err != nil {
				return err
			}
			viewer, err := visualization.NewViewer(vol)
			if err != nil {
				return err
			}
			for _, axis := range axes {
				files, err := viewer.SaveSliceSequence(axis, filepath.Join(args[1], axis))
				if err != nil {
					return err
				}
				a.log.WithField("axis", axis).Infof("saved %d slices", len(files))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "map", "fa0", "full-volume array to render")
	cmd.Flags().StringSliceVar(&axes, "axes", []string{"x", "y", "z"}, "slice axes")
	return cmd
}

func glyphCmd(a *app) *cobra.Command {
	var scale float64
	cmd := &cobra.Command{
		Use:   "glyph <input.fib[.gz]> <x> <y> <z> <output.stl>",
		Short: "Write the ODF glyph of one voxel as an STL mesh",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			var xyz [3]int
			for i := range xyz {
				v, err := strconv.Atoi(args[i+1])
				if err != nil {
					return fmt.Errorf("voxel coordinate %q: %w", args[i+1], err)
				}
				xyz[i] = v
			}

			f, err := a.matrixLoader().Load(args[0])
			if err != nil {
				return err
			}
			odf, ok, err := fib.VoxelODF(f, xyz[0], xyz[1], xyz[2])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("voxel %v is outside the fib mask", xyz)
			}
			sphere, err := fib.Sphere(f)
			if err != nil {
				return err
			}
			triangles, err := stl.Glyph(sphere, odf, r3.Vec{}, scale)
			if err != nil {
				return err
			}
			if err := stl.SaveToSTL(args[4], triangles); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Glyph with %d triangles saved to: %s\n", len(triangles), args[4])
			return nil
		},
	}
	cmd.Flags().Float64Var(&scale, "scale", 1, "glyph radius for the largest ODF value")
	return cmd
}

func initConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration saved to: %s\n", path)
			return nil
		},
	}
}

func printSummary(cmd *cobra.Command, s *fib.Summary, elapsed time.Duration) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\nConversion completed successfully in %.2f seconds!\n", elapsed.Seconds())
	fmt.Fprintf(w, "Output fib file saved to: %s\n\n", s.Output)
	fmt.Fprintf(w, "Masked voxels:        %d\n", s.MaskedVoxels)
	fmt.Fprintf(w, "Hemisphere directions: %d\n", s.Directions)
	fmt.Fprintf(w, "ODF chunks:           %d\n", s.Chunks)
	fmt.Fprintf(w, "Peaks found:          %d\n", s.Fixels)
	fmt.Fprintf(w, "z0:                   %g\n", s.Z0)
}
