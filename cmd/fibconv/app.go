package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fibconv/pkg/config"
	"fibconv/pkg/fib"
	"fibconv/pkg/geometry"
	"fibconv/pkg/loader"
	"fibconv/pkg/peaks"
	"fibconv/pkg/toolkit"
)

// app carries the state shared by all subcommands of one invocation
type app struct {
	configPath string
	verbose    bool
	logFormat  string

	// overrides set on the command line
	key             string
	numFibers       int
	unitODF         bool
	workers         int
	workDir         string
	noSubtractISO   bool
	keepZeroColumns bool

	cfg *config.Config
	log *logrus.Logger
}

// setup loads the configuration, applies command line overrides and
// configures logging
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Output.Verbose = a.verbose
	}
	if flags.Changed("log-format") {
		cfg.Output.LogFormat = a.logFormat
	}
	if flags.Changed("key") {
		cfg.Geometry.Key = a.key
	}
	if flags.Changed("num-fibers") {
		cfg.Forward.NumFibers = a.numFibers
	}
	if flags.Changed("unit-odf") {
		cfg.Forward.UnitODF = a.unitODF
	}
	if flags.Changed("workers") {
		cfg.Forward.Workers = a.workers
	}
	if flags.Changed("work-dir") {
		cfg.Output.WorkDir = a.workDir
	}
	if flags.Changed("no-subtract-iso") {
		cfg.Inverse.SubtractISO = !a.noSubtractISO
	}
	if flags.Changed("keep-zero-columns") {
		cfg.Inverse.KeepZeroColumns = a.keepZeroColumns
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.log = logrus.New()
	a.log.SetOutput(cmd.ErrOrStderr())
	if cfg.Output.Verbose {
		a.log.SetLevel(logrus.DebugLevel)
	}
	if cfg.Output.LogFormat == "json" {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func (a *app) sphere() (*geometry.Sphere, error) {
	return geometry.NewProvider(a.cfg.Geometry.Resource).Load(a.cfg.Geometry.Key)
}

func (a *app) matrixLoader() *loader.Loader {
	return loader.New(&loader.Options{
		Decompressors: a.cfg.Toolkit.Decompressors,
		Log:           a.log,
	})
}

func (a *app) mrtrix() *toolkit.MRtrix {
	tool := toolkit.NewMRtrix(&toolkit.ExecRunner{Log: a.log})
	tool.SH2Amp = a.cfg.Toolkit.SH2Amp
	tool.Amp2SH = a.cfg.Toolkit.Amp2SH
	return tool
}

func (a *app) forward() *fib.ForwardConverter {
	params := &fib.ForwardParams{
		NumFibers: a.cfg.Forward.NumFibers,
		UnitODF:   a.cfg.Forward.UnitODF,
		Workers:   a.cfg.Forward.Workers,
		Peaks: peaks.Options{
			RelativeThreshold:  a.cfg.Forward.RelativePeakThreshold,
			MinSeparationAngle: a.cfg.Forward.MinSeparationAngle,
		},
		WorkDir: a.cfg.Output.WorkDir,
	}
	return fib.NewForwardConverter(params, a.log)
}

func (a *app) inverse() *fib.InverseConverter {
	params := &fib.InverseParams{
		SubtractISO:     a.cfg.Inverse.SubtractISO,
		KeepZeroColumns: a.cfg.Inverse.KeepZeroColumns,
		WorkDir:         a.cfg.Output.WorkDir,
	}
	return fib.NewInverseConverter(params, a.matrixLoader(), a.mrtrix(), a.log)
}
