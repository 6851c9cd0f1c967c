// Package config provides configuration loading and management for fibconv.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for settings no conversion can use
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Sphere tessellation parameters
	Geometry struct {
		// Key names the tessellation, e.g. odf8
		Key string `yaml:"key"`

		// Resource is an optional level-4 matrix file holding
		// <key>_vertices and <key>_faces entries
		Resource string `yaml:"resource"`
	} `yaml:"geometry"`

	// Amplitude to fib conversion parameters
	Forward struct {
		// NumFibers is the number of fixels stored per voxel
		NumFibers int `yaml:"numFibers"`

		// UnitODF rescales every ODF to sum to one
		UnitODF bool `yaml:"unitOdf"`

		// Workers specifies how many goroutines detect peaks in parallel
		Workers int `yaml:"workers"`

		// RelativePeakThreshold drops peaks below this fraction of the largest
		RelativePeakThreshold float64 `yaml:"relativePeakThreshold"`

		// MinSeparationAngle in degrees between two reported peaks
		MinSeparationAngle float64 `yaml:"minSeparationAngle"`
	} `yaml:"forward"`

	// Fib to amplitude conversion parameters
	Inverse struct {
		// SubtractISO removes each voxel's minimum before fitting
		SubtractISO bool `yaml:"subtractIso"`

		// KeepZeroColumns keeps all-zero ODF columns instead of dropping them
		KeepZeroColumns bool `yaml:"keepZeroColumns"`
	} `yaml:"inverse"`

	// External program names
	Toolkit struct {
		SH2Amp string `yaml:"sh2amp"`
		Amp2SH string `yaml:"amp2sh"`

		// Decompressors are tried in order for gzip fib files. An empty
		// list always uses the built-in decoder.
		Decompressors []string `yaml:"decompressors"`
	} `yaml:"toolkit"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat"`

		// WorkDir holds intermediate files of toolkit pipelines. Empty
		// means a temporary directory.
		WorkDir string `yaml:"workDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry.Key = "odf8"

	cfg.Forward.NumFibers = 5
	cfg.Forward.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Forward.RelativePeakThreshold = 0.5
	cfg.Forward.MinSeparationAngle = 25

	cfg.Inverse.SubtractISO = true

	cfg.Toolkit.SH2Amp = "sh2amp"
	cfg.Toolkit.Amp2SH = "amp2sh"
	cfg.Toolkit.Decompressors = []string{"gzcat", "zcat"}

	cfg.Output.LogFormat = "text"

	return cfg
}

// Validate reports the first setting that cannot be used
func (c *Config) Validate() error {
	switch {
	case c.Geometry.Key == "":
		return fmt.Errorf("%w: geometry.key is empty", ErrInvalid)
	case c.Forward.NumFibers < 1:
		return fmt.Errorf("%w: forward.numFibers must be at least 1, got %d", ErrInvalid, c.Forward.NumFibers)
	case c.Forward.RelativePeakThreshold < 0 || c.Forward.RelativePeakThreshold > 1:
		return fmt.Errorf("%w: forward.relativePeakThreshold %v outside [0, 1]", ErrInvalid, c.Forward.RelativePeakThreshold)
	case c.Forward.MinSeparationAngle < 0 || c.Forward.MinSeparationAngle > 90:
		return fmt.Errorf("%w: forward.minSeparationAngle %v outside [0, 90]", ErrInvalid, c.Forward.MinSeparationAngle)
	case c.Toolkit.SH2Amp == "" || c.Toolkit.Amp2SH == "":
		return fmt.Errorf("%w: toolkit program names must be set", ErrInvalid)
	case c.Output.LogFormat != "text" && c.Output.LogFormat != "json":
		return fmt.Errorf("%w: output.logFormat %q, want text or json", ErrInvalid, c.Output.LogFormat)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
