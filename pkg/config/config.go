// Package config provides configuration loading and management for qsmrecon.
// It handles loading configuration from YAML files, provides default values
// and validates settings before any reconstruction work starts.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Inversion parameters control the MEDI dipole-inversion solver
	Inversion struct {
		// Lambda weights the data-fidelity term against the regularizer
		Lambda float64 `yaml:"lambda"`

		// Percentage is the target fraction of non-edge voxels for the
		// gradient weighting mask
		Percentage float64 `yaml:"percentage"`

		// DataWeightingMode selects the data weighting: 0 uniform, 1 SNR
		DataWeightingMode int `yaml:"dataWeightingMode"`

		// Merit enables residual-driven outlier down-weighting
		Merit bool `yaml:"merit"`

		// SMV enables spherical-mean-value preprocessing in the solver
		SMV bool `yaml:"smv"`

		// SMVRadius is the preprocessing sphere radius in mm
		SMVRadius float64 `yaml:"smvRadius"`

		// FieldDirection is the unit vector of the main field
		FieldDirection [3]float64 `yaml:"fieldDirection"`

		// MaxIter caps the outer Gauss-Newton iterations
		MaxIter int `yaml:"maxIter"`

		// TolNormRatio is the outer relative-update stopping tolerance
		TolNormRatio float64 `yaml:"tolNormRatio"`

		// CGMaxIter caps the inner conjugate-gradient iterations
		CGMaxIter int `yaml:"cgMaxIter"`

		// CGTol is the inner solver's absolute residual tolerance
		CGTol float64 `yaml:"cgTol"`
	} `yaml:"inversion"`

	// BackgroundRemoval parameters control the V-SHARP/SMV stage
	BackgroundRemoval struct {
		// Radius is the spherical-mean-value kernel radius in mm
		Radius float64 `yaml:"radius"`
	} `yaml:"backgroundRemoval"`

	// Output parameters
	Output struct {
		// Verbose enables debug-level logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Inversion.Lambda = 1000
	cfg.Inversion.Percentage = 0.9
	cfg.Inversion.DataWeightingMode = 1
	cfg.Inversion.Merit = false
	cfg.Inversion.SMV = false
	cfg.Inversion.SMVRadius = 5.0
	cfg.Inversion.FieldDirection = [3]float64{0, 0, 1}
	cfg.Inversion.MaxIter = 10
	cfg.Inversion.TolNormRatio = 0.1
	cfg.Inversion.CGMaxIter = 100
	cfg.Inversion.CGTol = 0.01

	cfg.BackgroundRemoval.Radius = 5.0

	cfg.Output.Verbose = true

	return cfg
}

// Validate rejects configurations that would fail mid-pipeline.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Inversion,
		validation.Field(&c.Inversion.Lambda, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.Inversion.Percentage, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&c.Inversion.DataWeightingMode, validation.In(0, 1)),
		validation.Field(&c.Inversion.MaxIter, validation.Required, validation.Min(1)),
		validation.Field(&c.Inversion.TolNormRatio, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.Inversion.CGMaxIter, validation.Required, validation.Min(1)),
		validation.Field(&c.Inversion.CGTol, validation.Required, validation.Min(0.0).Exclusive()),
	); err != nil {
		return fmt.Errorf("inversion config: %w", err)
	}
	if err := validation.ValidateStruct(&c.BackgroundRemoval,
		validation.Field(&c.BackgroundRemoval.Radius, validation.Required, validation.Min(0.0).Exclusive()),
	); err != nil {
		return fmt.Errorf("background removal config: %w", err)
	}

	dir := c.Inversion.FieldDirection
	norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if math.Abs(norm-1) > 1e-6 {
		return fmt.Errorf("inversion config: field direction must be a unit vector, got %v", dir)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
