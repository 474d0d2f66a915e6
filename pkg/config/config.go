// Package config provides configuration loading and management for nifti2bids.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Layout parameters
	Layout struct {
		// SourceRoot holds one dcm2niix output directory per session
		SourceRoot string `yaml:"sourceRoot"`

		// TargetRoot is the BIDS dataset root; subjects are created below it
		TargetRoot string `yaml:"targetRoot"`

		// RelativeLinks makes link targets relative to the link's directory,
		// so the dataset can be moved together with its sources
		RelativeLinks bool `yaml:"relativeLinks"`
	} `yaml:"layout"`

	// Series maps each supported acquisition to the SeriesDescription the
	// scanner writes for it
	Series struct {
		T1w          string `yaml:"t1w"`
		FLAIR        string `yaml:"flair"`
		Bold         string `yaml:"bold"`
		BoldFieldMap string `yaml:"boldFieldMap"`
		Dwi          string `yaml:"dwi"`
		DwiFieldMap  string `yaml:"dwiFieldMap"`
		ASL          string `yaml:"asl"`
		CBF          string `yaml:"cbf"`
	} `yaml:"series"`

	// Task parameters
	Task struct {
		// Name is written as TaskName into the functional sidecar
		Name string `yaml:"name"`
	} `yaml:"task"`

	// Diffusion parameters
	Diffusion struct {
		// ValidateGradients checks the .bval/.bvec pair of the DWI series
		// before linking it
		ValidateGradients bool `yaml:"validateGradients"`
	} `yaml:"diffusion"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default layout parameters
	cfg.Layout.SourceRoot = "DCM2NIIX"
	cfg.Layout.TargetRoot = "BIDS"
	cfg.Layout.RelativeLinks = true

	// Protocol names of the acquisitions the converter knows about
	cfg.Series.T1w = "3D Sag T1 MPRAGE"
	cfg.Series.FLAIR = "3D Sag T2 FLAIR Cube"
	cfg.Series.Bold = "fMRI PA"
	cfg.Series.BoldFieldMap = "fMRI AP flip polarity"
	cfg.Series.Dwi = "Ax DWI HARDI 96dir PA"
	cfg.Series.DwiFieldMap = "Ax DWI HARDI 6dir AP flip polarity"
	cfg.Series.ASL = "3D Ax ASL PLD 1525"
	cfg.Series.CBF = "CBF"

	cfg.Task.Name = "rest"

	cfg.Diffusion.ValidateGradients = true

	cfg.Output.Verbose = false

	return cfg
}

// Validate checks that the configuration can drive a conversion
func (c *Config) Validate() error {
	if c.Layout.SourceRoot == "" {
		return errors.New("layout.sourceRoot must be set")
	}
	if c.Layout.TargetRoot == "" {
		return errors.New("layout.targetRoot must be set")
	}
	if c.Task.Name == "" {
		return errors.New("task.name must be set")
	}

	seen := make(map[string]string)
	for key, label := range c.SeriesLabels() {
		if label == "" {
			return fmt.Errorf("series.%s must be set", key)
		}
		if other, ok := seen[label]; ok {
			return fmt.Errorf("series.%s and series.%s share the label %q", other, key, label)
		}
		seen[label] = key
	}
	return nil
}

// SeriesLabels returns the series labels keyed by their YAML names
func (c *Config) SeriesLabels() map[string]string {
	return map[string]string{
		"t1w":          c.Series.T1w,
		"flair":        c.Series.FLAIR,
		"bold":         c.Series.Bold,
		"boldFieldMap": c.Series.BoldFieldMap,
		"dwi":          c.Series.Dwi,
		"dwiFieldMap":  c.Series.DwiFieldMap,
		"asl":          c.Series.ASL,
		"cbf":          c.Series.CBF,
	}
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
