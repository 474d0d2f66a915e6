package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "DCM2NIIX", cfg.Layout.SourceRoot)
	assert.Equal(t, "BIDS", cfg.Layout.TargetRoot)
	assert.True(t, cfg.Layout.RelativeLinks)
	assert.Equal(t, "rest", cfg.Task.Name)
	assert.Equal(t, "Ax DWI HARDI 6dir AP flip polarity", cfg.Series.DwiFieldMap)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nifti2bids.yaml")
	data := []byte("layout:\n  targetRoot: /data/bids\nseries:\n  cbf: \"3D ASL CBF\"\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/bids", cfg.Layout.TargetRoot)
	assert.Equal(t, "3D ASL CBF", cfg.Series.CBF)
	// Untouched keys keep their defaults
	assert.Equal(t, "DCM2NIIX", cfg.Layout.SourceRoot)
	assert.Equal(t, "fMRI PA", cfg.Series.Bold)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("layout: [unclosed"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Task.Name = "movie"
	cfg.Diffusion.ValidateGradients = false
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty source root", func(c *Config) { c.Layout.SourceRoot = "" }, "layout.sourceRoot"},
		{"empty target root", func(c *Config) { c.Layout.TargetRoot = "" }, "layout.targetRoot"},
		{"empty task", func(c *Config) { c.Task.Name = "" }, "task.name"},
		{"empty label", func(c *Config) { c.Series.CBF = "" }, "series.cbf"},
		{"duplicate label", func(c *Config) { c.Series.CBF = c.Series.T1w }, "share the label"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
