package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
input:
  path: /data/cases
  fileFilter: "/data/cases/.*/case_0"
processing:
  numWorkers: 4
  caseTimeout: 90s
predictor:
  name: cuboid
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/cases", cfg.Input.Path)
	assert.Equal(t, "t1-mri", cfg.Input.MRT1Dir)
	assert.Equal(t, 4, cfg.Processing.NumWorkers)
	assert.Equal(t, 90*time.Second, cfg.Processing.CaseTimeout)
	assert.Equal(t, "cuboid", cfg.Predictor.Name)
	assert.Equal(t, "_seg", cfg.Output.InfixTo)
	assert.NoError(t, cfg.Validate())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Processing.NumWorkers = 0 }},
		{"same modality dirs", func(c *Config) { c.Input.MRT1Dir = c.Input.CTDir }},
		{"bad filter", func(c *Config) { c.Input.FileFilter = "(" }},
		{"bad sort key", func(c *Config) { c.Input.SortKey = "mtime" }},
		{"no output", func(c *Config) { c.Output.Path = "" }},
		{"empty infix", func(c *Config) { c.Output.InfixTo = "" }},
		{"negative timeout", func(c *Config) { c.Processing.CaseTimeout = -time.Second }},
		{"no predictor", func(c *Config) { c.Predictor.Name = "" }},
		{"bad preview axis", func(c *Config) { c.Output.PreviewAxis = "w" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
