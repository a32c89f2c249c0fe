// Package config provides configuration loading and management for the
// segmentation container. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// Path is the folder holding the modality subdirectories
		Path string `yaml:"path"`

		// CTDir is the subdirectory holding CT volumes
		CTDir string `yaml:"ctDir"`

		// MRT1Dir is the subdirectory holding MR-T1 volumes
		MRT1Dir string `yaml:"mrt1Dir"`

		// FileFilter is an optional regular expression both paths of a pair
		// must match, anchored at the start of the path
		FileFilter string `yaml:"fileFilter"`

		// SortKey selects how listings are ordered before pairing: "numeric" or "name"
		SortKey string `yaml:"sortKey"`

		// TruncateUnpaired drops volumes without a partner instead of failing validation
		TruncateUnpaired bool `yaml:"truncateUnpaired"`

		// Manifest is an optional TSV manifest used instead of scanning Path
		Manifest string `yaml:"manifest"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Path is the folder receiving the label volumes
		Path string `yaml:"path"`

		// ResultsFile is where the per-case result records are written
		ResultsFile string `yaml:"resultsFile"`

		// Compress enables zlib compression of written label volumes
		Compress bool `yaml:"compress"`

		// InfixFrom is replaced by InfixTo in the CT filename to name the output
		InfixFrom string `yaml:"infixFrom"`

		// InfixTo replaces InfixFrom, or is inserted before the extension when absent
		InfixTo string `yaml:"infixTo"`

		// SavePreviews writes a JPEG of the middle slice of every label volume
		SavePreviews bool `yaml:"savePreviews"`

		// PreviewDir is where previews are written
		PreviewDir string `yaml:"previewDir"`

		// PreviewAxis is the slicing axis of previews (x, y or z)
		PreviewAxis string `yaml:"previewAxis"`

		// PreviewAllSlices writes every slice along PreviewAxis into a
		// per-case directory
		PreviewAllSlices bool `yaml:"previewAllSlices"`

		// PreviewCrop limits previews to the labelled region
		PreviewCrop bool `yaml:"previewCrop"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the number of cases processed, and volumes held in
		// memory, at the same time
		NumWorkers int `yaml:"numWorkers"`

		// CaseTimeout bounds the time spent on one case; zero disables it
		CaseTimeout time.Duration `yaml:"caseTimeout"`

		// AbortOnPredictorError stops the run at the first predictor failure
		// instead of recording it in the case result
		AbortOnPredictorError bool `yaml:"abortOnPredictorError"`
	} `yaml:"processing"`

	// Predictor parameters
	Predictor struct {
		// Name selects the predictor: "threshold", "empty" or "cuboid"
		Name string `yaml:"name"`

		// LowerThreshold and UpperThreshold bound the CT intensities labelled
		// by the threshold predictor (inclusive)
		LowerThreshold float64 `yaml:"lowerThreshold"`
		UpperThreshold float64 `yaml:"upperThreshold"`

		// InsideValue and OutsideValue are the labels written by the threshold predictor
		InsideValue  float64 `yaml:"insideValue"`
		OutsideValue float64 `yaml:"outsideValue"`

		// CuboidFraction is the fraction of each axis covered by the cuboid predictor
		CuboidFraction float64 `yaml:"cuboidFraction"`

		// Label is the value written inside the cuboid
		Label float64 `yaml:"label"`
	} `yaml:"predictor"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Grand-challenge container layout
	cfg.Input.Path = "/input/images"
	cfg.Input.CTDir = "ct"
	cfg.Input.MRT1Dir = "t1-mri"
	cfg.Input.SortKey = "numeric"

	cfg.Output.Path = "/output/images/head_neck_oar"
	cfg.Output.ResultsFile = "/output/results.json"
	cfg.Output.Compress = true
	cfg.Output.InfixFrom = "_CT"
	cfg.Output.InfixTo = "_seg"
	cfg.Output.PreviewDir = "/output/previews"
	cfg.Output.PreviewAxis = "z"
	cfg.Output.Verbose = false

	// Volumes are large, keep few in flight
	cfg.Processing.NumWorkers = 2
	cfg.Processing.CaseTimeout = 30 * time.Minute

	cfg.Predictor.Name = "threshold"
	cfg.Predictor.LowerThreshold = 100
	cfg.Predictor.UpperThreshold = 700
	cfg.Predictor.InsideValue = 1
	cfg.Predictor.OutsideValue = 0
	cfg.Predictor.CuboidFraction = 0.5
	cfg.Predictor.Label = 1

	return cfg
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Input.Path == "" && c.Input.Manifest == "" {
		return fmt.Errorf("input.path or input.manifest is required")
	}
	if c.Input.CTDir == "" || c.Input.MRT1Dir == "" {
		return fmt.Errorf("input.ctDir and input.mrt1Dir are required")
	}
	if c.Input.CTDir == c.Input.MRT1Dir {
		return fmt.Errorf("input.ctDir and input.mrt1Dir must differ")
	}
	if c.Input.FileFilter != "" {
		if _, err := regexp.Compile(c.Input.FileFilter); err != nil {
			return fmt.Errorf("input.fileFilter: %w", err)
		}
	}
	switch c.Input.SortKey {
	case "numeric", "name":
	default:
		return fmt.Errorf("input.sortKey must be numeric or name, got %q", c.Input.SortKey)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Output.InfixTo == "" {
		return fmt.Errorf("output.infixTo is required")
	}
	switch c.Output.PreviewAxis {
	case "x", "y", "z":
	default:
		return fmt.Errorf("output.previewAxis must be x, y or z, got %q", c.Output.PreviewAxis)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.CaseTimeout < 0 {
		return fmt.Errorf("processing.caseTimeout must not be negative")
	}
	if c.Predictor.Name == "" {
		return fmt.Errorf("predictor.name is required")
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
