// Package config provides configuration loading and management for ctpyramid.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted in Backend.Kind
const (
	BackendParallel   = "parallel"
	BackendSequential = "sequential"
)

// Output formats accepted in Pyramid.Format
const (
	FormatTIFF = "tiff"
	FormatPNG  = "png"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pyramid layout parameters
	Pyramid struct {
		// MinSize stops halving once both level dimensions are at or below it
		MinSize int `yaml:"minSize"`

		// MaxLevels is the hard cap on generated levels
		MaxLevels int `yaml:"maxLevels"`

		// Format is the lossless codec used for level images (tiff or png)
		Format string `yaml:"format"`

		// ReuseExisting reloads complete levels left by an earlier run
		ReuseExisting bool `yaml:"reuseExisting"`

		// MaxLevelBytes limits the in-memory buffer of one level (0 = unlimited)
		MaxLevelBytes int64 `yaml:"maxLevelBytes"`
	} `yaml:"pyramid"`

	// Execution backend parameters
	Backend struct {
		// Kind selects the execution strategy: parallel or sequential
		Kind string `yaml:"kind"`

		// IOWorkers is the number of workers loading and writing image pairs
		IOWorkers int `yaml:"ioWorkers"`

		// ReduceWorkers is the number of goroutines splitting the rows of one reduction
		ReduceWorkers int `yaml:"reduceWorkers"`

		// StallTimeout is how long without a completion before a stall warning
		StallTimeout time.Duration `yaml:"stallTimeout"`

		// PollInterval controls how often the wait loop checks for cancellation
		PollInterval time.Duration `yaml:"pollInterval"`
	} `yaml:"backend"`

	// Progress estimation parameters
	Progress struct {
		// Stage1, Stage2 and Stage3 are the completed-item thresholds of the ETA refinement
		Stage1 int `yaml:"stage1"`
		Stage2 int `yaml:"stage2"`
		Stage3 int `yaml:"stage3"`

		// LevelSpeedup is the expected throughput gain from one level to the next
		LevelSpeedup float64 `yaml:"levelSpeedup"`

		// FirstLevelWeight scales level 1 in the blended progress to account for cold reads
		FirstLevelWeight float64 `yaml:"firstLevelWeight"`
	} `yaml:"progress"`

	// Logging parameters
	Logging struct {
		// Level is the minimum log level (debug, info, warn, error)
		Level string `yaml:"level"`

		// JSON switches from console output to JSON lines
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pyramid.MinSize = 64
	cfg.Pyramid.MaxLevels = 20
	cfg.Pyramid.Format = FormatTIFF
	cfg.Pyramid.ReuseExisting = false
	cfg.Pyramid.MaxLevelBytes = 0

	cfg.Backend.Kind = BackendParallel
	cfg.Backend.IOWorkers = 2
	cfg.Backend.ReduceWorkers = runtime.NumCPU()
	cfg.Backend.StallTimeout = 60 * time.Second
	cfg.Backend.PollInterval = 200 * time.Millisecond

	cfg.Progress.Stage1 = 5
	cfg.Progress.Stage2 = 10
	cfg.Progress.Stage3 = 20
	cfg.Progress.LevelSpeedup = 4
	cfg.Progress.FirstLevelWeight = 1.5

	cfg.Logging.Level = "info"
	cfg.Logging.JSON = false

	return cfg
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.Pyramid.MinSize < 1 {
		return fmt.Errorf("pyramid.minSize must be at least 1, got %d", c.Pyramid.MinSize)
	}
	if c.Pyramid.MaxLevels < 1 {
		return fmt.Errorf("pyramid.maxLevels must be at least 1, got %d", c.Pyramid.MaxLevels)
	}
	if c.Pyramid.Format != FormatTIFF && c.Pyramid.Format != FormatPNG {
		return fmt.Errorf("pyramid.format must be %q or %q, got %q", FormatTIFF, FormatPNG, c.Pyramid.Format)
	}
	if c.Pyramid.MaxLevelBytes < 0 {
		return fmt.Errorf("pyramid.maxLevelBytes must not be negative")
	}
	if c.Backend.Kind != BackendParallel && c.Backend.Kind != BackendSequential {
		return fmt.Errorf("backend.kind must be %q or %q, got %q", BackendParallel, BackendSequential, c.Backend.Kind)
	}
	if c.Backend.IOWorkers < 1 {
		return fmt.Errorf("backend.ioWorkers must be at least 1, got %d", c.Backend.IOWorkers)
	}
	if c.Backend.ReduceWorkers < 1 {
		return fmt.Errorf("backend.reduceWorkers must be at least 1, got %d", c.Backend.ReduceWorkers)
	}
	if c.Backend.StallTimeout <= 0 || c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.stallTimeout and backend.pollInterval must be positive")
	}
	p := c.Progress
	if p.Stage1 < 1 || p.Stage2 <= p.Stage1 || p.Stage3 <= p.Stage2 {
		return fmt.Errorf("progress stages must be increasing and positive, got %d/%d/%d", p.Stage1, p.Stage2, p.Stage3)
	}
	if p.LevelSpeedup <= 0 || p.FirstLevelWeight <= 0 {
		return fmt.Errorf("progress.levelSpeedup and progress.firstLevelWeight must be positive")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
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
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
