package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies the defaults match the documented engine behavior
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pyramid.MaxLevels != 20 {
		t.Errorf("Expected max levels 20, got %d", cfg.Pyramid.MaxLevels)
	}
	if cfg.Backend.StallTimeout != 60*time.Second {
		t.Errorf("Expected stall timeout 60s, got %v", cfg.Backend.StallTimeout)
	}
	if cfg.Progress.Stage1 != 5 || cfg.Progress.Stage2 != 10 || cfg.Progress.Stage3 != 20 {
		t.Errorf("Expected stages 5/10/20, got %d/%d/%d",
			cfg.Progress.Stage1, cfg.Progress.Stage2, cfg.Progress.Stage3)
	}
	if cfg.Progress.FirstLevelWeight != 1.5 {
		t.Errorf("Expected first level weight 1.5, got %f", cfg.Progress.FirstLevelWeight)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

// TestLoadMissingConfig verifies that a missing file yields the defaults
func TestLoadMissingConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if cfg.Backend.Kind != BackendParallel {
		t.Errorf("Expected default backend %q, got %q", BackendParallel, cfg.Backend.Kind)
	}
}

// TestSaveAndLoadConfig verifies that a saved config is read back with overrides intact
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ctpyramid.yaml")

	cfg := DefaultConfig()
	cfg.Pyramid.MinSize = 25
	cfg.Backend.Kind = BackendSequential
	cfg.Backend.StallTimeout = 90 * time.Second

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Pyramid.MinSize != 25 {
		t.Errorf("Expected min size 25, got %d", loaded.Pyramid.MinSize)
	}
	if loaded.Backend.Kind != BackendSequential {
		t.Errorf("Expected backend %q, got %q", BackendSequential, loaded.Backend.Kind)
	}
	if loaded.Backend.StallTimeout != 90*time.Second {
		t.Errorf("Expected stall timeout 90s, got %v", loaded.Backend.StallTimeout)
	}
}

// TestLoadPartialConfig verifies that keys absent from the file keep their defaults
func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("pyramid:\n  minSize: 32\nbackend:\n  stallTimeout: 5s\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Pyramid.MinSize != 32 {
		t.Errorf("Expected min size 32, got %d", cfg.Pyramid.MinSize)
	}
	if cfg.Backend.StallTimeout != 5*time.Second {
		t.Errorf("Expected stall timeout 5s, got %v", cfg.Backend.StallTimeout)
	}
	if cfg.Pyramid.Format != FormatTIFF {
		t.Errorf("Expected default format %q, got %q", FormatTIFF, cfg.Pyramid.Format)
	}
}

// TestValidate checks that invalid values are rejected
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero min size", func(c *Config) { c.Pyramid.MinSize = 0 }},
		{"unknown format", func(c *Config) { c.Pyramid.Format = "jpeg" }},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "gpu" }},
		{"no io workers", func(c *Config) { c.Backend.IOWorkers = 0 }},
		{"stages out of order", func(c *Config) { c.Progress.Stage2 = 3 }},
		{"zero speedup", func(c *Config) { c.Progress.LevelSpeedup = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
