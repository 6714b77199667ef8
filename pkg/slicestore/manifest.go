package slicestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ctpyramid/internal/models"
)

// ManifestName is the file marking a level directory as complete
const ManifestName = "manifest.yaml"

// Manifest describes a fully flushed level directory. It is written last,
// so its presence means every image of the level is on disk.
type Manifest struct {
	Level     int             `yaml:"level"`
	Width     int             `yaml:"width"`
	Height    int             `yaml:"height"`
	Count     int             `yaml:"count"`
	BitDepth  models.BitDepth `yaml:"bitDepth"`
	Format    Format          `yaml:"format"`
	Generated time.Time       `yaml:"generated"`
}

// Matches reports whether the manifest describes the given planned level
func (m Manifest) Matches(level models.Level, depth models.BitDepth, format Format) bool {
	return m.Level == level.Index &&
		m.Width == level.Width &&
		m.Height == level.Height &&
		m.Count == level.Count &&
		m.BitDepth == depth &&
		m.Format == format
}

// WriteManifest stores m in dir
func WriteManifest(dir string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, "."+ManifestName)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move manifest into place: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of dir. A missing manifest is reported
// with an error satisfying errors.Is(err, os.ErrNotExist).
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest in %s: %w", dir, err)
	}
	return m, nil
}

// LevelState classifies a level directory found on disk
type LevelState int

const (
	// LevelMissing means the directory does not exist
	LevelMissing LevelState = iota

	// LevelPartial means the directory exists without a usable manifest
	LevelPartial

	// LevelComplete means the directory holds a manifest
	LevelComplete
)

// Inspect reports the state of a level directory and its manifest if complete
func Inspect(dir string) (LevelState, Manifest, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return LevelMissing, Manifest{}, nil
	}
	if err != nil {
		return LevelMissing, Manifest{}, err
	}
	if !info.IsDir() {
		return LevelMissing, Manifest{}, fmt.Errorf("%s exists and is not a directory", dir)
	}

	m, err := ReadManifest(dir)
	if err != nil {
		return LevelPartial, Manifest{}, nil
	}
	return LevelComplete, m, nil
}
