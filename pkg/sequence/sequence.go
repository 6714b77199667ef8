// Package sequence resolves a directory of CT slice images into an ordered
// source sequence.
package sequence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"ctpyramid/internal/models"
	"ctpyramid/pkg/slicestore"
)

// ErrEmpty is returned when a directory holds no slice images
var ErrEmpty = errors.New("no slice images found")

// Extensions are the file types picked up by Resolve
var Extensions = []string{".tif", ".tiff", ".png", ".bmp", ".jpg", ".jpeg"}

// Resolve lists the slice images in dir, orders them by the number in their
// file name and probes their common geometry. The first readable file
// defines width, height and bit depth; files that cannot be probed or differ
// in size are kept and logged, and become blank placeholders during a run.
func Resolve(dir string, log zerolog.Logger) (models.SourceSequence, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.SourceSequence{}, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if isSliceFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return models.SourceSequence{}, fmt.Errorf("%s: %w", dir, ErrEmpty)
	}

	Sort(names)

	seq := models.SourceSequence{
		Paths:      make([]string, len(names)),
		FirstIndex: SliceNumber(names[0]),
	}
	for i, name := range names {
		seq.Paths[i] = filepath.Join(dir, name)
	}

	probed := false
	for _, path := range seq.Paths {
		w, h, depth, err := slicestore.Probe(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("slice header unreadable")
			continue
		}
		if !probed {
			seq.Width, seq.Height, seq.Depth = w, h, depth
			probed = true
			continue
		}
		if w != seq.Width || h != seq.Height {
			log.Warn().
				Str("path", path).
				Int("width", w).
				Int("height", h).
				Int("expected_width", seq.Width).
				Int("expected_height", seq.Height).
				Msg("slice size differs from the sequence")
		}
	}
	if !probed {
		return models.SourceSequence{}, fmt.Errorf("%s: %w: no readable slice", dir, ErrEmpty)
	}

	log.Info().
		Int("slices", seq.Len()).
		Int("width", seq.Width).
		Int("height", seq.Height).
		Int("bit_depth", int(seq.Depth)).
		Int("first_index", seq.FirstIndex).
		Msg("source sequence resolved")

	return seq, nil
}

// Sort orders file names by their slice number, falling back to the name
// itself for equal numbers
func Sort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := SliceNumber(names[i]), SliceNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
}

// SliceNumber returns the last run of digits in the base name of filename,
// or 0 when it has none
func SliceNumber(filename string) int {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	end := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] >= '0' && base[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return 0
	}
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}

	num, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0
	}
	return num
}

func isSliceFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
