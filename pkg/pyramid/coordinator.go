// Package pyramid builds multi-resolution image pyramids from CT slice
// sequences.
//
// A run halves the slice dimensions and pairs consecutive slices level by
// level until the images are no larger than a minimum size. Every level is
// written to its own directory under the output root, and the smallest level
// is returned in memory as a preview volume. Levels run strictly in order;
// level k+1 is reduced from the in-memory results of level k.
package pyramid

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ctpyramid/internal/logger"
	"ctpyramid/internal/models"
	"ctpyramid/pkg/config"
	"ctpyramid/pkg/progress"
	"ctpyramid/pkg/slicestore"
	"ctpyramid/pkg/workerpool"
)

// Options holds the parameters of a run
type Options struct {
	// OutputDir is the pyramid root; one subdirectory is created per level
	OutputDir string

	// MinSize stops halving once both dimensions are at or below it
	MinSize int

	// MaxLevels caps the number of levels (at most MaxLevels)
	MaxLevels int

	// Format is the codec of the level images
	Format slicestore.Format

	// ReuseExisting reloads complete levels found under OutputDir
	ReuseExisting bool

	// MaxLevelBytes limits the in-memory size of one level (0 = unlimited)
	MaxLevelBytes int64

	// Backend selects and tunes the execution backend. Its IsCancelled,
	// Observer and Logger fields are set by the run.
	Backend workerpool.Options

	// Thresholds, LevelSpeedup and FirstLevelWeight tune progress reporting
	Thresholds       progress.Thresholds
	LevelSpeedup     float64
	FirstLevelWeight float64

	// OnProgress and OnDetail are called from whichever goroutine completes
	// work; marshalling to a UI thread is up to the host
	OnProgress ProgressFunc
	OnDetail   DetailFunc

	// IsCancelled is polled before each level and while waiting on one
	IsCancelled func() bool

	Clock  progress.Clock
	Logger zerolog.Logger
}

// OptionsFromConfig fills Options from a loaded configuration
func OptionsFromConfig(cfg *config.Config, outputDir string) Options {
	return Options{
		OutputDir:     outputDir,
		MinSize:       cfg.Pyramid.MinSize,
		MaxLevels:     cfg.Pyramid.MaxLevels,
		Format:        slicestore.Format(cfg.Pyramid.Format),
		ReuseExisting: cfg.Pyramid.ReuseExisting,
		MaxLevelBytes: cfg.Pyramid.MaxLevelBytes,
		Backend:       workerpool.OptionsFromConfig(cfg),
		Thresholds: progress.Thresholds{
			Stage1: cfg.Progress.Stage1,
			Stage2: cfg.Progress.Stage2,
			Stage3: cfg.Progress.Stage3,
		},
		LevelSpeedup:     cfg.Progress.LevelSpeedup,
		FirstLevelWeight: cfg.Progress.FirstLevelWeight,
		Logger:           zerolog.Nop(),
	}
}

func (o *Options) applyDefaults() {
	if o.MinSize < 1 {
		o.MinSize = 64
	}
	if o.MaxLevels <= 0 || o.MaxLevels > MaxLevels {
		o.MaxLevels = MaxLevels
	}
	if o.Format == "" {
		o.Format = slicestore.TIFF
	}
	if o.Thresholds == (progress.Thresholds{}) {
		o.Thresholds = progress.DefaultThresholds()
	}
	if o.LevelSpeedup <= 0 {
		o.LevelSpeedup = 4
	}
	if o.FirstLevelWeight <= 0 {
		o.FirstLevelWeight = 1.5
	}
	if o.IsCancelled == nil {
		o.IsCancelled = func() bool { return false }
	}
	if o.Clock == nil {
		o.Clock = progress.SystemClock{}
	}
}

// Result is the outcome of a run that did not fail. Cancelled runs return
// the levels completed before cancellation.
type Result struct {
	RunID   string
	Backend string

	// Levels are the fully written levels in order
	Levels []models.LevelMetadata

	// MinimumVolume is the smallest generated level, or the source itself
	// when no level was planned. Nil for cancelled runs.
	MinimumVolume *models.Volume

	Cancelled bool

	// Substituted counts items replaced by blank placeholders
	Substituted int

	Stats   []workerpool.LevelStats
	Elapsed time.Duration
}

// LevelDirName returns the directory name of level k
func LevelDirName(k int) string {
	return fmt.Sprintf("level_%02d", k)
}

// Generator runs pyramid generation with a fixed set of options
type Generator struct {
	opts Options
}

// NewGenerator creates a generator; zero option values get their defaults
func NewGenerator(opts Options) *Generator {
	opts.applyDefaults()
	return &Generator{opts: opts}
}

// Generate builds the pyramid of seq as described by opts
func Generate(seq models.SourceSequence, opts Options) (*Result, error) {
	return NewGenerator(opts).Generate(seq)
}

// Generate builds the pyramid of seq. A fatal problem is returned as a
// *LevelError; cancellation is reported through Result.Cancelled.
func (g *Generator) Generate(seq models.SourceSequence) (*Result, error) {
	opts := g.opts
	start := time.Now()
	runID := uuid.NewString()
	log := logger.Component(opts.Logger, "coordinator").With().Str("run", runID).Logger()

	if seq.Len() == 0 {
		return nil, &LevelError{Level: 0, Op: "resolve sources", Err: ErrNoSources}
	}
	if err := seq.Validate(); err != nil {
		return nil, &LevelError{Level: 0, Op: "validate sources", Err: err}
	}

	plan, err := NewPlan(seq.Width, seq.Height, seq.Len(), opts.MinSize, opts.MaxLevels)
	if err != nil {
		return nil, &LevelError{Level: 0, Op: "plan levels", Err: err}
	}

	result := &Result{RunID: runID, Backend: opts.Backend.Kind}

	log.Info().
		Int("sources", seq.Len()).
		Int("width", seq.Width).
		Int("height", seq.Height).
		Int("bit_depth", int(seq.Depth)).
		Int("levels", len(plan.Levels)).
		Int("images", plan.TotalImages()).
		Int("min_size", opts.MinSize).
		Str("output", opts.OutputDir).
		Msg("pyramid run started")

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, &LevelError{Level: 0, Op: "create output directory", Err: err}
	}

	state := progress.NewState()
	est := progress.NewEstimator(state, opts.Clock, opts.Thresholds, opts.LevelSpeedup,
		logger.Component(opts.Logger, "estimator").With().Str("run", runID).Logger())
	blend := newBlender(plan, opts.FirstLevelWeight, est, opts.OnProgress, opts.OnDetail)

	backendOpts := opts.Backend
	backendOpts.IsCancelled = opts.IsCancelled
	backendOpts.Observer = blend
	backendOpts.Logger = logger.Component(opts.Logger, "workerpool").With().Str("run", runID).Logger()
	backend, err := workerpool.New(backendOpts)
	if err != nil {
		return nil, &LevelError{Level: 0, Op: "select backend", Err: err}
	}
	defer backend.Close()
	result.Backend = backend.Name()

	disk := &diskSource{
		paths:  seq.Paths,
		depth:  seq.Depth,
		width:  seq.Width,
		height: seq.Height,
	}
	var source sourceReader = disk
	var smallest []image.Image

	for i, level := range plan.Levels {
		if opts.IsCancelled() {
			log.Info().Int("level", level.Index).Msg("cancelled before level start")
			result.Cancelled = true
			break
		}

		images, stats, cancelled, err := g.runLevel(plan, i, seq, source, disk, est, blend, backend, log)
		if err != nil {
			return nil, err
		}
		if cancelled {
			result.Cancelled = true
			break
		}

		result.Stats = append(result.Stats, stats)
		result.Substituted += stats.Substituted
		result.Levels = append(result.Levels, models.LevelMetadata{
			Level:      level.Index,
			Width:      level.Width,
			Height:     level.Height,
			FirstIndex: 0,
			LastIndex:  level.Count - 1,
			Count:      level.Count,
			Dir:        filepath.Join(opts.OutputDir, LevelDirName(level.Index)),
		})

		source = memorySource{images: images}
		smallest = images
	}

	result.Elapsed = time.Since(start)
	if result.Cancelled {
		log.Info().
			Int("levels_completed", len(result.Levels)).
			Dur("elapsed", result.Elapsed).
			Msg("pyramid run cancelled")
		return result, nil
	}

	if smallest == nil {
		// the source is already at or below the minimum size
		smallest, result.Substituted = g.loadSources(seq, source, log)
		if result.Substituted == seq.Len() {
			return nil, &LevelError{Level: 0, Op: "load sources", Err: ErrNoSources}
		}
	}
	volume, err := models.NewVolume(smallest)
	if err != nil {
		return nil, &LevelError{Level: plan.Last().Index, Op: "assemble minimum volume", Err: err}
	}
	result.MinimumVolume = volume

	blend.finish(fmt.Sprintf("Pyramid complete: %d levels", len(result.Levels)))
	log.Info().
		Int("levels", len(result.Levels)).
		Int("substituted", result.Substituted).
		Str("volume", fmt.Sprintf("%dx%dx%d", volume.Width, volume.Height, volume.Depth)).
		Dur("elapsed", result.Elapsed).
		Msg("pyramid run finished")

	return result, nil
}

// runLevel generates level i of the plan. It returns the ordered images,
// or cancelled=true with the level directory removed.
func (g *Generator) runLevel(plan Plan, i int, seq models.SourceSequence, source sourceReader, disk *diskSource,
	est *progress.Estimator, blend *blender, backend workerpool.Backend, log zerolog.Logger,
) ([]image.Image, workerpool.LevelStats, bool, error) {
	opts := g.opts
	level := plan.Levels[i]
	below := plan.SourceOf(level.Index)
	var none workerpool.LevelStats

	need := int64(level.Count) * int64(level.Width) * int64(level.Height) * int64(seq.Depth.BytesPerSample())
	if opts.MaxLevelBytes > 0 && need > opts.MaxLevelBytes {
		return nil, none, false, &LevelError{
			Level: level.Index,
			Op:    "allocate level buffer",
			Err:   fmt.Errorf("%w: need %d bytes, limit %d", ErrLevelBudget, need, opts.MaxLevelBytes),
		}
	}

	dir := filepath.Join(opts.OutputDir, LevelDirName(level.Index))
	reuse, err := g.prepareLevelDir(dir, level, seq.Depth, log)
	if err != nil {
		return nil, none, false, &LevelError{Level: level.Index, Op: "create level directory", Err: err}
	}

	worker := &levelWorker{
		level:  level,
		dir:    dir,
		format: opts.Format,
		depth:  seq.Depth,
		source: source,
		reuse:  reuse,
	}

	est.StartLevel(level.Index, level.Count)
	blend.startLevel(i)
	log.Info().
		Int("level", level.Index).
		Int("width", level.Width).
		Int("height", level.Height).
		Int("images", level.Count).
		Bool("reuse", reuse).
		Msg("level started")

	backend.BeginLevel(level.Index, level.Count, worker)
	for _, item := range workerpool.ItemsForLevel(level.Index, below.Count) {
		backend.Submit(item)
	}

	discard := func() {
		if reuse {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("failed to remove incomplete level")
		}
	}

	if backend.WaitForLevelCompletion(level.Count) {
		discard()
		log.Info().Int("level", level.Index).Msg("level cancelled, partial output removed")
		return nil, none, true, nil
	}

	images, err := backend.OrderedResults(level.Count)
	if errors.Is(err, workerpool.ErrCancelled) {
		discard()
		return nil, none, true, nil
	}
	if err != nil {
		discard()
		return nil, none, false, &LevelError{Level: level.Index, Op: "generate level", Err: err}
	}

	stats := backend.Stats()
	if i == 0 && stats.Substituted == level.Count && disk.decoded.Load() == 0 {
		// every level 1 item became a placeholder and no source decoded
		discard()
		return nil, none, false, &LevelError{Level: level.Index, Op: "load sources", Err: ErrNoSources}
	}
	if !reuse {
		manifest := slicestore.Manifest{
			Level:     level.Index,
			Width:     level.Width,
			Height:    level.Height,
			Count:     level.Count,
			BitDepth:  seq.Depth,
			Format:    opts.Format,
			Generated: time.Now().UTC(),
		}
		if err := slicestore.WriteManifest(dir, manifest); err != nil {
			discard()
			return nil, none, false, &LevelError{Level: level.Index, Op: "write level manifest", Err: err}
		}
	}

	log.Info().
		Int("level", level.Index).
		Int("substituted", stats.Substituted).
		Int("duplicates", stats.Duplicates).
		Int("stalls", stats.Stalls).
		Dur("elapsed", stats.Elapsed).
		Msg("level flushed")

	return images, stats, false, nil
}

// prepareLevelDir makes dir ready for a level. It reports true when dir
// already holds a complete copy of the level that may be reused.
func (g *Generator) prepareLevelDir(dir string, level models.Level, depth models.BitDepth, log zerolog.Logger) (bool, error) {
	state, manifest, err := slicestore.Inspect(dir)
	if err != nil {
		return false, err
	}

	switch state {
	case slicestore.LevelComplete:
		if g.opts.ReuseExisting && manifest.Matches(level, depth, g.opts.Format) {
			return true, nil
		}
		log.Info().Str("dir", dir).Msg("replacing existing level")
		if err := os.RemoveAll(dir); err != nil {
			return false, err
		}
	case slicestore.LevelPartial:
		log.Warn().Str("dir", dir).Msg("removing partial level left by an earlier run")
		if err := os.RemoveAll(dir); err != nil {
			return false, err
		}
	}

	return false, os.MkdirAll(dir, 0755)
}

// loadSources reads the whole source sequence as the minimum volume, using
// placeholders for unreadable slices
func (g *Generator) loadSources(seq models.SourceSequence, source sourceReader, log zerolog.Logger) ([]image.Image, int) {
	images := make([]image.Image, seq.Len())
	substituted := 0
	for i := range images {
		img, err := source.Load(i)
		if err != nil {
			log.Warn().Err(err).Int("source", i).Msg("source unreadable, substituting blank placeholder")
			img = slicestore.Blank(seq.Depth, seq.Width, seq.Height)
			substituted++
		}
		images[i] = img
	}
	return images, substituted
}
