// Package workerpool runs the work items of one pyramid level and collects
// their results in output order.
//
// Two interchangeable backends implement Backend:
//
//   - parallel: a small fixed set of I/O workers per level. Each worker loads,
//     reduces and writes one item on its own, so reads of an image pair stay
//     clustered on one goroutine; the pixel reduction inside an item is split
//     across ReduceWorkers goroutines by rows.
//   - sequential: a single loop on the caller's goroutine with a
//     single-threaded reduction, for hosts where parallel execution only adds
//     contention and random I/O.
//
// Item failures never leave the pool: a failed item is logged and replaced by
// the processor's placeholder. Only a failure to write a result is fatal.
package workerpool

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"ctpyramid/pkg/config"
)

// NoPartner marks the High index of a carry-through item
const NoPartner = -1

// ErrCancelled is returned by OrderedResults when the level was cancelled
var ErrCancelled = errors.New("level cancelled")

// WorkItem produces output image Output of a level from source images Low
// and High of the level below
type WorkItem struct {
	Level  int
	Output int
	Low    int
	High   int
}

// IsCarryThrough reports whether the item halves a single unpaired image
func (w WorkItem) IsCarryThrough() bool {
	return w.High == NoPartner
}

// ItemsForLevel partitions a level of sourceCount images into work items,
// pairing 2i with 2i+1 and carrying an odd last image through alone
func ItemsForLevel(level, sourceCount int) []WorkItem {
	count := (sourceCount + 1) / 2
	items := make([]WorkItem, count)
	for i := range items {
		high := 2*i + 1
		if high >= sourceCount {
			high = NoPartner
		}
		items[i] = WorkItem{Level: level, Output: i, Low: 2 * i, High: high}
	}
	return items
}

// Output is the result of processing one item
type Output struct {
	Image image.Image

	// Reused is set when the image was read back from an earlier run
	// instead of being computed; reused images are not committed again.
	Reused bool
}

// Processor does the work of one level's items
type Processor interface {
	// Process loads the item's sources and reduces them, splitting the
	// reduction over reduceWorkers goroutines
	Process(item WorkItem, reduceWorkers int) (Output, error)

	// Placeholder returns a correctly sized blank image for a failed item
	Placeholder(item WorkItem) image.Image

	// Commit persists a computed image. An error here is fatal for the level.
	Commit(item WorkItem, img image.Image) error
}

// Observer is told about every accepted completion
type Observer interface {
	OnItemCompleted(completed, total int, fresh bool)
}

// LevelStats summarizes the execution of one level
type LevelStats struct {
	Level       int
	Items       int
	Substituted int
	Duplicates  int
	Stalls      int
	Elapsed     time.Duration
}

// Backend is the capability shared by both execution strategies
type Backend interface {
	// Name returns the configured backend kind
	Name() string

	// BeginLevel prepares the backend to run total items with proc
	BeginLevel(level, total int, proc Processor)

	// Submit queues one item of the current level
	Submit(item WorkItem)

	// WaitForLevelCompletion blocks until every submitted item has finished,
	// a fatal error occurred, or cancellation was observed. It reports
	// whether the level was cancelled. Items already running are always
	// allowed to finish.
	WaitForLevelCompletion(total int) bool

	// OrderedResults returns the level's images indexed by output index
	OrderedResults(total int) ([]image.Image, error)

	// Stats returns the counters of the current level
	Stats() LevelStats

	// Close releases the backend
	Close()
}

// Options configure a backend
type Options struct {
	Kind          string
	IOWorkers     int
	ReduceWorkers int
	StallTimeout  time.Duration
	PollInterval  time.Duration

	// IsCancelled is polled while waiting; nil means never cancelled
	IsCancelled func() bool

	Observer Observer
	Logger   zerolog.Logger
}

// OptionsFromConfig fills Options from the backend section of cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Kind:          cfg.Backend.Kind,
		IOWorkers:     cfg.Backend.IOWorkers,
		ReduceWorkers: cfg.Backend.ReduceWorkers,
		StallTimeout:  cfg.Backend.StallTimeout,
		PollInterval:  cfg.Backend.PollInterval,
	}
}

// New returns the backend selected by opts.Kind
func New(opts Options) (Backend, error) {
	if opts.IOWorkers < 1 {
		opts.IOWorkers = 1
	}
	if opts.ReduceWorkers < 1 {
		opts.ReduceWorkers = 1
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.IsCancelled == nil {
		opts.IsCancelled = func() bool { return false }
	}

	switch opts.Kind {
	case config.BackendParallel, "":
		opts.Kind = config.BackendParallel
		return newParallel(opts), nil
	case config.BackendSequential:
		return newSequential(opts), nil
	}
	return nil, fmt.Errorf("unknown backend %q", opts.Kind)
}

// runItem processes, commits and records one item
func runItem(item WorkItem, proc Processor, reduceWorkers int, coll *collector, observer Observer, log zerolog.Logger) {
	out, err := safeProcess(proc, item, reduceWorkers)

	substituted := false
	if err != nil {
		log.Warn().
			Err(err).
			Int("level", item.Level).
			Int("output", item.Output).
			Int("low", item.Low).
			Int("high", item.High).
			Msg("item failed, substituting blank placeholder")
		out = Output{Image: proc.Placeholder(item)}
		substituted = true
	}

	if !out.Reused {
		if err := proc.Commit(item, out.Image); err != nil {
			coll.fail(fmt.Errorf("write output %d: %w", item.Output, err))
			return
		}
	}

	completed, ok := coll.put(item.Output, out.Image, substituted)
	if ok && observer != nil {
		observer.OnItemCompleted(completed, coll.total, !out.Reused && !substituted)
	}
}

// safeProcess converts a panic inside a processor into an item error
func safeProcess(proc Processor, item WorkItem, reduceWorkers int) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing item %d: %v", item.Output, r)
		}
	}()
	return proc.Process(item, reduceWorkers)
}
