package workerpool

import (
	"image"
	"sync/atomic"
	"time"
)

// sequentialBackend runs every item on the goroutine that waits for the
// level, one after another, with a single-threaded reduction
type sequentialBackend struct {
	opts Options

	level    int
	proc     Processor
	items    []WorkItem
	coll     *collector
	running  atomic.Int32
	stalls   int
	finished time.Time
}

func newSequential(opts Options) *sequentialBackend {
	return &sequentialBackend{opts: opts}
}

func (s *sequentialBackend) Name() string { return s.opts.Kind }

func (s *sequentialBackend) BeginLevel(level, total int, proc Processor) {
	s.level = level
	s.proc = proc
	s.items = make([]WorkItem, 0, total)
	s.coll = newCollector(level, total, s.opts.Logger)
	s.stalls = 0
	s.finished = time.Time{}

	s.opts.Logger.Debug().
		Int("level", level).
		Int("total", total).
		Msg("starting level")
}

func (s *sequentialBackend) Submit(item WorkItem) {
	s.items = append(s.items, item)
}

func (s *sequentialBackend) WaitForLevelCompletion(total int) bool {
	if s.coll == nil {
		return false
	}

	watch := startStallWatch(s.coll, s.opts.StallTimeout, s.opts.PollInterval,
		func() int { return int(s.running.Load()) }, s.opts.Logger)
	defer func() {
		s.stalls = watch.Stop()
		s.finished = time.Now()
	}()

	for _, item := range s.items {
		if s.opts.IsCancelled() {
			s.opts.Logger.Info().Int("level", s.level).Msg("cancellation observed")
			return true
		}

		s.running.Store(1)
		runItem(item, s.proc, 1, s.coll, s.opts.Observer, s.opts.Logger)
		s.running.Store(0)

		if _, fatal := s.coll.status(); fatal != nil {
			return false
		}
	}
	s.items = nil

	done, _ := s.coll.status()
	if done < total && s.opts.IsCancelled() {
		return true
	}
	return false
}

func (s *sequentialBackend) OrderedResults(total int) ([]image.Image, error) {
	if s.coll == nil {
		return nil, ErrCancelled
	}
	// every item already ran inside WaitForLevelCompletion
	done, fatal := s.coll.status()
	if fatal == nil && done < total && s.opts.IsCancelled() {
		return nil, ErrCancelled
	}
	return s.coll.snapshot(total)
}

func (s *sequentialBackend) Stats() LevelStats {
	if s.coll == nil {
		return LevelStats{}
	}
	return s.coll.stats(s.stalls, s.finished)
}

func (s *sequentialBackend) Close() {
	s.items = nil
}
