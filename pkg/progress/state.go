// Package progress estimates the remaining time of a pyramid run.
//
// An Estimator refines its rate in three stages per level, driven only by
// the number of freshly computed items, and then holds that rate for the rest
// of the level. The rate of one level seeds the next, scaled by the expected
// per-level speedup. All timing goes through a Clock so tests can drive the
// state machine without real timers.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Stage is the refinement state of the current level's estimate
type Stage int

const (
	StageNone Stage = iota
	Stage1
	Stage2
	Stage3
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case Stage1:
		return "stage 1"
	case Stage2:
		return "stage 2"
	case Stage3:
		return "stage 3"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// State is the progress and speed bookkeeping of one run. It is created once
// per run, shared by reference across all levels, and only modified through
// an Estimator.
type State struct {
	mu sync.Mutex

	level     int
	completed int
	total     int
	fresh     int
	start     time.Time
	elapsed   time.Duration
	stage     Stage

	// rate is the items/second estimate in effect for the current level
	rate float64

	// seed is the previous level's rate scaled to this level
	seed float64

	// lastRate is the best rate measured on a completed level
	lastRate float64

	// samples hold the fresh count and rate at each stage transition
	sampleCounts [3]float64
	sampleRates  [3]float64
	slowing      bool
}

// NewState returns an empty run state
func NewState() *State {
	return &State{}
}

// Snapshot is a consistent copy of the state
type Snapshot struct {
	Level     int
	Completed int
	Total     int
	Fresh     int
	Elapsed   time.Duration
	Speed     float64
	Stage     Stage
	Slowing   bool
}

// Snapshot returns a copy of the current values
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Level:     s.level,
		Completed: s.completed,
		Total:     s.total,
		Fresh:     s.fresh,
		Elapsed:   s.elapsed,
		Speed:     s.rate,
		Stage:     s.stage,
		Slowing:   s.slowing,
	}
}
