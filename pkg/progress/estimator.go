package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Estimating is reported while no rate is known
const Estimating = "estimating…"

// minSlowdownFactor bounds how far an extrapolated slowdown may drop the rate
// below the stage-3 measurement.
const minSlowdownFactor = 0.25

// Thresholds are the fresh-item counts at which each stage samples the rate
type Thresholds struct {
	Stage1 int
	Stage2 int
	Stage3 int
}

// DefaultThresholds returns the 5/10/20 sampling points
func DefaultThresholds() Thresholds {
	return Thresholds{Stage1: 5, Stage2: 10, Stage3: 20}
}

// Info is the estimate reported to the host
type Info struct {
	// ETASeconds is the remaining time of the current level
	ETASeconds float64

	// Speed is the rate in items per second the ETA is based on
	Speed float64

	// Message describes how the estimate was obtained
	Message string

	// Known is false while no rate is available
	Known bool

	Stage Stage
}

// Estimator turns item completions into ETA estimates
type Estimator struct {
	state      *State
	clock      Clock
	thresholds Thresholds
	speedup    float64
	log        zerolog.Logger
}

// NewEstimator creates an estimator that records into state. speedup is the
// expected throughput gain between consecutive levels.
func NewEstimator(state *State, clock Clock, thresholds Thresholds, speedup float64, log zerolog.Logger) *Estimator {
	if clock == nil {
		clock = SystemClock{}
	}
	if speedup <= 0 {
		speedup = 4
	}
	return &Estimator{
		state:      state,
		clock:      clock,
		thresholds: thresholds,
		speedup:    speedup,
		log:        log,
	}
}

// State returns the run state the estimator writes to
func (e *Estimator) State() *State {
	return e.state
}

// StartLevel resets the per-level counters and seeds the estimate from the
// previous level's rate.
func (e *Estimator) StartLevel(level, total int) {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
	s.total = total
	s.completed = 0
	s.fresh = 0
	s.start = e.clock.Now()
	s.elapsed = 0
	s.stage = StageNone
	s.rate = 0
	s.slowing = false
	s.sampleCounts = [3]float64{}
	s.sampleRates = [3]float64{}

	s.seed = 0
	if s.lastRate > 0 {
		s.seed = s.lastRate * e.speedup
	}

	e.log.Debug().
		Int("level", level).
		Int("total", total).
		Float64("seed_rate", s.seed).
		Msg("level started")
}

// OnItemCompleted records that completed of total items are done. Items that
// were not freshly computed advance the count but are not sampled for speed.
func (e *Estimator) OnItemCompleted(completed, total int, fresh bool) {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if completed > s.completed {
		s.completed = completed
	}
	s.total = total
	if fresh {
		s.fresh++
	}
	s.elapsed = e.clock.Now().Sub(s.start)

	if fresh {
		e.advanceStage(s)
	}

	if s.completed >= s.total && s.stage != StageDone {
		e.finishLevel(s)
	}
}

// advanceStage moves the state machine when the fresh count crosses the next
// threshold. A zero elapsed time leaves the stage unchanged so it is retried
// on the next completion.
func (e *Estimator) advanceStage(s *State) {
	r := rate(s.fresh, s.elapsed)
	if r <= 0 {
		return
	}

	switch {
	case s.stage == StageNone && s.fresh >= e.thresholds.Stage1:
		s.sampleCounts[0], s.sampleRates[0] = float64(s.fresh), r
		s.rate = r
		s.stage = Stage1

	case s.stage == Stage1 && s.fresh >= e.thresholds.Stage2:
		s.sampleCounts[1], s.sampleRates[1] = float64(s.fresh), r
		s.rate = r
		s.stage = Stage2

	case s.stage == Stage2 && s.fresh >= e.thresholds.Stage3:
		s.sampleCounts[2], s.sampleRates[2] = float64(s.fresh), r
		s.rate = r
		if s.sampleRates[1] < s.sampleRates[0] {
			s.slowing = true
			s.rate = e.extrapolateSlowdown(s)
		}
		s.stage = Stage3

	default:
		return
	}

	e.log.Debug().
		Int("level", s.level).
		Str("stage", s.stage.String()).
		Int("fresh", s.fresh).
		Float64("rate", s.rate).
		Bool("slowing", s.slowing).
		Msg("estimate refined")
}

// extrapolateSlowdown fits a line through the three stage rates and
// evaluates it halfway through the remaining items.
func (e *Estimator) extrapolateSlowdown(s *State) float64 {
	measured := s.sampleRates[2]
	_, beta := stat.LinearRegression(s.sampleCounts[:], s.sampleRates[:], nil, false)
	if beta >= 0 || math.IsNaN(beta) {
		return measured
	}

	remaining := float64(s.total - s.completed)
	projected := measured + beta*remaining/2

	floor := measured * minSlowdownFactor
	if projected < floor {
		projected = floor
	}
	if projected > measured {
		projected = measured
	}
	return projected
}

// finishLevel settles the level and keeps its rate for seeding the next one
func (e *Estimator) finishLevel(s *State) {
	s.stage = StageDone

	levelRate := s.rate
	if levelRate <= 0 {
		// level too short to reach stage 1
		levelRate = rate(s.fresh, s.elapsed)
	}
	if levelRate > 0 {
		s.lastRate = levelRate
	}
}

// CurrentStage returns the refinement stage of the current level
func (e *Estimator) CurrentStage() Stage {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.stage
}

// StageInfo returns the current level's estimate
func (e *Estimator) StageInfo() Info {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage == StageDone {
		return Info{Speed: s.rate, Message: "level complete", Known: true, Stage: StageDone}
	}

	r, message := s.rate, ""
	switch s.stage {
	case StageNone:
		r, message = s.seed, "estimate from previous level"
	case Stage1:
		message = "rough estimate"
	case Stage2:
		message = "refined estimate"
	case Stage3:
		message = "final estimate"
		if s.slowing {
			message = "final estimate, slowing down"
		}
	}

	if r <= 0 {
		return Info{Message: Estimating, Stage: s.stage}
	}

	remaining := float64(s.total - s.completed)
	return Info{
		ETASeconds: remaining / r,
		Speed:      r,
		Message:    message,
		Known:      true,
		Stage:      s.stage,
	}
}

// ProjectRemaining estimates the seconds needed for levels that have not
// started yet, given their item counts in order. Each successive level is
// assumed to run speedup times faster than the one before it.
func (e *Estimator) ProjectRemaining(counts []int) (float64, bool) {
	s := e.state
	s.mu.Lock()
	base := s.rate
	if s.stage == StageNone {
		base = s.seed
	}
	s.mu.Unlock()

	if base <= 0 {
		return 0, len(counts) == 0
	}

	var seconds float64
	r := base
	for _, n := range counts {
		r *= e.speedup
		seconds += float64(n) / r
	}
	return seconds, true
}

func rate(items int, elapsed time.Duration) float64 {
	if items <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(items) / elapsed.Seconds()
}

// FormatETA renders a remaining time for display
func FormatETA(seconds float64, known bool) string {
	if !known {
		return Estimating
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}

// FormatSpeed renders an item rate for display
func FormatSpeed(itemsPerSecond float64) string {
	if itemsPerSecond <= 0 {
		return Estimating
	}
	return fmt.Sprintf("%.1f img/s", itemsPerSecond)
}
