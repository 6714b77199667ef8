package progress

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEstimator() (*Estimator, *ManualClock) {
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewEstimator(NewState(), clock, DefaultThresholds(), 4, zerolog.Nop()), clock
}

// completeItems reports n fresh completions, advancing the clock by step before each
func completeItems(e *Estimator, clock *ManualClock, from, n, total int, step time.Duration) int {
	for i := 0; i < n; i++ {
		clock.Advance(step)
		from++
		e.OnItemCompleted(from, total, true)
	}
	return from
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestZeroElapsed verifies that no time passing never yields a rate
func TestZeroElapsed(t *testing.T) {
	e, clock := newTestEstimator()
	e.StartLevel(1, 100)

	completeItems(e, clock, 0, 10, 100, 0)

	if stage := e.CurrentStage(); stage != StageNone {
		t.Errorf("Expected stage none with zero elapsed time, got %v", stage)
	}
	info := e.StageInfo()
	if info.Known {
		t.Errorf("Expected unknown estimate, got %+v", info)
	}
	if info.Message != Estimating {
		t.Errorf("Expected %q, got %q", Estimating, info.Message)
	}
	if got := FormatETA(info.ETASeconds, info.Known); got != Estimating {
		t.Errorf("Expected formatted ETA %q, got %q", Estimating, got)
	}
}

// TestStageProgression verifies the 5/10/20 transitions and the settled rate
func TestStageProgression(t *testing.T) {
	e, clock := newTestEstimator()
	e.StartLevel(1, 100)

	done := completeItems(e, clock, 0, 4, 100, time.Second)
	if e.CurrentStage() != StageNone {
		t.Fatalf("Expected stage none after 4 items, got %v", e.CurrentStage())
	}

	done = completeItems(e, clock, done, 1, 100, time.Second)
	if e.CurrentStage() != Stage1 {
		t.Fatalf("Expected stage 1 after 5 items, got %v", e.CurrentStage())
	}
	info := e.StageInfo()
	if !info.Known || !almostEqual(info.Speed, 1) || !almostEqual(info.ETASeconds, 95) {
		t.Errorf("Expected 1 img/s and 95s at stage 1, got %+v", info)
	}

	done = completeItems(e, clock, done, 5, 100, time.Second)
	if e.CurrentStage() != Stage2 {
		t.Fatalf("Expected stage 2 after 10 items, got %v", e.CurrentStage())
	}

	done = completeItems(e, clock, done, 10, 100, time.Second)
	if e.CurrentStage() != Stage3 {
		t.Fatalf("Expected stage 3 after 20 items, got %v", e.CurrentStage())
	}
	if e.State().Snapshot().Slowing {
		t.Error("Constant rate must not be reported as slowing")
	}

	// no re-sampling after stage 3: much slower items keep the stage-3 rate
	done = completeItems(e, clock, done, 30, 100, 10*time.Second)
	info = e.StageInfo()
	if !almostEqual(info.Speed, 1) {
		t.Errorf("Expected stage-3 rate 1 img/s to be held, got %f", info.Speed)
	}
	if !almostEqual(info.ETASeconds, float64(100-done)) {
		t.Errorf("Expected ETA %d, got %f", 100-done, info.ETASeconds)
	}
	if info.Stage != Stage3 {
		t.Errorf("Expected info stage 3, got %v", info.Stage)
	}
}

// TestSlowdownExtrapolation verifies that a decreasing rate lowers the final estimate
func TestSlowdownExtrapolation(t *testing.T) {
	e, clock := newTestEstimator()
	e.StartLevel(1, 100)

	done := completeItems(e, clock, 0, 5, 100, time.Second)
	done = completeItems(e, clock, done, 5, 100, 3*time.Second)
	completeItems(e, clock, done, 10, 100, 3*time.Second)

	snap := e.State().Snapshot()
	if snap.Stage != Stage3 {
		t.Fatalf("Expected stage 3, got %v", snap.Stage)
	}
	if !snap.Slowing {
		t.Fatal("Expected slowdown to be detected")
	}

	// stage-3 measurement is 20 items in 50s
	measured := 20.0 / 50.0
	if snap.Speed >= measured {
		t.Errorf("Expected extrapolated rate below %f, got %f", measured, snap.Speed)
	}
	if snap.Speed < measured*minSlowdownFactor-1e-9 {
		t.Errorf("Expected extrapolated rate at least %f, got %f", measured*minSlowdownFactor, snap.Speed)
	}

	info := e.StageInfo()
	if info.Message != "final estimate, slowing down" {
		t.Errorf("Unexpected message %q", info.Message)
	}
}

// TestNonFreshItemsNotSampled verifies that reused items do not produce a rate
func TestNonFreshItemsNotSampled(t *testing.T) {
	e, clock := newTestEstimator()
	e.StartLevel(1, 50)

	for i := 1; i <= 30; i++ {
		clock.Advance(time.Millisecond)
		e.OnItemCompleted(i, 50, false)
	}

	snap := e.State().Snapshot()
	if snap.Stage != StageNone {
		t.Errorf("Expected stage none, got %v", snap.Stage)
	}
	if snap.Completed != 30 || snap.Fresh != 0 {
		t.Errorf("Expected 30 completed, 0 fresh, got %d/%d", snap.Completed, snap.Fresh)
	}
}

// TestSeedFromPreviousLevel verifies the cross-level speed correction
func TestSeedFromPreviousLevel(t *testing.T) {
	e, clock := newTestEstimator()

	e.StartLevel(1, 4)
	completeItems(e, clock, 0, 4, 4, 500*time.Millisecond)
	if e.CurrentStage() != StageDone {
		t.Fatalf("Expected level to be done, got %v", e.CurrentStage())
	}

	e.StartLevel(2, 10)
	info := e.StageInfo()
	if !info.Known {
		t.Fatal("Expected seeded estimate to be known")
	}
	// level 1 ran at 2 img/s, level 2 is expected 4x faster
	if !almostEqual(info.Speed, 8) {
		t.Errorf("Expected seeded speed 8, got %f", info.Speed)
	}
	if !almostEqual(info.ETASeconds, 10.0/8.0) {
		t.Errorf("Expected ETA 1.25s, got %f", info.ETASeconds)
	}
	if info.Message != "estimate from previous level" {
		t.Errorf("Unexpected message %q", info.Message)
	}
}

// TestOutOfOrderCompletions verifies that a stale completed count is ignored
func TestOutOfOrderCompletions(t *testing.T) {
	e, clock := newTestEstimator()
	e.StartLevel(1, 10)

	clock.Advance(time.Second)
	e.OnItemCompleted(3, 10, true)
	e.OnItemCompleted(2, 10, true)

	if got := e.State().Snapshot().Completed; got != 3 {
		t.Errorf("Expected completed 3, got %d", got)
	}
}

// TestProjectRemaining verifies the estimate for levels not yet started
func TestProjectRemaining(t *testing.T) {
	e, clock := newTestEstimator()

	if _, ok := e.ProjectRemaining([]int{5}); ok {
		t.Error("Expected unknown projection before any rate")
	}

	e.StartLevel(1, 100)
	completeItems(e, clock, 0, 5, 100, time.Second)

	seconds, ok := e.ProjectRemaining([]int{40, 16})
	if !ok {
		t.Fatal("Expected known projection")
	}
	// 40 items at 4 img/s plus 16 items at 16 img/s
	if !almostEqual(seconds, 11) {
		t.Errorf("Expected 11s, got %f", seconds)
	}
}

// TestFormat checks ETA and speed rendering
func TestFormat(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0.2, "<1s"},
		{83.4, "1m23s"},
		{3600, "1h0m0s"},
	}
	for _, tt := range tests {
		if got := FormatETA(tt.seconds, true); got != tt.want {
			t.Errorf("FormatETA(%f) = %q, expected %q", tt.seconds, got, tt.want)
		}
	}

	if got := FormatSpeed(12.34); got != "12.3 img/s" {
		t.Errorf("Expected 12.3 img/s, got %q", got)
	}
	if got := FormatSpeed(0); got != Estimating {
		t.Errorf("Expected %q, got %q", Estimating, got)
	}
}
