package workerpool

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ctpyramid/pkg/config"
)

// fakeProcessor produces 2x2 images whose first pixel encodes the output index
type fakeProcessor struct {
	mu        sync.Mutex
	fail      map[int]bool
	reused    map[int]bool
	commitErr error
	delay     func(WorkItem) time.Duration

	started   atomic.Int32
	committed atomic.Int32
	workers   []int
}

func (f *fakeProcessor) Process(item WorkItem, reduceWorkers int) (Output, error) {
	f.started.Add(1)
	f.mu.Lock()
	f.workers = append(f.workers, reduceWorkers)
	fail, reused := f.fail[item.Output], f.reused[item.Output]
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(item))
	}
	if fail {
		return Output{}, errors.New("corrupt source")
	}
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix[0] = uint8(item.Output + 1)
	return Output{Image: img, Reused: reused}, nil
}

func (f *fakeProcessor) Placeholder(item WorkItem) image.Image {
	return image.NewGray(image.Rect(0, 0, 2, 2))
}

func (f *fakeProcessor) Commit(item WorkItem, img image.Image) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed.Add(1)
	return nil
}

// recordingObserver counts completions reported by a backend
type recordingObserver struct {
	calls    atomic.Int32
	fresh    atomic.Int32
	maxCount atomic.Int32
}

func (r *recordingObserver) OnItemCompleted(completed, total int, fresh bool) {
	r.calls.Add(1)
	if fresh {
		r.fresh.Add(1)
	}
	for {
		cur := r.maxCount.Load()
		if int32(completed) <= cur || r.maxCount.CompareAndSwap(cur, int32(completed)) {
			return
		}
	}
}

func newBackend(t *testing.T, kind string, observer Observer, isCancelled func() bool) Backend {
	t.Helper()
	b, err := New(Options{
		Kind:          kind,
		IOWorkers:     3,
		ReduceWorkers: 4,
		StallTimeout:  time.Minute,
		PollInterval:  2 * time.Millisecond,
		IsCancelled:   isCancelled,
		Observer:      observer,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create %s backend: %v", kind, err)
	}
	return b
}

func runLevel(b Backend, proc Processor, total int) (bool, []image.Image, error) {
	b.BeginLevel(1, total, proc)
	for _, item := range ItemsForLevel(1, 2*total) {
		b.Submit(item)
	}
	cancelled := b.WaitForLevelCompletion(total)
	results, err := b.OrderedResults(total)
	return cancelled, results, err
}

// TestItemsForLevel verifies the pairing and carry-through partition
func TestItemsForLevel(t *testing.T) {
	tests := []struct {
		sources   int
		wantCount int
		carry     bool
	}{
		{1, 1, true},
		{2, 1, false},
		{7, 4, true},
		{10, 5, false},
	}

	for _, tt := range tests {
		items := ItemsForLevel(2, tt.sources)
		if len(items) != tt.wantCount {
			t.Errorf("sources=%d: expected %d items, got %d", tt.sources, tt.wantCount, len(items))
			continue
		}
		seen := make(map[int]bool)
		for i, item := range items {
			if item.Output != i || item.Level != 2 || item.Low != 2*i {
				t.Errorf("sources=%d: unexpected item %+v at %d", tt.sources, item, i)
			}
			seen[item.Low] = true
			if !item.IsCarryThrough() {
				seen[item.High] = true
			}
		}
		if len(seen) != tt.sources {
			t.Errorf("sources=%d: items cover %d sources", tt.sources, len(seen))
		}
		if last := items[len(items)-1]; last.IsCarryThrough() != tt.carry {
			t.Errorf("sources=%d: expected carry-through %v, got %+v", tt.sources, tt.carry, last)
		}
	}
}

// TestOrderedResults verifies index order regardless of completion order
func TestOrderedResults(t *testing.T) {
	for _, kind := range []string{config.BackendParallel, config.BackendSequential} {
		t.Run(kind, func(t *testing.T) {
			obs := &recordingObserver{}
			b := newBackend(t, kind, obs, nil)
			defer b.Close()

			// later items finish first
			proc := &fakeProcessor{delay: func(item WorkItem) time.Duration {
				return time.Duration(12-item.Output) * time.Millisecond
			}}

			cancelled, results, err := runLevel(b, proc, 12)
			if cancelled || err != nil {
				t.Fatalf("Unexpected outcome: cancelled=%v err=%v", cancelled, err)
			}
			for i, img := range results {
				if got := img.(*image.Gray).Pix[0]; got != uint8(i+1) {
					t.Errorf("Result %d holds output %d", i, int(got)-1)
				}
			}
			if obs.calls.Load() != 12 || obs.maxCount.Load() != 12 {
				t.Errorf("Expected 12 completions reported, got %d (max %d)", obs.calls.Load(), obs.maxCount.Load())
			}
			if b.Name() != kind {
				t.Errorf("Expected name %q, got %q", kind, b.Name())
			}
		})
	}
}

// TestReduceWorkersPerBackend verifies the row split each backend requests
func TestReduceWorkersPerBackend(t *testing.T) {
	want := map[string]int{config.BackendParallel: 4, config.BackendSequential: 1}
	for kind, workers := range want {
		b := newBackend(t, kind, nil, nil)
		proc := &fakeProcessor{}
		if _, _, err := runLevel(b, proc, 3); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		for _, got := range proc.workers {
			if got != workers {
				t.Errorf("%s: expected %d reduce workers, got %d", kind, workers, got)
			}
		}
		b.Close()
	}
}

// TestPlaceholderSubstitution verifies that item errors become blank results
func TestPlaceholderSubstitution(t *testing.T) {
	for _, kind := range []string{config.BackendParallel, config.BackendSequential} {
		t.Run(kind, func(t *testing.T) {
			obs := &recordingObserver{}
			b := newBackend(t, kind, obs, nil)
			defer b.Close()

			proc := &fakeProcessor{fail: map[int]bool{1: true}}
			_, results, err := runLevel(b, proc, 5)
			if err != nil {
				t.Fatalf("Item failure must not fail the level: %v", err)
			}
			if got := results[1].(*image.Gray).Pix[0]; got != 0 {
				t.Errorf("Expected blank placeholder at 1, got %d", got)
			}
			if got := results[2].(*image.Gray).Pix[0]; got != 3 {
				t.Errorf("Expected real result at 2, got %d", got)
			}
			if stats := b.Stats(); stats.Substituted != 1 || stats.Items != 5 {
				t.Errorf("Expected 5 items with 1 substitution, got %+v", stats)
			}
			if proc.committed.Load() != 5 {
				t.Errorf("Expected placeholder to be committed too, got %d commits", proc.committed.Load())
			}
			if obs.fresh.Load() != 4 {
				t.Errorf("Expected 4 fresh completions, got %d", obs.fresh.Load())
			}
		})
	}
}

// TestReusedItemsNotCommitted verifies reused outputs skip the write
func TestReusedItemsNotCommitted(t *testing.T) {
	obs := &recordingObserver{}
	b := newBackend(t, config.BackendParallel, obs, nil)
	defer b.Close()

	proc := &fakeProcessor{reused: map[int]bool{0: true, 1: true, 2: true}}
	if _, _, err := runLevel(b, proc, 3); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if proc.committed.Load() != 0 {
		t.Errorf("Expected no commits, got %d", proc.committed.Load())
	}
	if obs.fresh.Load() != 0 || obs.calls.Load() != 3 {
		t.Errorf("Expected 3 non-fresh completions, got %d calls %d fresh", obs.calls.Load(), obs.fresh.Load())
	}
}

// TestCommitFailureIsFatal verifies that write errors surface from OrderedResults
func TestCommitFailureIsFatal(t *testing.T) {
	diskFull := errors.New("no space left on device")
	for _, kind := range []string{config.BackendParallel, config.BackendSequential} {
		t.Run(kind, func(t *testing.T) {
			b := newBackend(t, kind, nil, nil)
			defer b.Close()

			cancelled, _, err := runLevel(b, &fakeProcessor{commitErr: diskFull}, 6)
			if cancelled {
				t.Error("A fatal error is not a cancellation")
			}
			if !errors.Is(err, diskFull) {
				t.Errorf("Expected wrapped disk error, got %v", err)
			}
		})
	}
}

// TestCancellation verifies that in-flight items finish and queued items are skipped
func TestCancellation(t *testing.T) {
	for _, kind := range []string{config.BackendParallel, config.BackendSequential} {
		t.Run(kind, func(t *testing.T) {
			obs := &recordingObserver{}
			isCancelled := func() bool { return obs.calls.Load() >= 3 }
			b := newBackend(t, kind, obs, isCancelled)
			defer b.Close()

			proc := &fakeProcessor{delay: func(WorkItem) time.Duration { return 5 * time.Millisecond }}
			cancelled, results, err := runLevel(b, proc, 40)

			if !cancelled {
				t.Fatal("Expected level to be cancelled")
			}
			if !errors.Is(err, ErrCancelled) || results != nil {
				t.Errorf("Expected ErrCancelled and no results, got %v (%d results)", err, len(results))
			}
			if started, committed := proc.started.Load(), proc.committed.Load(); started != committed {
				t.Errorf("In-flight items must finish: started %d, committed %d", started, committed)
			}
			if proc.committed.Load() >= 40 {
				t.Errorf("Expected queued items to be skipped, %d committed", proc.committed.Load())
			}
		})
	}
}

// TestStallDetection verifies that a slow item is reported but tolerated
func TestStallDetection(t *testing.T) {
	b, err := New(Options{
		Kind:         config.BackendParallel,
		IOWorkers:    1,
		StallTimeout: 20 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer b.Close()

	proc := &fakeProcessor{delay: func(item WorkItem) time.Duration {
		if item.Output == 1 {
			return 150 * time.Millisecond
		}
		return 0
	}}

	cancelled, results, err := runLevel(b, proc, 3)
	if cancelled || err != nil || len(results) != 3 {
		t.Fatalf("Stall must not change the outcome: cancelled=%v err=%v results=%d", cancelled, err, len(results))
	}
	if stats := b.Stats(); stats.Stalls < 1 {
		t.Errorf("Expected at least one stall warning, got %+v", stats)
	}
}

// TestDuplicateCompletion verifies that a second result for an index is discarded
func TestDuplicateCompletion(t *testing.T) {
	c := newCollector(1, 2, zerolog.Nop())

	first := image.NewGray(image.Rect(0, 0, 1, 1))
	second := image.NewGray(image.Rect(0, 0, 1, 1))
	second.Pix[0] = 9

	if _, ok := c.put(0, first, false); !ok {
		t.Fatal("First completion rejected")
	}
	if _, ok := c.put(0, second, false); ok {
		t.Error("Duplicate completion accepted")
	}
	if _, ok := c.put(5, second, false); ok {
		t.Error("Out of range completion accepted")
	}
	if n, ok := c.put(1, second, false); !ok || n != 2 {
		t.Errorf("Expected 2 results, got %d (%v)", n, ok)
	}

	results, err := c.ordered(2, func() bool { return false }, time.Millisecond)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if results[0] != image.Image(first) {
		t.Error("Duplicate replaced the original result")
	}
	if stats := c.stats(0, time.Time{}); stats.Duplicates != 1 {
		t.Errorf("Expected 1 duplicate, got %d", stats.Duplicates)
	}
}

// TestBackendsAgree verifies both backends deliver identical results
func TestBackendsAgree(t *testing.T) {
	var outputs [2][]image.Image
	for i, kind := range []string{config.BackendParallel, config.BackendSequential} {
		b := newBackend(t, kind, nil, nil)
		_, results, err := runLevel(b, &fakeProcessor{fail: map[int]bool{4: true}}, 9)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		outputs[i] = results
		b.Close()
	}

	for i := range outputs[0] {
		a := outputs[0][i].(*image.Gray).Pix[0]
		s := outputs[1][i].(*image.Gray).Pix[0]
		if a != s {
			t.Errorf("Output %d differs: parallel %d, sequential %d", i, a, s)
		}
	}
}

// TestUnknownBackend verifies backend selection errors
func TestUnknownBackend(t *testing.T) {
	if _, err := New(Options{Kind: "gpu"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
