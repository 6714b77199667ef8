package pyramid

import (
	"fmt"
	"sync"

	"ctpyramid/pkg/progress"
)

// ProgressFunc receives the blended completion percentage of the run
type ProgressFunc func(percent float64, message string)

// DetailFunc receives the formatted ETA and speed
type DetailFunc func(eta, speed string)

// blender folds per-level completions into one 0-100 stream. Each level is
// weighted by images x pixels, with level 1 scaled up for cold disk reads.
// Callbacks are invoked under the blender's lock so the host always sees a
// non-decreasing sequence; they must not call back into the run.
type blender struct {
	mu sync.Mutex

	plan    Plan
	weights []float64
	offsets []float64
	current int
	last    float64

	est        *progress.Estimator
	onProgress ProgressFunc
	onDetail   DetailFunc
}

func newBlender(plan Plan, firstLevelWeight float64, est *progress.Estimator, onProgress ProgressFunc, onDetail DetailFunc) *blender {
	b := &blender{
		plan:       plan,
		weights:    make([]float64, len(plan.Levels)),
		offsets:    make([]float64, len(plan.Levels)),
		est:        est,
		onProgress: onProgress,
		onDetail:   onDetail,
	}

	var sum float64
	for i, l := range plan.Levels {
		w := float64(l.Count) * float64(l.Width) * float64(l.Height)
		if i == 0 {
			w *= firstLevelWeight
		}
		b.weights[i] = w
		sum += w
	}
	var offset float64
	for i := range b.weights {
		if sum > 0 {
			b.weights[i] /= sum
		}
		b.offsets[i] = offset
		offset += b.weights[i]
	}
	return b
}

// startLevel announces level index i of the plan
func (b *blender) startLevel(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = i
	l := b.plan.Levels[i]
	b.emit(b.offsets[i], fmt.Sprintf("Level %d/%d: %dx%d, %d images",
		l.Index, len(b.plan.Levels), l.Width, l.Height, l.Count))
}

// OnItemCompleted implements workerpool.Observer
func (b *blender) OnItemCompleted(completed, total int, fresh bool) {
	b.est.OnItemCompleted(completed, total, fresh)

	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.current
	fraction := 1.0
	if total > 0 {
		fraction = float64(completed) / float64(total)
	}
	l := b.plan.Levels[i]
	b.emit(b.offsets[i]+b.weights[i]*fraction, fmt.Sprintf("Level %d/%d: %d of %d images",
		l.Index, len(b.plan.Levels), completed, total))

	if b.onDetail == nil {
		return
	}
	info := b.est.StageInfo()
	remaining := make([]int, 0, len(b.plan.Levels)-i-1)
	for _, next := range b.plan.Levels[i+1:] {
		remaining = append(remaining, next.Count)
	}
	future, ok := b.est.ProjectRemaining(remaining)
	b.onDetail(progress.FormatETA(info.ETASeconds+future, info.Known && ok), progress.FormatSpeed(info.Speed))
}

// finish reports completion of the whole run
func (b *blender) finish(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit(1, message)
	if speed := b.est.State().Snapshot().Speed; b.onDetail != nil && speed > 0 {
		b.onDetail("0s", progress.FormatSpeed(speed))
	}
}

func (b *blender) emit(fraction float64, message string) {
	percent := fraction * 100
	if percent > 100 {
		percent = 100
	}
	if percent < b.last {
		percent = b.last
	}
	b.last = percent
	if b.onProgress != nil {
		b.onProgress(percent, message)
	}
}
