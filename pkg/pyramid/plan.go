package pyramid

import (
	"fmt"

	"ctpyramid/internal/models"
)

// MaxLevels is the hard cap on the number of generated levels
const MaxLevels = 20

// Plan is the ordered list of levels a run will generate. Levels[0] is
// level 1; the source sequence is level 0.
type Plan struct {
	Source models.Level
	Levels []models.Level
}

// NewPlan halves width and height until both are at most minSize, the level
// cap is reached, or another halving would leave an empty dimension. Each
// level holds ceil(n/2) images of the level below.
func NewPlan(width, height, count, minSize, maxLevels int) (Plan, error) {
	if count <= 0 {
		return Plan{}, ErrNoSources
	}
	if width <= 0 || height <= 0 {
		return Plan{}, fmt.Errorf("invalid source dimensions %dx%d", width, height)
	}
	if minSize < 1 {
		return Plan{}, fmt.Errorf("minimum size must be at least 1, got %d", minSize)
	}
	if maxLevels <= 0 || maxLevels > MaxLevels {
		maxLevels = MaxLevels
	}

	plan := Plan{Source: models.Level{Index: 0, Width: width, Height: height, Count: count}}

	w, h, n := width, height, count
	for (w > minSize || h > minSize) && len(plan.Levels) < maxLevels {
		if w/2 == 0 || h/2 == 0 {
			break
		}
		w, h, n = w/2, h/2, (n+1)/2
		plan.Levels = append(plan.Levels, models.Level{
			Index:  len(plan.Levels) + 1,
			Width:  w,
			Height: h,
			Count:  n,
		})
	}

	return plan, nil
}

// Last returns the smallest level, or the source level if nothing is planned
func (p Plan) Last() models.Level {
	if len(p.Levels) == 0 {
		return p.Source
	}
	return p.Levels[len(p.Levels)-1]
}

// SourceOf returns the level that level k is reduced from
func (p Plan) SourceOf(k int) models.Level {
	if k <= 1 {
		return p.Source
	}
	return p.Levels[k-2]
}

// TotalImages returns the number of images written by the whole plan
func (p Plan) TotalImages() int {
	total := 0
	for _, l := range p.Levels {
		total += l.Count
	}
	return total
}
