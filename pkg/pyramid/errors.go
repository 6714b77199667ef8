package pyramid

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNoSources is returned when the sequence holds no images
	ErrNoSources = errors.New("no usable source images")

	// ErrLevelBudget is returned when a level's buffer exceeds the memory limit
	ErrLevelBudget = errors.New("level buffer exceeds memory budget")
)

// LevelError is the single fatal error of a run. Level is 0 for failures
// that happen before the first level starts.
type LevelError struct {
	Level int
	Op    string
	Err   error
}

func (e *LevelError) Error() string {
	return fmt.Sprintf("level %d: %s: %v", e.Level, e.Op, e.Err)
}

func (e *LevelError) Unwrap() error {
	return e.Err
}

// CancelToken is a cancellation flag shared between a host and a run.
// Once set it stays set.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel requests cooperative cancellation
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
}

// IsCancelled reports whether Cancel was called
func (t *CancelToken) IsCancelled() bool {
	return t.flag.Load()
}
