package workerpool

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// collector gathers the results of one level. The result map is the only
// structure written by several workers at once.
type collector struct {
	mu sync.Mutex

	level   int
	total   int
	results map[int]image.Image

	substituted int
	duplicates  int
	fatal       error

	started        time.Time
	lastCompletion time.Time

	// changed receives a token whenever the collector state moves
	changed chan struct{}

	log zerolog.Logger
}

func newCollector(level, total int, log zerolog.Logger) *collector {
	now := time.Now()
	return &collector{
		level:          level,
		total:          total,
		results:        make(map[int]image.Image, total),
		started:        now,
		lastCompletion: now,
		changed:        make(chan struct{}, 1),
		log:            log,
	}
}

// put stores the result for index. It returns the number of results held
// and false if the result was rejected.
func (c *collector) put(index int, img image.Image, substituted bool) (int, bool) {
	c.mu.Lock()

	if index < 0 || index >= c.total {
		c.mu.Unlock()
		c.log.Error().
			Int("level", c.level).
			Int("output", index).
			Int("total", c.total).
			Msg("result index out of range, discarded")
		return 0, false
	}

	if _, exists := c.results[index]; exists {
		c.duplicates++
		c.mu.Unlock()
		c.log.Warn().
			Int("level", c.level).
			Int("output", index).
			Msg("duplicate completion, discarded")
		return 0, false
	}

	c.results[index] = img
	if substituted {
		c.substituted++
	}
	c.lastCompletion = time.Now()
	completed := len(c.results)
	c.mu.Unlock()

	c.signal()
	return completed, true
}

// fail records the first fatal error of the level
func (c *collector) fail(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()

	c.log.Error().Err(err).Int("level", c.level).Msg("level failed")
	c.signal()
}

func (c *collector) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// status returns the completion count and fatal error
func (c *collector) status() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results), c.fatal
}

// sinceLastCompletion returns the time since the most recent result
func (c *collector) sinceLastCompletion() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastCompletion)
}

// waitUntil blocks until total results are present, a fatal error is
// recorded, or isCancelled returns true. It reports cancellation.
func (c *collector) waitUntil(total int, isCancelled func() bool, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		done, fatal := c.status()
		if done >= total || fatal != nil {
			return false
		}
		if isCancelled() {
			return true
		}
		select {
		case <-c.changed:
		case <-ticker.C:
		}
	}
}

// ordered returns the results in index order
func (c *collector) ordered(total int, isCancelled func() bool, poll time.Duration) ([]image.Image, error) {
	if c.waitUntil(total, isCancelled, poll) {
		return nil, ErrCancelled
	}
	return c.snapshot(total)
}

// snapshot returns the results in index order without waiting
func (c *collector) snapshot(total int) ([]image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil {
		return nil, c.fatal
	}

	images := make([]image.Image, total)
	for i := range images {
		img, ok := c.results[i]
		if !ok {
			return nil, fmt.Errorf("level %d: missing result for output %d", c.level, i)
		}
		images[i] = img
	}
	return images, nil
}

// stats summarizes the level; a zero finished time means still running
func (c *collector) stats(stalls int, finished time.Time) LevelStats {
	if finished.IsZero() {
		finished = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return LevelStats{
		Level:       c.level,
		Items:       len(c.results),
		Substituted: c.substituted,
		Duplicates:  c.duplicates,
		Stalls:      stalls,
		Elapsed:     finished.Sub(c.started),
	}
}
