package workerpool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// stallWatch warns when a level makes no progress for timeout while items
// are still in flight. It never changes the outcome of the level.
type stallWatch struct {
	coll     *collector
	timeout  time.Duration
	poll     time.Duration
	inFlight func() int
	log      zerolog.Logger

	mu     sync.Mutex
	stalls int

	stop chan struct{}
	done chan struct{}
}

func startStallWatch(coll *collector, timeout, poll time.Duration, inFlight func() int, log zerolog.Logger) *stallWatch {
	w := &stallWatch{
		coll:     coll,
		timeout:  timeout,
		poll:     poll,
		inFlight: inFlight,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *stallWatch) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	// warned counts the timeouts already reported for the current quiet period
	warned := 0
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		quiet := w.coll.sinceLastCompletion()
		if quiet < w.timeout {
			warned = 0
			continue
		}
		active := w.inFlight()
		if active == 0 {
			continue
		}
		if periods := int(quiet / w.timeout); periods > warned {
			warned = periods
			w.mu.Lock()
			w.stalls++
			w.mu.Unlock()

			done, _ := w.coll.status()
			w.log.Warn().
				Int("level", w.coll.level).
				Dur("quiet", quiet).
				Int("in_flight", active).
				Int("completed", done).
				Int("total", w.coll.total).
				Msg("no completions, workers may be stalled")
		}
	}
}

// Stop ends the watch and returns the number of stall warnings issued
func (w *stallWatch) Stop() int {
	close(w.stop)
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalls
}
