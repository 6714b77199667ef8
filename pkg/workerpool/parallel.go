package workerpool

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

type parallelBackend struct {
	opts Options

	level    int
	total    int
	proc     Processor
	jobs     chan WorkItem
	queued   bool // jobs still open for Submit
	coll     *collector
	wg       sync.WaitGroup
	active   atomic.Int32
	stopped  atomic.Bool
	stalls   int
	finished time.Time
}

func newParallel(opts Options) *parallelBackend {
	return &parallelBackend{opts: opts}
}

func (p *parallelBackend) Name() string { return p.opts.Kind }

func (p *parallelBackend) BeginLevel(level, total int, proc Processor) {
	p.drain()

	p.level = level
	p.total = total
	p.proc = proc
	p.jobs = make(chan WorkItem, total)
	p.queued = true
	p.coll = newCollector(level, total, p.opts.Logger)
	p.stopped.Store(false)
	p.stalls = 0
	p.finished = time.Time{}

	workers := p.opts.IOWorkers
	if workers > total {
		workers = total
	}
	p.opts.Logger.Debug().
		Int("level", level).
		Int("total", total).
		Int("io_workers", workers).
		Int("reduce_workers", p.opts.ReduceWorkers).
		Msg("starting level")

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(p.jobs, p.coll, proc)
	}
}

// worker runs whole items one at a time so the reads of an image pair are
// issued from a single goroutine
func (p *parallelBackend) worker(jobs <-chan WorkItem, coll *collector, proc Processor) {
	defer p.wg.Done()
	for item := range jobs {
		if p.stopped.Load() {
			continue
		}
		p.active.Add(1)
		runItem(item, proc, p.opts.ReduceWorkers, coll, p.opts.Observer, p.opts.Logger)
		p.active.Add(-1)

		if _, fatal := coll.status(); fatal != nil {
			p.stopped.Store(true)
		}
	}
}

func (p *parallelBackend) Submit(item WorkItem) {
	if !p.queued {
		p.opts.Logger.Error().Int("output", item.Output).Msg("submit outside of an open level, ignored")
		return
	}
	select {
	case p.jobs <- item:
	default:
		p.opts.Logger.Error().
			Int("level", p.level).
			Int("output", item.Output).
			Int("total", p.total).
			Msg("more items submitted than announced, ignored")
	}
}

func (p *parallelBackend) closeQueue() {
	if p.queued {
		close(p.jobs)
		p.queued = false
	}
}

func (p *parallelBackend) WaitForLevelCompletion(total int) bool {
	if p.coll == nil {
		return false
	}
	p.closeQueue()

	watch := startStallWatch(p.coll, p.opts.StallTimeout, p.opts.PollInterval,
		func() int { return int(p.active.Load()) }, p.opts.Logger)

	cancelled := p.coll.waitUntil(total, p.opts.IsCancelled, p.opts.PollInterval)
	if cancelled {
		p.opts.Logger.Info().Int("level", p.level).Msg("cancellation observed, letting in-flight items finish")
		p.stopped.Store(true)
	}

	p.wg.Wait()
	p.stalls = watch.Stop()
	p.finished = time.Now()
	return cancelled
}

func (p *parallelBackend) OrderedResults(total int) ([]image.Image, error) {
	if p.coll == nil {
		return nil, ErrCancelled
	}
	return p.coll.ordered(total, p.opts.IsCancelled, p.opts.PollInterval)
}

func (p *parallelBackend) Stats() LevelStats {
	if p.coll == nil {
		return LevelStats{}
	}
	return p.coll.stats(p.stalls, p.finished)
}

// drain stops any workers left from a level that was never waited on
func (p *parallelBackend) drain() {
	if p.jobs == nil {
		return
	}
	p.stopped.Store(true)
	p.closeQueue()
	p.wg.Wait()
}

func (p *parallelBackend) Close() {
	p.drain()
}
