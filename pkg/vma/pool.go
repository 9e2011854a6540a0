package vma

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	minWorkers = 2
	// queueFactor bounds decoder read-ahead: each queued job can hold a
	// full cluster buffer.
	queueFactor = 4
)

// poolWorkers clamps a requested worker count, 0 meaning one per hardware
// thread.
func poolWorkers(requested int) int {
	n := requested
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < minWorkers {
		n = minWorkers
	}
	return n
}

// writePool runs a fixed set of workers draining cluster placements from a
// bounded queue. The extractor is the sole submitter; backpressure on a full
// queue suspends it. The first worker error cancels the pool, queued jobs
// after that point are discarded, and the error surfaces from wait.
type writePool struct {
	jobs   chan placement
	g      *errgroup.Group
	ctx    context.Context
	closed bool
}

func newWritePool(ctx context.Context, workers int, place func(placement) error) *writePool {
	g, ctx := errgroup.WithContext(ctx)
	p := &writePool{
		jobs: make(chan placement, queueFactor*workers),
		g:    g,
		ctx:  ctx,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for job := range p.jobs {
				if p.ctx.Err() != nil {
					// draining after a failure elsewhere
					continue
				}
				if err := place(job); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return p
}

// submit enqueues one placement, blocking while the queue is full. It fails
// once the pool has been cancelled by a worker error or the caller's
// context.
func (p *writePool) submit(job placement) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// close ends submission; idempotent.
func (p *writePool) close() {
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
}

// wait blocks until all workers have drained and exited, returning the first
// worker error.
func (p *writePool) wait() error {
	p.close()
	return p.g.Wait()
}
