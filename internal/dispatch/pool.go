// Package dispatch owns the job scheduling machinery: per-pipeline
// processors, their worker pools, and the outer dispatcher loop.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

type futureState int

const (
	statePending futureState = iota
	stateRunning
	stateDone
	stateCancelled
)

// Future is a handle to one scheduled job. It completes exactly once, as
// done, failed, or cancelled.
type Future struct {
	mu              sync.Mutex
	state           futureState
	cancelRequested bool
	err             error
	cancel          context.CancelFunc
	done            chan struct{}
}

// Done reports whether the job reached a terminal state.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the job reaches a terminal state.
func (f *Future) Wait() { <-f.done }

// Err returns the job error, if any. Only meaningful once Done.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Cancelled reports whether the job ended by cancellation. Cancelled jobs
// are neither successes nor failures.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCancelled
}

// Cancel attempts to stop the job. Pending jobs never start; running jobs
// get their context cancelled and finish as cancelled. Returns false once
// the job has already completed.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateDone {
		return false
	}
	f.cancelRequested = true
	f.cancel()
	return true
}

// Pool runs jobs on a bounded set of workers. Scheduling never blocks;
// excess jobs wait for a free slot.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool with capacity workers.
func NewPool(workers int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Schedule queues fn for execution and returns its future. The job context
// is cancelled by Future.Cancel or when ctx itself ends.
func (p *Pool) Schedule(ctx context.Context, fn func(ctx context.Context) error) *Future {
	jobCtx, cancel := context.WithCancel(ctx)
	f := &Future{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer cancel()
		if err := p.sem.Acquire(jobCtx, 1); err != nil {
			f.mu.Lock()
			f.state = stateCancelled
			f.mu.Unlock()
			return
		}
		defer p.sem.Release(1)

		f.mu.Lock()
		if f.cancelRequested {
			f.state = stateCancelled
			f.mu.Unlock()
			return
		}
		f.state = stateRunning
		f.mu.Unlock()

		err := fn(jobCtx)

		f.mu.Lock()
		if errors.Is(err, context.Canceled) {
			// Cancelled mid-flight, by duplicate detection or shutdown.
			f.state = stateCancelled
		} else {
			f.state = stateDone
			f.err = err
		}
		f.mu.Unlock()
	}()
	return f
}
