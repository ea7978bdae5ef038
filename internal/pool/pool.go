// Package pool implements the bounded worker pool of spec.md §4.3: a
// cooperative, FIFO-dispatched admission gate in front of a job
// function, with cancellation propagating to every in-flight job.
//
// The teacher (internal/transport.Upsert) spins up one goroutine per
// CPU and feeds them from an unbounded job channel, tallying
// completion on a `done chan bool`. Pool generalizes that into a
// reusable primitive: a semaphore bounds concurrency to max_workers,
// and golang.org/x/sync/errgroup replaces the done-channel tally with
// Wait()/cancellation-aware error propagation.
package pool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Job is the unit of work submitted to a Pool.
type Job func(ctx context.Context) error

// Pool bounds concurrent execution of Jobs to a fixed worker count.
type Pool struct {
	sem    chan struct{}
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Pool that runs at most maxWorkers Jobs concurrently.
// The returned Pool's context is derived from ctx; cancelling ctx (or
// calling Cancel) cancels every in-flight job and unblocks any
// submitter waiting for an admission slot.
func New(ctx context.Context, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	return &Pool{
		sem:    make(chan struct{}, maxWorkers),
		group:  group,
		ctx:    groupCtx,
		cancel: cancel,
	}
}

// Submit blocks the caller when the in-flight set equals max_workers,
// then enqueues job to run on its own goroutine and returns
// immediately (spec.md §4.3). A submit that observes cancellation
// before acquiring a slot returns the cancellation error instead of
// admitting the job.
func (p *Pool) Submit(job Job) error {
	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		return fmt.Errorf("pool: submit cancelled: %w", p.ctx.Err())
	}

	p.group.Go(func() error {
		defer func() { <-p.sem }()
		return job(p.ctx)
	})

	return nil
}

// Join waits for all submitted jobs to finish, returning the first
// non-nil error any job returned (spec.md §4.3 join semantics).
func (p *Pool) Join() error {
	return p.group.Wait()
}

// Cancel cancels every in-flight job and unblocks any pending Submit
// calls (spec.md §4.3, §5).
func (p *Pool) Cancel() {
	p.cancel()
}

// Context returns the pool's context, cancelled by Cancel or by the
// parent context the Pool was built from.
func (p *Pool) Context() context.Context {
	return p.ctx
}
