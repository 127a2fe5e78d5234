// Package sched carries the scheduler-facing surface of the tree core.
//
// The real scheduler lives outside the core: it watches sampling stats,
// decides which node to compact next and dispatches jobs. The core only
// notifies it of ingest growth and hands finished work back through a
// callback. Pool is a minimal dispatcher for tests and tooling.
package sched

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler is what the tree notifies about ingest growth.
type Scheduler interface {
	// NotifyIngest reports the root growth deltas of one ingest.
	NotifyIngest(cnid uint64, dRAlen, dRWlen uint64)
}

// Nop is a Scheduler that ignores notifications.
type Nop struct{}

// NotifyIngest implements Scheduler.
func (Nop) NotifyIngest(uint64, uint64, uint64) {}

// Pool runs submitted jobs on a bounded set of workers. Each job runs to
// completion on one worker.
type Pool struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with at most n concurrent workers.
func NewPool(n int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	return &Pool{g: g, ctx: ctx, cancel: cancel}
}

// Submit schedules fn on the pool. Returns false after Close.
func (p *Pool) Submit(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	p.g.Go(func() error {
		fn()
		return nil
	})
	return true
}

// Close waits for in-flight jobs and shuts the pool down.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.g.Wait()
	p.cancel()
	return err
}
