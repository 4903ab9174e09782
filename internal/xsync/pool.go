// Package xsync provides the bounded worker pools and the completion barrier used to
// fan work out across sessions and devices.
package xsync

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool runs closures on goroutines, at most size at a time.
type Pool struct {
	name string
	sem  *semaphore.Weighted
}

// NewPool returns a pool admitting size concurrent closures.
func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, sem: semaphore.NewWeighted(int64(size))}
}

// Name of the pool, for logs.
func (p *Pool) Name() string { return p.name }

// Schedule queues fn. It never blocks the caller; fn starts once a slot frees up.
func (p *Pool) Schedule(fn func()) {
	go func() {
		// Acquire with a background context cannot fail.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

// Go schedules fn as one of the closures tracked by mw.
func (p *Pool) Go(mw *MultiWait, fn func() error) {
	p.Schedule(mw.Completer(fn))
}
