package xsync

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// MultiWait blocks until a known number of closures have completed.
// It keeps the first error reported.
type MultiWait struct {
	mu        sync.Mutex
	cond      *sync.Cond
	count     int
	completed int
	err       error
}

// NewMultiWait tracks count completions.
func NewMultiWait(count int) *MultiWait {
	mw := &MultiWait{count: count}
	mw.cond = sync.NewCond(&mw.mu)
	return mw
}

// Done signals one completion.
func (mw *MultiWait) Done(err error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.completed++
	if err != nil && mw.err == nil {
		mw.err = err
	}
	if mw.completed >= mw.count {
		mw.cond.Broadcast()
	}
}

// Completer wraps fn so that running it signals a completion. A panic in fn is
// reported as the error of that completion.
func (mw *MultiWait) Completer(fn func() error) func() {
	return func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.WithStack(fmt.Errorf("panic: %v", r))
			}
			mw.Done(err)
		}()
		err = fn()
	}
}

// Wait blocks until every tracked completion was signalled and returns the first
// error.
func (mw *MultiWait) Wait() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	for mw.completed < mw.count {
		mw.cond.Wait()
	}
	return mw.err
}

// Reset rearms the barrier for count new completions. It must not be called while
// a Wait is in progress.
func (mw *MultiWait) Reset(count int) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.count = count
	mw.completed = 0
	mw.err = nil
}
