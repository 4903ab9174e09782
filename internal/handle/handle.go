// Package handle tracks server-side handles and releases them in the background.
//
// Every device buffer and compiled program lives on a worker under an integer handle.
// A Token owns one handle: it is shared with Retain and dropped with Release, and the
// last Release queues the handle on the Releaser without blocking. The Releaser
// batches queued handles per device and frees them with one RPC per device and kind.
package handle

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Kind of server handle.
type Kind int

const (
	KindData Kind = iota
	KindCompilation
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCompilation:
		return "compile"
	}
	return "unknown"
}

// Request asks for one handle to be released.
type Request struct {
	Kind   Kind
	Device string
	Handle int64
}

// Token is a reference counted owner of a server handle.
type Token struct {
	refs     atomic.Int32
	req      Request
	releaser *Releaser
}

// NewToken registers a live handle. The returned token holds one reference.
func (r *Releaser) NewToken(kind Kind, device string, h int64) *Token {
	t := &Token{req: Request{Kind: kind, Device: device, Handle: h}, releaser: r}
	t.refs.Store(1)
	handlesCreated.WithLabelValues(kind.String()).Inc()
	return t
}

// Handle is the server handle.
func (t *Token) Handle() int64 { return t.req.Handle }

// Device is the device owning the handle.
func (t *Token) Device() string { return t.req.Device }

// Kind of the handle.
func (t *Token) Kind() Kind { return t.req.Kind }

// Live reports whether the token still holds references.
func (t *Token) Live() bool { return t.refs.Load() > 0 }

// Retain adds a reference and returns t. A token whose references are all gone
// stays released: Retain returns nil.
func (t *Token) Retain() *Token {
	for {
		n := t.refs.Load()
		if n <= 0 {
			log.Error().Str("kind", t.req.Kind.String()).Int64("handle", t.req.Handle).Msg("retained a released handle")
			return nil
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return t
		}
	}
}

// Release drops a reference. The last one queues the handle for release.
func (t *Token) Release() {
	for {
		n := t.refs.Load()
		if n <= 0 {
			log.Error().Str("kind", t.req.Kind.String()).Int64("handle", t.req.Handle).Msg("handle released more than once")
			return
		}
		if t.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				t.releaser.enqueue(t.req)
			}
			return
		}
	}
}
