package handle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ReleaseFunc frees handles of one kind owned by one device with a single RPC.
type ReleaseFunc func(ctx context.Context, kind Kind, device string, handles []int64) error

// Releaser frees queued handles from a single background goroutine.
type Releaser struct {
	release ReleaseFunc
	threads int

	breakerFailures int
	breakerCooldown time.Duration
	breakersMu      sync.Mutex
	breakers        map[string]*breaker

	mu        sync.Mutex
	cond      *sync.Cond
	pending   [numKinds][]Request
	enqueued  uint64
	processed uint64
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// SetBreaker configures the per-device breaker: after failures consecutive failed
// release RPCs a device's handles are dropped without an RPC for cooldown.
func (r *Releaser) SetBreaker(failures int, cooldown time.Duration) {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	r.breakerFailures = failures
	r.breakerCooldown = cooldown
	clear(r.breakers)
}

// NewReleaser starts a releaser issuing up to threads release RPCs at a time.
func NewReleaser(release ReleaseFunc, threads int) *Releaser {
	if threads < 1 {
		threads = 1
	}
	r := &Releaser{
		release:         release,
		threads:         threads,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
		breakers:        make(map[string]*breaker),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

func (r *Releaser) enqueue(req Request) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		releaseFailures.WithLabelValues(req.Kind.String()).Inc()
		log.Warn().Str("kind", req.Kind.String()).Int64("handle", req.Handle).Msg("releaser closed, leaking handle")
		return
	}
	r.pending[req.Kind] = append(r.pending[req.Kind], req)
	r.enqueued++
	// Signalled under the lock so Close cannot close wake in between.
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()
	handlesPending.WithLabelValues(req.Kind.String()).Inc()
}

func (r *Releaser) run() {
	defer close(r.done)
	for range r.wake {
		r.drain()
	}
}

type group struct {
	kind   Kind
	device string
}

// drain takes everything queued so far and releases it, one RPC per device and kind.
func (r *Releaser) drain() {
	r.mu.Lock()
	var batch [numKinds][]Request
	for k := range r.pending {
		batch[k], r.pending[k] = r.pending[k], nil
	}
	r.mu.Unlock()

	groups := make(map[group][]int64)
	var count uint64
	for _, reqs := range batch {
		for _, req := range reqs {
			g := group{kind: req.Kind, device: req.Device}
			groups[g] = append(groups[g], req.Handle)
			count++
		}
	}
	if count == 0 {
		return
	}

	keys := make([]group, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].device < keys[j].device
	})

	var eg errgroup.Group
	eg.SetLimit(r.threads)
	for _, g := range keys {
		handles := groups[g]
		eg.Go(func() error {
			r.releaseGroup(g, handles)
			return nil
		})
	}
	_ = eg.Wait()

	r.mu.Lock()
	r.processed += count
	r.cond.Broadcast()
	r.mu.Unlock()
}

// breaker returns the release breaker of a device.
func (r *Releaser) breaker(device string) *breaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[device]
	if !ok {
		b = newBreaker(r.breakerFailures, r.breakerCooldown)
		r.breakers[device] = b
	}
	return b
}

func (r *Releaser) releaseGroup(g group, handles []int64) {
	kind := g.kind.String()
	b := r.breaker(g.device)
	if !b.allow() {
		handlesPending.WithLabelValues(kind).Sub(float64(len(handles)))
		releaseFailures.WithLabelValues(kind).Add(float64(len(handles)))
		releasesSkipped.WithLabelValues(kind).Add(float64(len(handles)))
		log.Warn().Str("kind", kind).Str("device", g.device).Int("handles", len(handles)).Msg("device release breaker open, leaking handles")
		return
	}
	start := time.Now()
	err := r.release(context.Background(), g.kind, g.device, handles)
	releaseDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	handlesPending.WithLabelValues(kind).Sub(float64(len(handles)))
	if err != nil {
		b.failure()
		releaseFailures.WithLabelValues(kind).Add(float64(len(handles)))
		log.Warn().Err(err).Str("kind", kind).Str("device", g.device).Int("handles", len(handles)).Str("breaker", b.current().String()).Msg("failed to release handles")
		return
	}
	b.success()
	handlesReleased.WithLabelValues(kind).Add(float64(len(handles)))
	log.Debug().Str("kind", kind).Str("device", g.device).Int("handles", len(handles)).Msg("released handles")
}

// Flush waits until every handle queued before the call has been processed.
func (r *Releaser) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.enqueued
	for r.processed < target {
		r.cond.Wait()
	}
}

// Close releases everything queued and stops the background goroutine. Handles
// dropped afterwards are leaked.
func (r *Releaser) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("releaser already closed")
	}
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	close(r.wake)
	<-r.done
	// A wake signal may have been consumed before the final enqueue landed.
	r.drain()
	return nil
}
