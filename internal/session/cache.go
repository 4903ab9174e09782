package session

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
)

// InitFunc prepares a freshly dialed session, typically by prewarming nodes.
type InitFunc func(s *Session) error

// Cache keeps one session per target. Independent caches keep traffic of different
// purposes on different connections.
type Cache struct {
	name string
	init InitFunc
	opts []grpc.DialOption

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewCache returns an empty session cache. init may be nil.
func NewCache(name string, init InitFunc, opts ...grpc.DialOption) *Cache {
	return &Cache{
		name:     name,
		init:     init,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Name of the cache.
func (c *Cache) Name() string { return c.name }

// GetSession returns the session for target, creating it on first use. Concurrent
// first calls for the same target construct a single session.
func (c *Cache) GetSession(ctx context.Context, target string) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Errorf("session cache %s is closed", c.name)
	}
	if s, ok := c.sessions[target]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(target, func() (any, error) {
		c.mu.Lock()
		if s, ok := c.sessions[target]; ok {
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		s, err := Dial(c.name, target, c.opts...)
		if err != nil {
			return nil, err
		}
		if c.init != nil {
			if err := c.init(s); err != nil {
				_ = s.Close()
				return nil, errors.Wrapf(err, "initializing session to %s", target)
			}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = s.Close()
			return nil, errors.Errorf("session cache %s is closed", c.name)
		}
		c.sessions[target] = s
		sessionsCreated.WithLabelValues(c.name).Inc()
		log.Debug().Str("pool", c.name).Str("target", target).Int("nodes", s.NodeCount()).Msg("created session")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Targets lists the targets holding a session.
func (c *Cache) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := make([]string, 0, len(c.sessions))
	for t := range c.sessions {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Close closes every session. It is meant for process shutdown.
func (c *Cache) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Map collects the sessions used by one call.
type Map struct {
	cache    *Cache
	sessions map[string]*Session
}

// NewMap returns an empty session map backed by c.
func (c *Cache) NewMap() *Map {
	return &Map{cache: c, sessions: make(map[string]*Session)}
}

// Get returns the session for target and records it in the map.
func (m *Map) Get(ctx context.Context, target string) (*Session, error) {
	if s, ok := m.sessions[target]; ok {
		return s, nil
	}
	s, err := m.cache.GetSession(ctx, target)
	if err != nil {
		return nil, err
	}
	m.sessions[target] = s
	return s, nil
}

// Len is the number of distinct sessions used.
func (m *Map) Len() int { return len(m.sessions) }

// Release resets every session the call used.
func (m *Map) Release() {
	for _, s := range m.sessions {
		s.Reset()
	}
}
