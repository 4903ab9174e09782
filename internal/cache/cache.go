// Package cache provides the bounded caches the client keeps in front of remote
// resources.
package cache

import (
	"bytes"
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached value: the resource domain it is valid in plus the
// serialized content it was derived from.
type Key struct {
	Domain string
	Data   []byte
}

func (k Key) digest() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Domain)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(k.Data)
	return d.Sum64()
}

func (k Key) equal(o Key) bool {
	return k.Domain == o.Domain && bytes.Equal(k.Data, o.Data)
}

type entry[V any] struct {
	key    Key
	digest uint64
	value  V
}

// LRU is a bounded least-recently-used cache. Lookups hash the key with xxhash and
// confirm hits with a full comparison.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[uint64][]*list.Element
	onEvict  func(Key, V)
}

// NewLRU returns a cache holding at most capacity values. onEvict, if not nil, is
// called without the cache lock for each value pushed out by capacity.
func NewLRU[V any](capacity int, onEvict func(Key, V)) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uint64][]*list.Element),
		onEvict:  onEvict,
	}
}

func (c *LRU[V]) find(key Key, digest uint64) *list.Element {
	for _, el := range c.index[digest] {
		if el.Value.(*entry[V]).key.equal(key) {
			return el
		}
	}
	return nil
}

func (c *LRU[V]) Get(key Key) (V, bool) {
	digest := key.digest()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el := c.find(key, digest); el != nil {
		c.order.MoveToFront(el)
		return el.Value.(*entry[V]).value, true
	}
	var zero V
	return zero, false
}

func (c *LRU[V]) Put(key Key, value V) (V, bool) {
	digest := key.digest()
	var evicted []*entry[V]
	var prev V
	var replaced bool

	c.mu.Lock()
	if el := c.find(key, digest); el != nil {
		e := el.Value.(*entry[V])
		prev, replaced = e.value, true
		e.value = value
		c.order.MoveToFront(el)
	} else {
		// Store a copy of the key bytes so callers may reuse their buffers.
		e := &entry[V]{key: Key{Domain: key.Domain, Data: bytes.Clone(key.Data)}, digest: digest, value: value}
		c.index[digest] = append(c.index[digest], c.order.PushFront(e))
		for c.order.Len() > c.capacity {
			evicted = append(evicted, c.removeElement(c.order.Back()))
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e.key, e.value)
		}
	}
	return prev, replaced
}

func (c *LRU[V]) removeElement(el *list.Element) *entry[V] {
	e := c.order.Remove(el).(*entry[V])
	bucket := c.index[e.digest]
	for i, other := range bucket {
		if other == el {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.index, e.digest)
	} else {
		c.index[e.digest] = bucket
	}
	return e
}

func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every value, calling the eviction hook for each.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	var evicted []*entry[V]
	for c.order.Len() > 0 {
		evicted = append(evicted, c.removeElement(c.order.Back()))
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e.key, e.value)
		}
	}
}
