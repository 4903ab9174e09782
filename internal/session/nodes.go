package session

import "strings"

// Node is a prepared request: the resolved physical device and the pre-encoded
// attributes of an op, built once and reused by every request of the same key.
type Node struct {
	Op     string
	Device string
	Attrs  []byte
}

// NodeKey keys cached nodes by op, device and any parameter that changes the
// request layout, such as the shape of an allocation.
func NodeKey(op, device string, params ...string) string {
	return strings.Join(append([]string{op, device}, params...), ";")
}

// NodeCache holds the nodes of one key. Get hands out nodes in order and grows the
// cache when a call needs more nodes than it holds; Rewind starts over.
type NodeCache struct {
	nodes     []*Node
	position  int
	prewarmed int
}

// Empty reports whether every node was handed out since the last rewind.
func (c *NodeCache) Empty() bool { return c.position >= len(c.nodes) }

// Add appends a node that the next Get returns.
func (c *NodeCache) Add(n *Node) { c.nodes = append(c.nodes, n) }

// Get returns the next node. The cache must not be Empty.
func (c *NodeCache) Get() *Node {
	n := c.nodes[c.position]
	c.position++
	return n
}

// Len is the number of nodes held.
func (c *NodeCache) Len() int { return len(c.nodes) }

// Rewind makes every node available again and drops the nodes grown past the
// prewarmed set.
func (c *NodeCache) Rewind() {
	c.position = 0
	for i := c.prewarmed; i < len(c.nodes); i++ {
		c.nodes[i] = nil
	}
	c.nodes = c.nodes[:c.prewarmed]
}

// Prewarm adds count copies of n as permanent nodes.
func (s *Session) Prewarm(key string, n *Node, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cache(key)
	for range count {
		c.nodes = append(c.nodes, n)
	}
	c.prewarmed = len(c.nodes)
}

// Node returns a node for key, building one with build when the cache holds no
// unused node.
func (s *Session) Node(key string, build func() (*Node, error)) (*Node, error) {
	s.mu.Lock()
	c := s.cache(key)
	if !c.Empty() {
		n := c.Get()
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	nodeCacheMisses.WithLabelValues(s.pool).Inc()
	n, err := build()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Add(n)
	c.position = len(c.nodes)
	return n, nil
}

// NodeCount is the number of nodes cached across all keys.
func (s *Session) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.nodes {
		total += c.Len()
	}
	return total
}

// Reset rewinds every node cache and drops the nodes added since the session was
// prewarmed.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.nodes {
		c.Rewind()
		if c.prewarmed == 0 {
			delete(s.nodes, key)
		}
	}
}

func (s *Session) cache(key string) *NodeCache {
	c, ok := s.nodes[key]
	if !ok {
		c = &NodeCache{}
		s.nodes[key] = c
	}
	return c
}
