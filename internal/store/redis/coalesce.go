package redis

import (
	"sync"

	"feedsync/internal/model"
)

// Coalescer holds the latest pending tick per instrument. While Redis is
// unreachable it absorbs updates in bounded memory: a newer tick for a key
// replaces the older one, and keys beyond the limit are dropped.
type Coalescer struct {
	mu      sync.Mutex
	latest  map[model.Key]int // key -> index into pending
	pending []model.Tick
	maxKeys int
	dropped uint64
}

// NewCoalescer creates a buffer for at most maxKeys instruments (default 100000).
func NewCoalescer(maxKeys int) *Coalescer {
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	return &Coalescer{
		latest:  make(map[model.Key]int, 1024),
		pending: make([]model.Tick, 0, 1024),
		maxKeys: maxKeys,
	}
}

// Put records t as the latest state of its instrument. It returns false when
// t is a new key and the buffer is full.
func (c *Coalescer) Put(t *model.Tick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := t.Key()
	if i, ok := c.latest[k]; ok {
		c.pending[i] = *t
		return true
	}
	if len(c.pending) >= c.maxKeys {
		c.dropped++
		return false
	}
	c.latest[k] = len(c.pending)
	c.pending = append(c.pending, *t)
	return true
}

// Take appends every pending tick to dst in first-seen order and empties the buffer.
func (c *Coalescer) Take(dst []model.Tick) []model.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst = append(dst, c.pending...)
	c.pending = c.pending[:0]
	for k := range c.latest {
		delete(c.latest, k)
	}
	return dst
}

// Requeue puts back ticks from a failed flush. Keys updated since Take keep
// their newer value.
func (c *Coalescer) Requeue(ticks []model.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range ticks {
		k := ticks[i].Key()
		if _, ok := c.latest[k]; ok {
			continue
		}
		if len(c.pending) >= c.maxKeys {
			c.dropped++
			continue
		}
		c.latest[k] = len(c.pending)
		c.pending = append(c.pending, ticks[i])
	}
}

// Len returns the number of instruments waiting to be written.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped counts updates lost because the buffer was full.
func (c *Coalescer) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
