// Package ringbuf provides a lock-free, single-producer single-consumer (SPSC)
// ring of model.Tick. A segment's publish goroutine produces; one sink
// goroutine consumes. Ticks are copied in place, so neither side allocates.
package ringbuf

import (
	"sync/atomic"

	"feedsync/internal/model"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Ring is a lock-free SPSC ring buffer of ticks.
// Size is a power of two for fast bitwise modulo.
type Ring struct {
	buf  []model.Tick
	mask uint64
	wake chan struct{}

	// Separate cache lines to prevent false sharing between producer and consumer.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// New creates a ring. capacity is rounded up to the next power of two, minimum 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Tick, n),
		mask: uint64(n - 1),
		wake: make(chan struct{}, 1),
	}
}

// Push copies *t into the ring. It returns false, and counts an overflow,
// when the ring is full. Producer side only; never blocks.
func (r *Ring) Push(t *model.Tick) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = *t
	r.head.Store(head + 1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop copies the oldest tick into dst. Returns false if the ring is empty.
// Consumer side only.
func (r *Ring) Pop(dst *model.Tick) bool {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return false
	}

	*dst = r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return true
}

// Drain appends up to max queued ticks to dst and returns it. Consumer side only.
func (r *Ring) Drain(dst []model.Tick, max int) []model.Tick {
	tail := r.tail.Load()
	head := r.head.Load()

	n := head - tail
	if uint64(max) < n {
		n = uint64(max)
	}
	for i := uint64(0); i < n; i++ {
		dst = append(dst, r.buf[(tail+i)&r.mask])
	}
	r.tail.Store(tail + n)
	return dst
}

// Wait returns a channel that receives after a Push. A single token is
// buffered, so the consumer must drain fully after each wakeup.
func (r *Ring) Wait() <-chan struct{} { return r.wake }

// Len returns the current number of items in the buffer.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of dropped pushes due to a full buffer.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
