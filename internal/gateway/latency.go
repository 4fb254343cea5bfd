package gateway

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent datagram-arrival to view-write
// latencies and reports percentiles over them.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration // circular
	pos     int
	count   int
}

// NewLatencyTracker holds the last capacity samples (default 10000).
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]time.Duration, capacity)}
}

// Record adds one sample. Negative samples (clock skew) are clamped to zero.
func (lt *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	lt.mu.Lock()
	lt.samples[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Percentiles returns p50, p95 and p99, or zeros before any sample.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 time.Duration) {
	lt.mu.Lock()
	if lt.count == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]time.Duration, lt.count)
	copy(sorted, lt.samples[:lt.count])
	lt.mu.Unlock()

	slices.Sort(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

// Count returns the number of retained samples.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.count
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(rank)
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[lower+1]-sorted[lower]))
}
