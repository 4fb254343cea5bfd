// Package cache holds the latest consolidated state of every instrument in
// one segment. Each segment owns its own Cache, lock and slot array, so the
// four decode goroutines never contend with each other.
package cache

import (
	"sync"
	"time"

	"feedsync/internal/instrument"
	"feedsync/internal/model"
)

// Cache is the sharded in-memory store for one segment. Slots are allocated
// once per index and mutated in place by Merge; nothing is allocated per tick.
type Cache struct {
	mu    sync.RWMutex
	index *instrument.Index
	slots []model.State

	// now is replaceable in tests.
	now func() int64
}

// New allocates one zeroed slot per instrument in index.
func New(index *instrument.Index) *Cache {
	return &Cache{
		index: index,
		slots: make([]model.State, index.Len()),
		now:   func() int64 { return time.Now().UnixNano() },
	}
}

// Segment returns the segment served by this cache.
func (c *Cache) Segment() model.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Segment()
}

// Len returns the number of slots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

// Merge folds t into its instrument's slot and returns a copy of the merged
// state carrying t's category, message code and arrival time. It returns
// false when t.Token is not in the index.
func (c *Cache) Merge(t *model.Tick) (model.Tick, bool) {
	now := c.now()

	c.mu.Lock()
	slot, ok := c.index.Slot(t.Token)
	if !ok {
		c.mu.Unlock()
		return model.Tick{}, false
	}
	s := &c.slots[slot]
	apply(s, t)
	s.LastSource = t.MsgCode
	s.LastCategory = t.Category
	s.Updates++
	s.LastMergeTS = now
	out := s.Tick
	c.mu.Unlock()

	out.Category = t.Category
	out.MsgCode = t.MsgCode
	out.Fields = t.Fields
	out.ArrivalTS = t.ArrivalTS
	return out, true
}

// apply is the field-level merge. Cumulative and extreme fields only move in
// one direction; depth levels absent from t keep their prior value.
func apply(s *model.State, t *model.Tick) {
	f := t.Fields
	if s.Token == 0 {
		s.Segment = t.Segment
		s.Token = t.Token
	}

	if f.Has(model.FieldVolume) && t.Volume >= s.Volume {
		s.Volume = t.Volume
	}
	if f.Has(model.FieldHigh) && t.High > 0 && (s.High == 0 || t.High > s.High) {
		s.High = t.High
	}
	if f.Has(model.FieldLow) && t.Low > 0 && (s.Low == 0 || t.Low < s.Low) {
		s.Low = t.Low
	}
	if f.Has(model.FieldOpen) && s.Open == 0 {
		s.Open = t.Open
	}
	if f.Has(model.FieldClose) && s.Close == 0 {
		s.Close = t.Close
	}
	if f.Has(model.FieldDepth) {
		for i := 0; i < model.DepthLevels; i++ {
			if t.Bids[i].Price != 0 {
				s.Bids[i] = t.Bids[i]
			}
			if t.Asks[i].Price != 0 {
				s.Asks[i] = t.Asks[i]
			}
		}
	}
	if f.Has(model.FieldLTP) {
		s.LTP = t.LTP
	}
	if f.Has(model.FieldLTQ) {
		s.LTQ = t.LTQ
	}
	if f.Has(model.FieldTimestamp) {
		s.ExchangeTS = t.ExchangeTS
	}
	if f.Has(model.FieldTotals) {
		s.TotalBuyQty = t.TotalBuyQty
		s.TotalSellQty = t.TotalSellQty
	}
	if f.Has(model.FieldOI) {
		s.OpenInterest = t.OpenInterest
	}
	s.ArrivalTS = t.ArrivalTS
	s.Fields |= f
}

// Read returns a snapshot of token's slot. Readers share the lock with each
// other and only wait for an in-progress Merge.
func (c *Cache) Read(token uint32) (model.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.index.Slot(token)
	if !ok {
		return model.State{}, false
	}
	s := c.slots[slot]
	if s.Token == 0 {
		// Never updated: identify it anyway so callers can tell which instrument it is.
		s.Segment = c.index.Segment()
		s.Token = token
	}
	return s, true
}

// Reinitialize swaps in a new index and drops every slot of this segment.
func (c *Cache) Reinitialize(index *instrument.Index) {
	slots := make([]model.State, index.Len())
	c.mu.Lock()
	c.index = index
	c.slots = slots
	c.mu.Unlock()
}

// ResetSession zeroes every slot so open, close, high, low and volume start
// over for a new trading session.
func (c *Cache) ResetSession() {
	c.mu.Lock()
	clear(c.slots)
	c.mu.Unlock()
}

// Restore overwrites token's slot with a previously captured state.
func (c *Cache) Restore(token uint32, st model.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.index.Slot(token)
	if !ok {
		return false
	}
	st.Segment = c.index.Segment()
	st.Token = token
	c.slots[slot] = st
	return true
}

// Range calls fn with a copy of every slot that has received at least one
// update. The shared lock is held for the whole walk.
func (c *Cache) Range(fn func(st *model.State) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.slots {
		if c.slots[i].Updates == 0 {
			continue
		}
		st := c.slots[i]
		if !fn(&st) {
			return
		}
	}
}
