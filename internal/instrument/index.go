// Package instrument builds the immutable token→slot index for each feed
// segment from the contract master. An Index is finalized before any
// datagram is processed and is never mutated afterwards, so lookups take
// no lock.
package instrument

import (
	"context"
	"errors"
	"fmt"

	"feedsync/internal/model"
)

var (
	// ErrDuplicateToken is returned by Build when a token appears twice in one segment.
	ErrDuplicateToken = errors.New("instrument: duplicate token")

	// ErrZeroToken is returned by Build for a row with token 0, which the
	// decoders treat as a malformed record and the cache as an unwritten slot.
	ErrZeroToken = errors.New("instrument: token 0 is reserved")
)

// MasterSource supplies contract-master rows for one segment.
type MasterSource interface {
	LoadSegment(ctx context.Context, seg model.Segment) ([]model.Instrument, error)
}

// Index maps tokens of one segment to dense slot numbers 0..Len()-1.
type Index struct {
	seg         model.Segment
	slots       map[uint32]int32
	instruments []model.Instrument
}

// Build creates the index for seg. Slots are assigned in input order.
// Rows belonging to another segment are rejected.
func Build(seg model.Segment, rows []model.Instrument) (*Index, error) {
	if !seg.Valid() {
		return nil, fmt.Errorf("instrument: build: invalid segment %d", seg)
	}
	idx := &Index{
		seg:         seg,
		slots:       make(map[uint32]int32, len(rows)),
		instruments: make([]model.Instrument, 0, len(rows)),
	}
	for _, r := range rows {
		if r.Segment != seg {
			return nil, fmt.Errorf("instrument: build %s: row for token %d belongs to %s", seg, r.Token, r.Segment)
		}
		if r.Token == 0 {
			return nil, fmt.Errorf("%w: %s row %q", ErrZeroToken, seg, r.Symbol)
		}
		if _, dup := idx.slots[r.Token]; dup {
			return nil, fmt.Errorf("%w: %s:%d", ErrDuplicateToken, seg, r.Token)
		}
		idx.slots[r.Token] = int32(len(idx.instruments))
		idx.instruments = append(idx.instruments, r)
	}
	return idx, nil
}

// Slot returns the slot for token.
func (x *Index) Slot(token uint32) (int, bool) {
	s, ok := x.slots[token]
	return int(s), ok
}

// Len returns the number of instruments (and slots) in the index.
func (x *Index) Len() int { return len(x.instruments) }

// Segment returns the segment this index serves.
func (x *Index) Segment() model.Segment { return x.seg }

// Instrument returns the contract-master row stored at slot.
func (x *Index) Instrument(slot int) model.Instrument { return x.instruments[slot] }

// Tokens returns all tokens in slot order.
func (x *Index) Tokens() []uint32 {
	out := make([]uint32, len(x.instruments))
	for i := range x.instruments {
		out[i] = x.instruments[i].Token
	}
	return out
}

// Set holds one Index per segment.
type Set struct {
	byseg [model.NumSegments]*Index
}

// Get returns the index for seg, or nil if none was loaded.
func (s *Set) Get(seg model.Segment) *Index {
	if int(seg) >= len(s.byseg) {
		return nil
	}
	return s.byseg[seg]
}

// Put stores idx under its own segment.
func (s *Set) Put(idx *Index) {
	s.byseg[idx.Segment()] = idx
}

// Load builds the index of every segment from src.
func Load(ctx context.Context, src MasterSource, segs []model.Segment) (*Set, error) {
	set := &Set{}
	for _, seg := range segs {
		rows, err := src.LoadSegment(ctx, seg)
		if err != nil {
			return nil, fmt.Errorf("instrument: load %s: %w", seg, err)
		}
		idx, err := Build(seg, rows)
		if err != nil {
			return nil, err
		}
		set.Put(idx)
	}
	return set, nil
}
