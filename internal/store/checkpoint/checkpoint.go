// Package checkpoint persists the consolidated state of every updated
// instrument slot to Pebble so a restarted process serves the last known
// values before the first datagram arrives.
package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"feedsync/internal/model"
)

// ErrBadRecord is returned for a stored value that does not decode.
var ErrBadRecord = errors.New("checkpoint: invalid record")

// Source is a segment cache that can be walked.
type Source interface {
	Segment() model.Segment
	Range(fn func(st *model.State) bool)
}

// Target is a segment cache that accepts restored slots.
type Target interface {
	Segment() model.Segment
	Restore(token uint32, st model.State) bool
}

// Store wraps the Pebble database.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
}

// Open opens or creates the checkpoint database in dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("checkpoint open %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// key layout: 's' | segment | token(be32). Meta: 'm' | segment.
func stateKey(seg model.Segment, token uint32) []byte {
	k := make([]byte, 6)
	k[0] = 's'
	k[1] = byte(seg)
	binary.BigEndian.PutUint32(k[2:], token)
	return k
}

func segmentBounds(seg model.Segment) (lower, upper []byte) {
	return []byte{'s', byte(seg)}, []byte{'s', byte(seg) + 1}
}

func metaKey(seg model.Segment) []byte { return []byte{'m', byte(seg)} }

// Save replaces each source segment's checkpoint with its current slots in
// one atomic batch and returns how many slots were written.
func (s *Store) Save(sources ...Source) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()

	now := time.Now().UnixNano()
	n := 0
	buf := make([]byte, 0, recordLen)
	for _, src := range sources {
		seg := src.Segment()
		lo, hi := segmentBounds(seg)
		if err := b.DeleteRange(lo, hi, nil); err != nil {
			return 0, fmt.Errorf("checkpoint clear %s: %w", seg, err)
		}
		var err error
		src.Range(func(st *model.State) bool {
			buf = encodeState(buf[:0], st)
			if err = b.Set(stateKey(seg, st.Token), buf, nil); err != nil {
				return false
			}
			n++
			return true
		})
		if err != nil {
			return 0, fmt.Errorf("checkpoint write %s: %w", seg, err)
		}
		if err := b.Set(metaKey(seg), binary.BigEndian.AppendUint64(nil, uint64(now)), nil); err != nil {
			return 0, fmt.Errorf("checkpoint meta %s: %w", seg, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("checkpoint commit: %w", err)
	}
	return n, nil
}

// Restore seeds each target from the checkpoint. Tokens the target no longer
// knows are skipped. It returns the restored and skipped counts.
func (s *Store) Restore(targets ...Target) (restored, skipped int, err error) {
	for _, dst := range targets {
		seg := dst.Segment()
		lo, hi := segmentBounds(seg)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return restored, skipped, fmt.Errorf("checkpoint iter %s: %w", seg, err)
		}
		for iter.First(); iter.Valid(); iter.Next() {
			key := iter.Key()
			if len(key) != 6 {
				continue
			}
			token := binary.BigEndian.Uint32(key[2:])
			st, derr := decodeState(iter.Value())
			if derr != nil {
				iter.Close()
				return restored, skipped, fmt.Errorf("checkpoint %s:%d: %w", seg, token, derr)
			}
			if dst.Restore(token, st) {
				restored++
			} else {
				skipped++
			}
		}
		if err := iter.Close(); err != nil {
			return restored, skipped, fmt.Errorf("checkpoint iter %s: %w", seg, err)
		}
	}
	return restored, skipped, nil
}

// SavedAt reports when seg was last checkpointed; zero if never.
func (s *Store) SavedAt(seg model.Segment) (time.Time, error) {
	v, closer, err := s.db.Get(metaKey(seg))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return time.Time{}, ErrBadRecord
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))), nil
}

// Run saves sources every interval until ctx is cancelled, then saves once
// more. onSave, if set, receives each result.
func (s *Store) Run(ctx context.Context, interval time.Duration, onSave func(n int, took time.Duration, err error), sources ...Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func() {
		start := time.Now()
		n, err := s.Save(sources...)
		if err != nil {
			s.logger.Error("checkpoint failed", zap.Error(err))
		} else {
			s.logger.Debug("checkpoint written", zap.Int("slots", n), zap.Duration("took", time.Since(start)))
		}
		if onSave != nil {
			onSave(n, time.Since(start), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}
