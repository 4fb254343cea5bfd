// Package feed owns the per-segment receive pipelines: decode a datagram,
// merge each record into its segment cache and publish the merged state
// through the hub, all on the segment's receive goroutine.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/instrument"
	"feedsync/internal/marketdata/cache"
	"feedsync/internal/marketdata/decoder"
	"feedsync/internal/marketdata/hub"
	"feedsync/internal/metrics"
	"feedsync/internal/model"
)

var (
	ErrUnknownSegment = errors.New("feed: unknown segment")
	ErrNoIndex        = errors.New("feed: segment has no instrument index")
)

// Config holds the service settings that are not per-receiver.
type Config struct {
	// Segments to run pipelines for. Each needs an index in the Set.
	Segments []model.Segment

	// UnknownTokenLogEvery rate-limits the stale contract master warning.
	// Defaults to 10s.
	UnknownTokenLogEvery time.Duration

	// BatchHint presizes each segment's tick buffer. Defaults to 64.
	BatchHint int

	// Receivers holds the multicast settings Run uses per segment.
	Receivers map[model.Segment]ReceiverConfig
}

func (c *Config) defaults() {
	if c.UnknownTokenLogEvery == 0 {
		c.UnknownTokenLogEvery = 10 * time.Second
	}
	if c.BatchHint == 0 {
		c.BatchHint = 64
	}
}

// SegmentCounters is a snapshot of one segment's receive counters.
type SegmentCounters struct {
	PacketsReceived uint64 `json:"packets_received"`
	RecordsDecoded  uint64 `json:"records_decoded"`
	RecordsDropped  uint64 `json:"records_dropped"`
	UnknownTokens   uint64 `json:"unknown_tokens"`
	PacketErrors    uint64 `json:"packet_errors"`
}

// lane is one segment's pipeline. Process on a lane must not run concurrently
// with itself; the decoder scratch, tick buffer and out slot are unguarded.
type lane struct {
	seg   model.Segment
	dec   decoder.Decoder
	cache *cache.Cache
	buf   []model.Tick
	out   model.Tick

	packets    atomic.Uint64
	decoded    atomic.Uint64
	dropped    atomic.Uint64
	unknown    atomic.Uint64
	errs       atomic.Uint64
	lastPacket atomic.Int64

	lastWarn      atomic.Int64
	unknownAtWarn atomic.Uint64
	prom          metrics.SegmentCounters
	promEnabled   bool
}

// Service is the explicitly constructed owner of the caches, decoders and hub
// wiring for every configured segment.
type Service struct {
	cfg     Config
	hub     *hub.Hub
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex // guards indexes and Reinitialize
	indexes *instrument.Set
	lanes   [model.NumSegments]*lane

	// OnPacket, when set, observes every datagram after it has been processed.
	OnPacket func(seg model.Segment, ticks int)
}

// New builds the pipelines in dependency order: each segment's index must
// already exist, its cache is sized from that index, and only then is the
// decoder attached. m may be nil.
func New(cfg Config, indexes *instrument.Set, h *hub.Hub, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	cfg.defaults()
	if h == nil {
		return nil, errors.New("feed: nil hub")
	}
	if indexes == nil {
		return nil, fmt.Errorf("%w: nil set", ErrNoIndex)
	}
	s := &Service{
		cfg:     cfg,
		hub:     h,
		logger:  logger,
		metrics: m,
		indexes: indexes,
	}
	for _, seg := range cfg.Segments {
		if !seg.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, seg)
		}
		if s.lanes[seg] != nil {
			return nil, fmt.Errorf("feed: segment %s configured twice", seg)
		}
		idx := indexes.Get(seg)
		if idx == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoIndex, seg)
		}
		dec, err := decoder.New(seg)
		if err != nil {
			return nil, fmt.Errorf("feed: decoder for %s: %w", seg, err)
		}
		ln := &lane{
			seg:   seg,
			dec:   dec,
			cache: cache.New(idx),
			buf:   make([]model.Tick, 0, cfg.BatchHint),
		}
		if m != nil {
			ln.prom = m.ForSegment(seg)
			ln.promEnabled = true
		}
		s.lanes[seg] = ln
		logger.Info("segment pipeline ready",
			zap.Stringer("segment", seg),
			zap.Int("instruments", idx.Len()),
		)
	}
	if m != nil {
		prev := h.OnFault
		h.OnFault = func(seg model.Segment) {
			if ln := s.lane(seg); ln != nil {
				ln.prom.CallbackFaults.Inc()
			}
			if prev != nil {
				prev(seg)
			}
		}
	}
	return s, nil
}

func (s *Service) lane(seg model.Segment) *lane {
	if int(seg) >= model.NumSegments {
		return nil
	}
	return s.lanes[seg]
}

// Segments lists the segments this service runs.
func (s *Service) Segments() []model.Segment {
	out := make([]model.Segment, 0, len(s.cfg.Segments))
	for _, seg := range model.Segments {
		if s.lanes[seg] != nil {
			out = append(out, seg)
		}
	}
	return out
}

// Hub returns the hub merged ticks are published to.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Process runs decode, merge and publish for one datagram of seg. It must be
// called from a single goroutine per segment. A returned error means the
// whole packet was rejected; per-record faults are only counted.
func (s *Service) Process(seg model.Segment, pkt []byte, recvTS int64) error {
	ln := s.lane(seg)
	if ln == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, seg)
	}
	var start time.Time
	if ln.promEnabled {
		start = time.Now()
		ln.prom.Packets.Inc()
	}
	ln.packets.Add(1)
	ln.lastPacket.Store(recvTS)

	ticks, dropped, err := ln.dec.Decode(pkt, recvTS, ln.buf[:0])
	ln.buf = ticks[:0]

	if dropped > 0 {
		ln.dropped.Add(uint64(dropped))
		if ln.promEnabled {
			ln.prom.RecordsDropped.Add(float64(dropped))
		}
	}
	if len(ticks) > 0 {
		ln.decoded.Add(uint64(len(ticks)))
		if ln.promEnabled {
			ln.prom.RecordsDecoded.Add(float64(len(ticks)))
		}
	}

	for i := range ticks {
		var ok bool
		ln.out, ok = ln.cache.Merge(&ticks[i])
		if !ok {
			s.unknownToken(ln, ticks[i].Token, recvTS)
			continue
		}
		s.hub.Publish(&ln.out)
	}

	if ln.promEnabled {
		s.metrics.MergeDur.Observe(time.Since(start).Seconds())
	}
	if s.OnPacket != nil {
		s.OnPacket(seg, len(ticks))
	}

	if err != nil {
		ln.errs.Add(1)
		if ln.promEnabled {
			ln.prom.ReceiveErrors.Inc()
		}
		return fmt.Errorf("feed: %s packet: %w", seg, err)
	}
	return nil
}

// unknownToken counts a tick for a token the index does not know and logs at
// most once per UnknownTokenLogEvery.
func (s *Service) unknownToken(ln *lane, token uint32, now int64) {
	n := ln.unknown.Add(1)
	if ln.promEnabled {
		ln.prom.UnknownTokens.Inc()
	}
	last := ln.lastWarn.Load()
	if last != 0 && now-last < int64(s.cfg.UnknownTokenLogEvery) {
		return
	}
	if !ln.lastWarn.CompareAndSwap(last, now) {
		return
	}
	since := n - ln.unknownAtWarn.Swap(n)
	s.logger.Warn("unknown token, contract master likely stale",
		zap.Stringer("segment", ln.seg),
		zap.Uint32("token", token),
		zap.Uint64("unknown_since_last_warning", since),
	)
}

// QueryLatest returns the consolidated state of (seg, token).
func (s *Service) QueryLatest(seg model.Segment, token uint32) (model.State, bool) {
	ln := s.lane(seg)
	if ln == nil {
		return model.State{}, false
	}
	return ln.cache.Read(token)
}

// Lookup returns the contract-master row for (seg, token).
func (s *Service) Lookup(seg model.Segment, token uint32) (model.Instrument, bool) {
	s.mu.Lock()
	idx := s.indexes.Get(seg)
	s.mu.Unlock()
	if idx == nil {
		return model.Instrument{}, false
	}
	slot, ok := idx.Slot(token)
	if !ok {
		return model.Instrument{}, false
	}
	return idx.Instrument(slot), true
}

// Cache exposes seg's cache to checkpointing.
func (s *Service) Cache(seg model.Segment) *cache.Cache {
	if ln := s.lane(seg); ln != nil {
		return ln.cache
	}
	return nil
}

// Reinitialize rebuilds seg's index from rows and resets its cache. Other
// segments are untouched. On error the old index and cache stay in place.
func (s *Service) Reinitialize(seg model.Segment, rows []model.Instrument) error {
	ln := s.lane(seg)
	if ln == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, seg)
	}
	idx, err := instrument.Build(seg, rows)
	if err != nil {
		return fmt.Errorf("feed: reinitialize %s: %w", seg, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes.Put(idx)
	ln.cache.Reinitialize(idx)
	if s.metrics != nil {
		s.metrics.ContractReloads.WithLabelValues(seg.String()).Inc()
	}
	s.logger.Info("segment reinitialized",
		zap.Stringer("segment", seg),
		zap.Int("instruments", idx.Len()),
	)
	return nil
}

// ReloadFrom reinitializes seg from src.
func (s *Service) ReloadFrom(ctx context.Context, src instrument.MasterSource, seg model.Segment) error {
	rows, err := src.LoadSegment(ctx, seg)
	if err != nil {
		return fmt.Errorf("feed: load %s contract master: %w", seg, err)
	}
	return s.Reinitialize(seg, rows)
}

// ResetSession clears every cache so session fields (open, close, high, low)
// start fresh.
func (s *Service) ResetSession() {
	for _, ln := range s.lanes {
		if ln != nil {
			ln.cache.ResetSession()
		}
	}
	if s.metrics != nil {
		s.metrics.SessionResets.Inc()
	}
	s.logger.Info("session reset")
}

// Counters returns a snapshot of seg's receive counters.
func (s *Service) Counters(seg model.Segment) SegmentCounters {
	ln := s.lane(seg)
	if ln == nil {
		return SegmentCounters{}
	}
	return SegmentCounters{
		PacketsReceived: ln.packets.Load(),
		RecordsDecoded:  ln.decoded.Load(),
		RecordsDropped:  ln.dropped.Load(),
		UnknownTokens:   ln.unknown.Load(),
		PacketErrors:    ln.errs.Load(),
	}
}

// LastPackets reports the receive time of each segment's latest datagram.
func (s *Service) LastPackets() map[string]time.Time {
	out := make(map[string]time.Time, len(s.cfg.Segments))
	for _, ln := range s.lanes {
		if ln == nil {
			continue
		}
		var t time.Time
		if ns := ln.lastPacket.Load(); ns != 0 {
			t = time.Unix(0, ns)
		}
		out[ln.seg.String()] = t
	}
	return out
}

// Run starts one receiver goroutine per segment and blocks until ctx is
// cancelled. Segments fail and recover independently.
func (s *Service) Run(ctx context.Context) error {
	segs := s.Segments()
	receivers := make([]*Receiver, 0, len(segs))
	for _, seg := range segs {
		rc, ok := s.cfg.Receivers[seg]
		if !ok {
			return fmt.Errorf("feed: no receiver config for %s", seg)
		}
		seg := seg
		ln := s.lanes[seg]
		log := s.logger.With(zap.Stringer("segment", seg))
		r, err := NewReceiver(seg, rc, log, func(pkt []byte, recvTS int64) {
			if err := s.Process(seg, pkt, recvTS); err != nil {
				log.Debug("packet rejected", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		if ln.promEnabled {
			r.OnReconnect = ln.prom.Restarts.Inc
		}
		receivers = append(receivers, r)
	}

	var wg sync.WaitGroup
	for _, r := range receivers {
		wg.Add(1)
		go func(r *Receiver) {
			defer wg.Done()
			_ = r.Run(ctx)
		}(r)
	}
	wg.Wait()
	return nil
}
