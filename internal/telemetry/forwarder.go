// Package telemetry forwards selected categories of merged updates to Kafka
// for downstream analytics. Each segment hands ticks to its own SPSC ring;
// one goroutine per segment drains the ring in batches into the writer.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
	"feedsync/internal/ringbuf"
)

// Writer is the subset of *kafka.Writer the forwarder needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a Kafka writer keyed by instrument, so each instrument's
// updates stay ordered within one partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    256,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Lz4,
	}
}

// Config configures the forwarder.
type Config struct {
	Segments      []model.Segment
	Categories    []model.Category
	RingSize      int           // per segment, rounded up to a power of two; default 16384
	MaxBatch      int           // messages per write, default 256
	FlushInterval time.Duration // default 20ms
	WriteTimeout  time.Duration // default 5s
}

func (c *Config) defaults() {
	if c.RingSize <= 0 {
		c.RingSize = 16384
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 20 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Forwarder subscribes to categories in the hub and ships them to Kafka.
type Forwarder struct {
	cfg    Config
	w      Writer
	logger *zap.Logger

	rings    [model.NumSegments]*ringbuf.Ring
	attached atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64

	// OnBatch is called after every write attempt.
	OnBatch func(n int, took time.Duration, err error)
}

// Stats is a point-in-time view of the forwarder.
type Stats struct {
	Sent     uint64
	Failed   uint64
	Overflow uint64
	Queued   int
}

// New creates a forwarder writing to w.
func New(cfg Config, w Writer, logger *zap.Logger) *Forwarder {
	cfg.defaults()
	return &Forwarder{cfg: cfg, w: w, logger: logger}
}

// Attach creates the per-segment rings and registers the category
// subscriptions. Callbacks only copy into the ring and drop when it is full.
func (f *Forwarder) Attach(h *hub.Hub) (*hub.Consumer, error) {
	if len(f.cfg.Categories) == 0 {
		return nil, errors.New("telemetry: no categories configured")
	}
	for _, seg := range f.cfg.Segments {
		if !seg.Valid() {
			return nil, fmt.Errorf("telemetry: invalid segment %v", seg)
		}
	}
	if !f.attached.CompareAndSwap(false, true) {
		return nil, errors.New("telemetry: already attached")
	}
	c := h.NewConsumer("kafka")
	for _, seg := range f.cfg.Segments {
		r := ringbuf.New(f.cfg.RingSize)
		f.rings[seg] = r
		push := func(t model.Tick) { r.Push(&t) }
		for _, cat := range f.cfg.Categories {
			if _, err := c.SubscribeCategory(seg, cat, push); err != nil {
				c.Close()
				f.rings = [model.NumSegments]*ringbuf.Ring{}
				f.attached.Store(false)
				return nil, fmt.Errorf("telemetry: subscribe %v/%v: %w", seg, cat, err)
			}
		}
	}
	return c, nil
}

// Run drains every ring until ctx is cancelled, then writes what is left
// and closes the writer.
func (f *Forwarder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, seg := range f.cfg.Segments {
		r := f.rings[seg]
		if r == nil {
			continue
		}
		wg.Add(1)
		go func(seg model.Segment, r *ringbuf.Ring) {
			defer wg.Done()
			f.drainLoop(ctx, seg, r)
		}(seg, r)
	}
	wg.Wait()
	if err := f.w.Close(); err != nil {
		return fmt.Errorf("telemetry: close writer: %w", err)
	}
	return nil
}

func (f *Forwarder) drainLoop(ctx context.Context, seg model.Segment, r *ringbuf.Ring) {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.Tick, 0, f.cfg.MaxBatch)
	msgs := make([]kafka.Message, 0, f.cfg.MaxBatch)
	drain := func(ctx context.Context) {
		for {
			batch = r.Drain(batch[:0], f.cfg.MaxBatch)
			if len(batch) == 0 {
				return
			}
			msgs = f.write(ctx, seg, batch, msgs[:0])
		}
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
			drain(final)
			cancel()
			return
		case <-r.Wait():
		case <-ticker.C:
		}
		drain(ctx)
	}
}

func (f *Forwarder) write(ctx context.Context, seg model.Segment, batch []model.Tick, msgs []kafka.Message) []kafka.Message {
	for i := range batch {
		m, err := Encode(&batch[i])
		if err != nil {
			f.failed.Add(1)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return msgs
	}

	wctx, cancel := context.WithTimeout(ctx, f.cfg.WriteTimeout)
	start := time.Now()
	err := f.w.WriteMessages(wctx, msgs...)
	took := time.Since(start)
	cancel()

	if err != nil {
		f.failed.Add(uint64(len(msgs)))
		f.logger.Warn("kafka write failed",
			zap.Stringer("segment", seg),
			zap.Int("messages", len(msgs)),
			zap.Error(err))
	} else {
		f.sent.Add(uint64(len(msgs)))
	}
	if f.OnBatch != nil {
		f.OnBatch(len(msgs), took, err)
	}
	return msgs
}

// Stats returns counters across all segments.
func (f *Forwarder) Stats() Stats {
	s := Stats{Sent: f.sent.Load(), Failed: f.failed.Load()}
	for _, r := range f.rings {
		if r != nil {
			s.Overflow += r.Overflow()
			s.Queued += r.Len()
		}
	}
	return s
}

// Encode renders one tick as a Kafka message keyed by "SEG:token".
func Encode(t *model.Tick) (kafka.Message, error) {
	v, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, err
	}
	m := kafka.Message{
		Key:   []byte(t.Key().String()),
		Value: v,
		Headers: []kafka.Header{
			{Key: "segment", Value: []byte(t.Segment.String())},
			{Key: "category", Value: []byte(t.Category.String())},
		},
	}
	if t.ArrivalTS > 0 {
		m.Time = time.Unix(0, t.ArrivalTS)
	}
	return m, nil
}
