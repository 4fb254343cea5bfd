// Package redis mirrors merged instrument state into Redis: the latest state
// of each instrument under md:latest:<segment>:<token> and every update on
// the md:tick:<segment>:<token> pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
)

const (
	latestPrefix  = "md:latest:"
	channelPrefix = "md:tick:"
)

// LatestKey is the key holding the latest state of (seg, token).
func LatestKey(seg model.Segment, token uint32) string {
	return latestPrefix + seg.String() + ":" + strconv.FormatUint(uint64(token), 10)
}

// Channel is the pub/sub channel updates of (seg, token) are published on.
func Channel(seg model.Segment, token uint32) string {
	return channelPrefix + seg.String() + ":" + strconv.FormatUint(uint64(token), 10)
}

// Config configures the mirror.
type Config struct {
	QueueSize     int           // hand-off queue from feed goroutines, default 65536
	MaxBatch      int           // instruments per pipeline, default 512
	FlushInterval time.Duration // default 50ms
	LatestTTL     time.Duration // default 30m
	MaxPending    int           // coalescer capacity in instruments, default 100000
	MaxFailures   int           // breaker threshold, default 5
	ResetTimeout  time.Duration // breaker open time, default 10s
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 65536
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 512
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = 30 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Mirror is a hub consumer. Its callback only copies the tick into a bounded
// queue; a single Run goroutine coalesces and writes.
type Mirror struct {
	client  *goredis.Client
	cfg     Config
	logger  *zap.Logger
	cb      *CircuitBreaker
	pending *Coalescer
	queue   chan model.Tick
	batch   []model.Tick

	drops   atomic.Uint64
	written atomic.Uint64

	// Optional hooks for metrics
	OnDrop   func()                          // queue full, tick discarded
	OnFlush  func(n int, took time.Duration) // successful pipeline
	OnBuffer func(pending int)               // flush deferred, ticks kept in the coalescer
}

// NewMirror creates a mirror writing through client.
func NewMirror(client *goredis.Client, cfg Config, logger *zap.Logger) *Mirror {
	cfg.defaults()
	m := &Mirror{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		pending: NewCoalescer(cfg.MaxPending),
		queue:   make(chan model.Tick, cfg.QueueSize),
		batch:   make([]model.Tick, 0, cfg.MaxBatch),
	}
	m.cb.OnStateChange = func(from, to BreakerState) {
		logger.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return m
}

// Breaker exposes the circuit breaker for metrics wiring.
func (m *Mirror) Breaker() *CircuitBreaker { return m.cb }

// Attach subscribes the mirror to every category in cats on each segment.
func (m *Mirror) Attach(h *hub.Hub, segs []model.Segment, cats []model.Category) (*hub.Consumer, error) {
	c := h.NewConsumer("redis-mirror")
	for _, seg := range segs {
		for _, cat := range cats {
			if _, err := c.SubscribeCategory(seg, cat, m.Offer); err != nil {
				c.Close()
				return nil, fmt.Errorf("redis mirror subscribe %s/%s: %w", seg, cat, err)
			}
		}
	}
	return c, nil
}

// Offer enqueues t without blocking; it drops and counts when the queue is full.
func (m *Mirror) Offer(t model.Tick) {
	select {
	case m.queue <- t:
	default:
		m.drops.Add(1)
		if m.OnDrop != nil {
			m.OnDrop()
		}
	}
}

// Drops counts ticks discarded because the queue was full.
func (m *Mirror) Drops() uint64 { return m.drops.Load() }

// Written counts instrument states written to Redis.
func (m *Mirror) Written() uint64 { return m.written.Load() }

// Pending is the number of instruments waiting for the next flush.
func (m *Mirror) Pending() int { return m.pending.Len() }

// Run coalesces queued ticks and flushes them every FlushInterval or when
// MaxBatch instruments are pending. On cancel it drains the queue and makes
// one final flush attempt.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			finalCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			m.flush(finalCtx)
			cancel()
			return
		case t := <-m.queue:
			m.pending.Put(&t)
			if m.pending.Len() >= m.cfg.MaxBatch {
				m.flush(ctx)
			}
		case <-ticker.C:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) drainQueue() {
	for {
		select {
		case t := <-m.queue:
			m.pending.Put(&t)
		default:
			return
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	if m.pending.Len() == 0 {
		return
	}
	m.batch = m.pending.Take(m.batch[:0])
	start := time.Now()

	err := m.cb.Execute(func() error { return m.write(ctx, m.batch) })
	if err != nil {
		m.pending.Requeue(m.batch)
		if !errors.Is(err, ErrCircuitOpen) {
			m.logger.Warn("redis flush failed", zap.Int("instruments", len(m.batch)), zap.Error(err))
		}
		if m.OnBuffer != nil {
			m.OnBuffer(m.pending.Len())
		}
		return
	}
	m.written.Add(uint64(len(m.batch)))
	if m.OnFlush != nil {
		m.OnFlush(len(m.batch), time.Since(start))
	}
}

// write sends SET + PUBLISH for every tick in one pipeline round trip.
func (m *Mirror) write(ctx context.Context, ticks []model.Tick) error {
	pipe := m.client.Pipeline()
	for i := range ticks {
		t := &ticks[i]
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", t.Key(), err)
		}
		pipe.Set(ctx, LatestKey(t.Segment, t.Token), data, m.cfg.LatestTTL)
		pipe.Publish(ctx, Channel(t.Segment, t.Token), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Latest reads the mirrored state of (seg, token).
func (m *Mirror) Latest(ctx context.Context, seg model.Segment, token uint32) (model.Tick, error) {
	var t model.Tick
	data, err := m.client.Get(ctx, LatestKey(seg, token)).Bytes()
	if err != nil {
		return t, fmt.Errorf("redis get %s: %w", LatestKey(seg, token), err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode %s: %w", LatestKey(seg, token), err)
	}
	return t, nil
}
