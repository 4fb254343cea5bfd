package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
)

type mockWriter struct {
	mu         sync.Mutex
	messages   []kafka.Message
	shouldFail bool
	closed     bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail {
		return errors.New("kafka error")
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockWriter) snapshot() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.messages...)
}

func depth(seg model.Segment, token uint32, bid int64) *model.Tick {
	t := &model.Tick{Segment: seg, Token: token, Category: model.CategoryDepth, ArrivalTS: time.Now().UnixNano()}
	t.Bids[0] = model.Level{Price: bid, Qty: 10, Orders: 1}
	return t
}

func TestEncode(t *testing.T) {
	tk := depth(model.NSEFO, 35001, 2345000)
	m, err := Encode(tk)
	require.NoError(t, err)
	assert.Equal(t, "NSEFO:35001", string(m.Key))
	require.Len(t, m.Headers, 2)
	assert.Equal(t, "NSEFO", string(m.Headers[0].Value))
	assert.Equal(t, "depth", string(m.Headers[1].Value))
	assert.Equal(t, tk.ArrivalTS, m.Time.UnixNano())

	var back model.Tick
	require.NoError(t, json.Unmarshal(m.Value, &back))
	assert.Equal(t, *tk, back)
}

func TestForwarder_ForwardsSelectedCategories(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))
	w := &mockWriter{}
	f := New(Config{
		Segments:      []model.Segment{model.NSEFO, model.BSEFO},
		Categories:    []model.Category{model.CategoryDepth},
		FlushInterval: 5 * time.Millisecond,
	}, w, zaptest.NewLogger(t))

	var batches int
	var mu sync.Mutex
	f.OnBatch = func(n int, _ time.Duration, err error) {
		mu.Lock()
		batches++
		mu.Unlock()
	}

	c, err := f.Attach(h)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	h.Publish(depth(model.NSEFO, 35001, 100))
	h.Publish(depth(model.BSEFO, 1100, 200))
	h.Publish(&model.Tick{Segment: model.NSEFO, Token: 35001, Category: model.CategoryTrade})
	h.Publish(depth(model.NSECM, 22, 300))

	assert.Eventually(t, func() bool { return w.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, w.closed)

	keys := map[string]bool{}
	for _, m := range w.snapshot() {
		keys[string(m.Key)] = true
	}
	assert.Equal(t, map[string]bool{"NSEFO:35001": true, "BSEFO:1100": true}, keys)
	assert.EqualValues(t, 2, f.Stats().Sent)
	mu.Lock()
	assert.GreaterOrEqual(t, batches, 1)
	mu.Unlock()
}

func TestForwarder_FinalDrainOnCancel(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))
	w := &mockWriter{}
	f := New(Config{
		Segments:      []model.Segment{model.NSECM},
		Categories:    []model.Category{model.CategoryDepth},
		FlushInterval: time.Hour,
		MaxBatch:      4,
	}, w, zaptest.NewLogger(t))
	_, err := f.Attach(h)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Publish(depth(model.NSECM, uint32(i+1), int64(i)))
	}
	require.Equal(t, 10, f.Stats().Queued)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))

	assert.Equal(t, 10, w.count())
	assert.Equal(t, 0, f.Stats().Queued)
}

func TestForwarder_RingOverflowDropsWithoutBlocking(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))
	f := New(Config{
		Segments:   []model.Segment{model.NSEFO},
		Categories: []model.Category{model.CategoryDepth},
		RingSize:   4,
	}, &mockWriter{}, zaptest.NewLogger(t))
	_, err := f.Attach(h)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Publish(depth(model.NSEFO, 1, int64(i)))
	}
	st := f.Stats()
	assert.Equal(t, 4, st.Queued)
	assert.EqualValues(t, 6, st.Overflow)
}

func TestForwarder_WriteFailureCounted(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))
	w := &mockWriter{shouldFail: true}
	f := New(Config{
		Segments:   []model.Segment{model.BSECM},
		Categories: []model.Category{model.CategoryDepth, model.CategoryTouchline},
	}, w, zaptest.NewLogger(t))
	_, err := f.Attach(h)
	require.NoError(t, err)

	h.Publish(depth(model.BSECM, 500325, 1))
	h.Publish(&model.Tick{Segment: model.BSECM, Token: 500325, Category: model.CategoryTouchline})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))

	st := f.Stats()
	assert.EqualValues(t, 0, st.Sent)
	assert.EqualValues(t, 2, st.Failed)
}

func TestForwarder_AttachValidation(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))

	f := New(Config{Segments: []model.Segment{model.NSECM}}, &mockWriter{}, zaptest.NewLogger(t))
	_, err := f.Attach(h)
	assert.Error(t, err, "no categories")

	f = New(Config{Segments: []model.Segment{model.SegmentUnknown}, Categories: []model.Category{model.CategoryDepth}}, &mockWriter{}, zaptest.NewLogger(t))
	_, err = f.Attach(h)
	assert.Error(t, err, "invalid segment")

	f = New(Config{Segments: []model.Segment{model.NSECM}, Categories: []model.Category{model.CategoryDepth}}, &mockWriter{}, zaptest.NewLogger(t))
	_, err = f.Attach(h)
	require.NoError(t, err)
	_, err = f.Attach(h)
	assert.Error(t, err, "second attach")
}

func TestForwarder_FailedAttachCanBeRetried(t *testing.T) {
	h := hub.New(zaptest.NewLogger(t))
	f := New(Config{Segments: []model.Segment{model.NSECM}}, &mockWriter{}, zaptest.NewLogger(t))

	_, err := f.Attach(h)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "already attached")

	f.cfg.Categories = []model.Category{model.CategoryDepth, model.NumCategories}
	_, err = f.Attach(h)
	require.ErrorIs(t, err, hub.ErrInvalidKey)
	assert.Zero(t, h.Stats().Subscriptions)

	f.cfg.Categories = []model.Category{model.CategoryDepth}
	_, err = f.Attach(h)
	require.NoError(t, err)
	h.Publish(depth(model.NSECM, 7, 100))
	assert.Equal(t, 1, f.Stats().Queued)

	_, err = f.Attach(h)
	assert.ErrorContains(t, err, "already attached")
}
