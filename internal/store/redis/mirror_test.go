package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
)

func setup(t *testing.T, cfg Config) (*miniredis.Miniredis, *goredis.Client, *Mirror) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client, NewMirror(client, cfg, zap.NewNop())
}

func runMirror(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "md:latest:NSEFO:35001", LatestKey(model.NSEFO, 35001))
	assert.Equal(t, "md:tick:BSECM:500325", Channel(model.BSECM, 500325))
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = Dial(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}

func TestMirror_WritesLatestAndPublishes(t *testing.T) {
	mr, client, m := setup(t, Config{FlushInterval: 5 * time.Millisecond})
	h := hub.New(zap.NewNop())
	c, err := m.Attach(h, []model.Segment{model.NSEFO}, []model.Category{model.CategoryTrade, model.CategoryDepth})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, Channel(model.NSEFO, 35001))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	runMirror(t, m)
	h.Publish(&model.Tick{Segment: model.NSEFO, Token: 35001, Category: model.CategoryTrade, LTP: 10005, Volume: 1010})
	h.Publish(&model.Tick{Segment: model.NSEFO, Token: 35001, Category: model.CategoryTouchline, LTP: 1})

	require.Eventually(t, func() bool { return mr.Exists(LatestKey(model.NSEFO, 35001)) }, 2*time.Second, 5*time.Millisecond)

	got, err := m.Latest(ctx, model.NSEFO, 35001)
	require.NoError(t, err)
	assert.Equal(t, int64(10005), got.LTP)
	assert.Equal(t, int64(1010), got.Volume)
	assert.True(t, mr.TTL(LatestKey(model.NSEFO, 35001)) > 0)

	select {
	case msg := <-sub.Channel():
		var pub model.Tick
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &pub))
		assert.Equal(t, uint32(35001), pub.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}
}

func TestMirror_CoalescesPerInstrument(t *testing.T) {
	_, _, m := setup(t, Config{FlushInterval: time.Hour, MaxBatch: 1000})
	for i := int64(1); i <= 10; i++ {
		m.Offer(model.Tick{Segment: model.NSECM, Token: 22, LTP: i})
	}
	m.Offer(model.Tick{Segment: model.NSECM, Token: 2885, LTP: 7})
	m.drainQueue()
	assert.Equal(t, 2, m.Pending())

	var flushed int
	m.OnFlush = func(n int, _ time.Duration) { flushed = n }
	m.flush(context.Background())
	assert.Equal(t, 2, flushed)

	got, err := m.Latest(context.Background(), model.NSECM, 22)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.LTP)
}

func TestMirror_BuffersWhileRedisDown(t *testing.T) {
	mr, _, m := setup(t, Config{FlushInterval: time.Hour, MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	var buffered int
	m.OnBuffer = func(n int) { buffered = n }

	mr.SetError("LOADING redis is loading")
	m.Offer(model.Tick{Segment: model.BSEFO, Token: 1100, LTP: 1})
	m.drainQueue()
	m.flush(ctx)
	assert.Equal(t, StateOpen, m.Breaker().CurrentState())
	assert.Equal(t, 1, buffered)

	// newer update while open replaces the buffered one
	m.Offer(model.Tick{Segment: model.BSEFO, Token: 1100, LTP: 2})
	m.drainQueue()
	m.flush(ctx)
	assert.Equal(t, 1, m.Pending())

	mr.SetError("")
	time.Sleep(30 * time.Millisecond)
	m.flush(ctx)
	assert.Equal(t, StateClosed, m.Breaker().CurrentState())
	assert.Equal(t, 0, m.Pending())

	got, err := m.Latest(ctx, model.BSEFO, 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LTP)
}

func TestMirror_OfferDropsWhenQueueFull(t *testing.T) {
	_, _, m := setup(t, Config{QueueSize: 1})
	drops := 0
	m.OnDrop = func() { drops++ }

	m.Offer(model.Tick{Segment: model.NSECM, Token: 1})
	m.Offer(model.Tick{Segment: model.NSECM, Token: 2})

	assert.Equal(t, 1, drops)
	assert.Equal(t, uint64(1), m.Drops())
}

func TestMirror_FinalFlushOnCancel(t *testing.T) {
	mr, _, m := setup(t, Config{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Offer(model.Tick{Segment: model.NSECM, Token: 22, LTP: 5})
	cancel()
	<-done

	assert.True(t, mr.Exists(LatestKey(model.NSECM, 22)))
	assert.Equal(t, uint64(1), m.Written())
}
