package hub

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feedsync/internal/model"
)

func tick(seg model.Segment, token uint32, cat model.Category, ltp int64) *model.Tick {
	return &model.Tick{Segment: seg, Token: token, Category: cat, LTP: ltp, Fields: model.FieldLTP}
}

func TestPublish_NoReplay(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	h.Publish(tick(model.NSECM, 22, model.CategoryTouchline, 100))

	c := h.NewConsumer("late")
	var got []int64
	_, err := c.SubscribeInstrument(model.NSECM, 22, func(tk model.Tick) { got = append(got, tk.LTP) })
	require.NoError(t, err)

	h.Publish(tick(model.NSECM, 22, model.CategoryTouchline, 101))
	assert.Equal(t, []int64{101}, got)
}

func TestPublish_InstrumentKeyIsSegmentQualified(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("fo")
	var n int
	_, err := c.SubscribeInstrument(model.NSEFO, 35001, func(model.Tick) { n++ })
	require.NoError(t, err)

	h.Publish(tick(model.BSEFO, 35001, model.CategoryTrade, 1))
	h.Publish(tick(model.NSECM, 35001, model.CategoryTrade, 1))
	assert.Equal(t, 0, n)

	h.Publish(tick(model.NSEFO, 35001, model.CategoryTrade, 1))
	assert.Equal(t, 1, n)
}

func TestPublish_CategoryOnlyDepth(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("depth")
	var got []model.Category
	_, err := c.SubscribeCategory(model.BSECM, model.CategoryDepth, func(tk model.Tick) {
		got = append(got, tk.Category)
	})
	require.NoError(t, err)

	h.Publish(tick(model.BSECM, 500325, model.CategoryTouchline, 1))
	h.Publish(tick(model.BSECM, 500325, model.CategoryDepth, 1))
	h.Publish(tick(model.BSECM, 500112, model.CategoryTrade, 1))
	h.Publish(tick(model.BSECM, 500112, model.CategoryDepth, 1))
	h.Publish(tick(model.NSECM, 2885, model.CategoryDepth, 1))

	assert.Equal(t, []model.Category{model.CategoryDepth, model.CategoryDepth}, got)
}

func TestPublish_InstrumentBeforeCategoryAndInOrder(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("both")
	var order []string
	_, err := c.SubscribeCategory(model.NSECM, model.CategoryTrade, func(tk model.Tick) {
		order = append(order, "cat:"+strconv.FormatInt(tk.LTP, 10))
	})
	require.NoError(t, err)
	_, err = c.SubscribeInstrument(model.NSECM, 7, func(tk model.Tick) {
		order = append(order, "inst:"+strconv.FormatInt(tk.LTP, 10))
	})
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		h.Publish(tick(model.NSECM, 7, model.CategoryTrade, i))
	}
	assert.Equal(t, []string{"inst:1", "cat:1", "inst:2", "cat:2", "inst:3", "cat:3"}, order)
}

func TestPublish_HandlerGetsCopy(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("mut")
	_, err := c.SubscribeInstrument(model.NSECM, 1, func(tk model.Tick) { tk.LTP = -1 })
	require.NoError(t, err)

	src := tick(model.NSECM, 1, model.CategoryTrade, 55)
	h.Publish(src)
	assert.Equal(t, int64(55), src.LTP)
}

func TestPublish_PanicIsolated(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	var faults atomic.Int32
	h.OnFault = func(seg model.Segment) {
		assert.Equal(t, model.NSEFO, seg)
		faults.Add(1)
	}

	bad := h.NewConsumer("bad")
	good := h.NewConsumer("good")
	_, err := bad.SubscribeInstrument(model.NSEFO, 9, func(model.Tick) { panic("boom") })
	require.NoError(t, err)
	var n int
	_, err = good.SubscribeInstrument(model.NSEFO, 9, func(model.Tick) { n++ })
	require.NoError(t, err)

	assert.NotPanics(t, func() { h.Publish(tick(model.NSEFO, 9, model.CategoryTouchline, 1)) })
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), faults.Load())
	assert.Equal(t, uint64(1), h.Stats().Faults)

	// the faulting subscription stays registered
	h.Publish(tick(model.NSEFO, 9, model.CategoryTouchline, 2))
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), h.Stats().Faults)
}

func TestSubscribe_Validation(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("v")

	_, err := c.SubscribeInstrument(model.NSECM, 1, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	_, err = c.SubscribeInstrument(model.SegmentUnknown, 1, func(model.Tick) {})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.SubscribeCategory(model.NSECM, model.NumCategories, func(model.Tick) {})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = h.Subscribe(Key{}, c.ID(), func(model.Tick) {})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestUnsubscribe(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("u")
	var a, b int
	ida, err := c.SubscribeInstrument(model.NSECM, 1, func(model.Tick) { a++ })
	require.NoError(t, err)
	_, err = c.SubscribeInstrument(model.NSECM, 1, func(model.Tick) { b++ })
	require.NoError(t, err)

	assert.True(t, c.Unsubscribe(ida))
	assert.False(t, c.Unsubscribe(ida))

	h.Publish(tick(model.NSECM, 1, model.CategoryTrade, 1))
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, h.Stats().Subscriptions)
}

func TestUnsubscribe_FromOwnCallback(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("self")
	var id SubscriptionID
	var n int
	id, err := c.SubscribeInstrument(model.NSECM, 3, func(model.Tick) {
		n++
		c.Unsubscribe(id)
	})
	require.NoError(t, err)

	h.Publish(tick(model.NSECM, 3, model.CategoryTrade, 1))
	h.Publish(tick(model.NSECM, 3, model.CategoryTrade, 2))
	assert.Equal(t, 1, n)
}

func TestUnsubscribeAll_NoCallbacksAfterReturn(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("closing")

	var closed atomic.Bool
	var late atomic.Int32
	var inFlight sync.WaitGroup
	inFlight.Add(1)
	entered := make(chan struct{})
	var once sync.Once

	_, err := c.SubscribeCategory(model.NSECM, model.CategoryTrade, func(model.Tick) {
		once.Do(func() {
			close(entered)
			time.Sleep(20 * time.Millisecond)
			inFlight.Done()
		})
		if closed.Load() {
			late.Add(1)
		}
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	var pubs sync.WaitGroup
	for g := 0; g < 4; g++ {
		pubs.Add(1)
		go func(tok uint32) {
			defer pubs.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Publish(tick(model.NSECM, tok, model.CategoryTrade, 1))
				}
			}
		}(uint32(g + 1))
	}

	<-entered
	c.Close()
	// the sleeping callback must have finished before Close returned
	done := make(chan struct{})
	go func() { inFlight.Wait(); close(done) }()
	select {
	case <-done:
	default:
		t.Fatal("Close returned while a callback was still running")
	}
	closed.Store(true)

	time.Sleep(10 * time.Millisecond)
	close(stop)
	pubs.Wait()

	assert.Equal(t, int32(0), late.Load())
	assert.Equal(t, 0, h.Stats().Subscriptions)
	assert.Equal(t, 0, h.Stats().Consumers)

	_, err = c.SubscribeInstrument(model.NSECM, 1, func(model.Tick) {})
	assert.ErrorIs(t, err, ErrConsumerClosed)
}

func TestConsumer_RegistrationAfterCloseSweepFails(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("view")
	_, err := c.SubscribeInstrument(model.NSEFO, 35001, func(model.Tick) {})
	require.NoError(t, err)

	// Close lands between the consumer's own closed check and the hub
	// registration.
	c.Close()
	var n int
	_, err = h.subscribe(InstrumentKey(model.NSEFO, 35001), c.ID(), c.Name(), func(model.Tick) { n++ }, &c.closed)
	assert.ErrorIs(t, err, ErrConsumerClosed)

	h.Publish(tick(model.NSEFO, 35001, model.CategoryTrade, 1))
	assert.Zero(t, n)
	assert.Equal(t, 0, h.Stats().Subscriptions)
	assert.Equal(t, 0, h.Stats().Consumers)
}

func TestConsumer_ConcurrentSubscribeAndClose(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	for round := 0; round < 200; round++ {
		c := h.NewConsumer("racer")
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for i := 0; i < 20; i++ {
					_, err := c.SubscribeInstrument(model.NSECM, uint32(g*100+i+1), func(model.Tick) {})
					if err != nil {
						assert.ErrorIs(t, err, ErrConsumerClosed)
						return
					}
				}
			}(g)
		}
		close(start)
		c.Close()
		wg.Wait()
		require.Equal(t, 0, h.Stats().Subscriptions, "round %d left subscriptions behind", round)
	}
	assert.Equal(t, 0, h.Stats().Consumers)
}

func TestUnsubscribeAll_OnlyThatConsumer(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	a := h.NewConsumer("a")
	b := h.NewConsumer("b")
	var na, nb int
	for tok := uint32(1); tok <= 3; tok++ {
		_, err := a.SubscribeInstrument(model.BSEFO, tok, func(model.Tick) { na++ })
		require.NoError(t, err)
	}
	_, err := b.SubscribeInstrument(model.BSEFO, 1, func(model.Tick) { nb++ })
	require.NoError(t, err)

	assert.Equal(t, 3, h.UnsubscribeAll(a.ID()))
	assert.Equal(t, 0, h.UnsubscribeAll(a.ID()))

	for tok := uint32(1); tok <= 3; tok++ {
		h.Publish(tick(model.BSEFO, tok, model.CategoryTrade, 1))
	}
	assert.Equal(t, 0, na)
	assert.Equal(t, 1, nb)
}

func TestPublish_UnsubscribedKeyDoesNotLeak(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	c := h.NewConsumer("leak")
	id, err := c.SubscribeInstrument(model.NSECM, 42, func(model.Tick) {})
	require.NoError(t, err)
	require.True(t, c.Unsubscribe(id))

	h.mu.RLock()
	_, ok := h.instruments[model.MakeKey(model.NSECM, 42)]
	h.mu.RUnlock()
	assert.False(t, ok)
}

func BenchmarkPublish(b *testing.B) {
	h := New(zaptest.NewLogger(b))
	c := h.NewConsumer("bench")
	var sink int64
	_, _ = c.SubscribeInstrument(model.NSECM, 1, func(tk model.Tick) { sink += tk.LTP })
	_, _ = c.SubscribeCategory(model.NSECM, model.CategoryTrade, func(tk model.Tick) { sink += tk.LTP })
	tk := tick(model.NSECM, 1, model.CategoryTrade, 1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Publish(tk)
	}
}
