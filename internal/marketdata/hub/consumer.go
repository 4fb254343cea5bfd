package hub

import (
	"sync"
	"sync/atomic"

	"feedsync/internal/model"
)

// Consumer owns a group of subscriptions. Close tears all of them down and
// is the only supported way for a consumer to go away.
type Consumer struct {
	id   ConsumerID
	name string
	hub  *Hub

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConsumer registers a new consumer identity. name is used in logs only.
func (h *Hub) NewConsumer(name string) *Consumer {
	return &Consumer{
		id:   ConsumerID(h.nextConsumer.Add(1)),
		name: name,
		hub:  h,
	}
}

func (c *Consumer) ID() ConsumerID { return c.id }
func (c *Consumer) Name() string   { return c.name }

// SubscribeInstrument delivers every update of (seg, token) to fn.
func (c *Consumer) SubscribeInstrument(seg model.Segment, token uint32, fn Handler) (SubscriptionID, error) {
	return c.subscribe(InstrumentKey(seg, token), fn)
}

// SubscribeCategory delivers every update of category cat in seg to fn.
func (c *Consumer) SubscribeCategory(seg model.Segment, cat model.Category, fn Handler) (SubscriptionID, error) {
	return c.subscribe(CategoryKey(seg, cat), fn)
}

func (c *Consumer) subscribe(key Key, fn Handler) (SubscriptionID, error) {
	if c.closed.Load() {
		return 0, ErrConsumerClosed
	}
	return c.hub.subscribe(key, c.id, c.name, fn, &c.closed)
}

// Unsubscribe removes one of this consumer's subscriptions.
func (c *Consumer) Unsubscribe(id SubscriptionID) bool {
	return c.hub.Unsubscribe(id)
}

// Close unsubscribes everything and waits for in-flight callbacks. Further
// Subscribe calls fail with ErrConsumerClosed.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		c.closed.Store(true)
		c.hub.mu.Unlock()
		c.hub.UnsubscribeAll(c.id)
	})
}
