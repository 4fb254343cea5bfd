// Package hub fans merged ticks out to consumers. Delivery is a direct,
// synchronous callback on the goroutine that produced the tick: there is no
// queue and no polling, so per-instrument ordering is exactly the decode
// order of that instrument's segment.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"feedsync/internal/model"
)

var (
	ErrNilHandler     = errors.New("hub: nil handler")
	ErrInvalidKey     = errors.New("hub: invalid subscription key")
	ErrConsumerClosed = errors.New("hub: consumer closed")
)

// SubscriptionID identifies one registration.
type SubscriptionID uint64

// ConsumerID identifies the owner of a group of subscriptions.
type ConsumerID uint64

// Handler receives an immutable copy of a merged tick. It runs on a feed
// goroutine and must not block; hand work off to another goroutine instead.
type Handler func(model.Tick)

type keyKind uint8

const (
	kindInstrument keyKind = iota + 1
	kindCategory
)

// Key addresses either one instrument or one message category of a segment.
type Key struct {
	kind  keyKind
	seg   model.Segment
	token uint32
	cat   model.Category
}

// InstrumentKey addresses every update of (seg, token).
func InstrumentKey(seg model.Segment, token uint32) Key {
	return Key{kind: kindInstrument, seg: seg, token: token}
}

// CategoryKey addresses every update of category cat across all instruments of seg.
func CategoryKey(seg model.Segment, cat model.Category) Key {
	return Key{kind: kindCategory, seg: seg, cat: cat}
}

func (k Key) valid() bool {
	if !k.seg.Valid() {
		return false
	}
	switch k.kind {
	case kindInstrument:
		return true
	case kindCategory:
		return k.cat < model.NumCategories
	}
	return false
}

func (k Key) String() string {
	if k.kind == kindCategory {
		return k.seg.String() + "/" + k.cat.String()
	}
	return model.MakeKey(k.seg, k.token).String()
}

type subscription struct {
	id       SubscriptionID
	consumer ConsumerID
	name     string
	key      Key
	handler  Handler

	// gate is read-held for the duration of a callback; UnsubscribeAll takes
	// it exclusively to wait out in-flight deliveries.
	gate   sync.RWMutex
	active atomic.Bool
}

// subList is a copy-on-write slice of subscriptions. Readers load it without
// a lock; writers replace it under Hub.mu.
type subList struct {
	subs atomic.Pointer[[]*subscription]
}

func (l *subList) load() []*subscription {
	if p := l.subs.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *subList) add(s *subscription) {
	old := l.load()
	next := make([]*subscription, len(old)+1)
	copy(next, old)
	next[len(old)] = s
	l.subs.Store(&next)
}

// remove drops s and reports how many subscriptions remain.
func (l *subList) remove(s *subscription) int {
	old := l.load()
	next := make([]*subscription, 0, len(old))
	for _, x := range old {
		if x != s {
			next = append(next, x)
		}
	}
	l.subs.Store(&next)
	return len(next)
}

// Hub tracks consumer interest and delivers merged ticks.
type Hub struct {
	logger *zap.Logger

	mu          sync.RWMutex
	instruments map[model.Key]*subList
	byID        map[SubscriptionID]*subscription
	byConsumer  map[ConsumerID]map[SubscriptionID]*subscription

	categories [model.NumSegments][model.NumCategories]subList

	nextSub      atomic.Uint64
	nextConsumer atomic.Uint64
	faults       atomic.Uint64

	// OnFault is called after a handler panic has been recovered.
	OnFault func(seg model.Segment)
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger:      logger,
		instruments: make(map[model.Key]*subList),
		byID:        make(map[SubscriptionID]*subscription),
		byConsumer:  make(map[ConsumerID]map[SubscriptionID]*subscription),
	}
}

// Subscribe registers handler for key on behalf of consumer. Several
// subscriptions may share a key. Ticks published before Subscribe returns
// are not replayed.
func (h *Hub) Subscribe(key Key, consumer ConsumerID, handler Handler) (SubscriptionID, error) {
	return h.subscribe(key, consumer, "", handler, nil)
}

// subscribe registers under h.mu. A non-nil closed flag is checked under the
// same lock that Consumer.Close sets it under, so a registration either lands
// before the teardown sweep or fails.
func (h *Hub) subscribe(key Key, consumer ConsumerID, name string, handler Handler, closed *atomic.Bool) (SubscriptionID, error) {
	if handler == nil {
		return 0, ErrNilHandler
	}
	if !key.valid() {
		return 0, fmt.Errorf("%w: %+v", ErrInvalidKey, key)
	}
	s := &subscription{
		id:       SubscriptionID(h.nextSub.Add(1)),
		consumer: consumer,
		name:     name,
		key:      key,
		handler:  handler,
	}
	s.active.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	if closed != nil && closed.Load() {
		return 0, ErrConsumerClosed
	}
	h.byID[s.id] = s
	owned := h.byConsumer[consumer]
	if owned == nil {
		owned = make(map[SubscriptionID]*subscription)
		h.byConsumer[consumer] = owned
	}
	owned[s.id] = s
	h.listFor(key, true).add(s)
	return s.id, nil
}

// listFor returns the list for key; callers hold h.mu.
func (h *Hub) listFor(key Key, create bool) *subList {
	if key.kind == kindCategory {
		return &h.categories[key.seg][key.cat]
	}
	mk := model.MakeKey(key.seg, key.token)
	l := h.instruments[mk]
	if l == nil && create {
		l = &subList{}
		h.instruments[mk] = l
	}
	return l
}

// detach removes s from every index; callers hold h.mu.
func (h *Hub) detach(s *subscription) {
	delete(h.byID, s.id)
	if owned := h.byConsumer[s.consumer]; owned != nil {
		delete(owned, s.id)
		if len(owned) == 0 {
			delete(h.byConsumer, s.consumer)
		}
	}
	if l := h.listFor(s.key, false); l != nil {
		if l.remove(s) == 0 && s.key.kind == kindInstrument {
			delete(h.instruments, model.MakeKey(s.key.seg, s.key.token))
		}
	}
}

// Unsubscribe removes one subscription. It does not wait for a callback
// already running, so it is safe to call from inside that callback.
func (h *Hub) Unsubscribe(id SubscriptionID) bool {
	h.mu.Lock()
	s, ok := h.byID[id]
	if ok {
		h.detach(s)
	}
	h.mu.Unlock()
	if ok {
		s.active.Store(false)
	}
	return ok
}

// UnsubscribeAll removes every subscription of consumer and waits for its
// in-flight callbacks to return; after it returns no callback of consumer
// fires again. It must not be called from one of consumer's own callbacks.
func (h *Hub) UnsubscribeAll(consumer ConsumerID) int {
	h.mu.Lock()
	owned := h.byConsumer[consumer]
	subs := make([]*subscription, 0, len(owned))
	for _, s := range owned {
		subs = append(subs, s)
	}
	for _, s := range subs {
		h.detach(s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
		s.gate.Lock()
		s.gate.Unlock() //nolint:staticcheck // barrier
	}
	return len(subs)
}

// Publish delivers t to the subscribers of its instrument and then to the
// subscribers of its (segment, category). The hub lock covers only the
// lookup, never a callback.
func (h *Hub) Publish(t *model.Tick) {
	h.mu.RLock()
	inst := h.instruments[t.Key()]
	h.mu.RUnlock()

	if inst != nil {
		for _, s := range inst.load() {
			h.invoke(s, t)
		}
	}
	if int(t.Segment) < model.NumSegments && t.Category < model.NumCategories {
		for _, s := range h.categories[t.Segment][t.Category].load() {
			h.invoke(s, t)
		}
	}
}

func (h *Hub) invoke(s *subscription, t *model.Tick) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.faults.Add(1)
			h.logger.Error("subscriber callback panicked",
				zap.Uint64("subscription", uint64(s.id)),
				zap.Uint64("consumer", uint64(s.consumer)),
				zap.String("consumer_name", s.name),
				zap.Stringer("key", s.key),
				zap.Any("panic", r),
			)
			if h.OnFault != nil {
				h.OnFault(t.Segment)
			}
		}
	}()
	s.handler(*t)
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Subscriptions int
	Consumers     int
	Faults        uint64
}

// Stats returns current registration counts and the total recovered faults.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscriptions: len(h.byID),
		Consumers:     len(h.byConsumer),
		Faults:        h.faults.Load(),
	}
}
