package eventbus

import (
	"sync"
	"sync/atomic"

	"iap-coordinator/internal/models"

	"go.uber.org/zap"
)

// Event is a published billing event
type Event struct {
	Kind    models.EventKind
	Payload any
}

// Handler receives events for the kinds it is subscribed to
type Handler func(Event)

type subscription struct {
	subscriber string
	handler    Handler
	active     atomic.Bool
}

// Bus is a synchronous publish/subscribe channel for billing events.
//
// Subscriptions are identified by (kind, subscriber name), which makes
// Subscribe and Unsubscribe idempotent. Publish runs handlers on the
// publisher's goroutine in subscription order.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[models.EventKind][]*subscription
	closed bool
}

// New creates an empty bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[models.EventKind][]*subscription),
	}
}

// Subscribe registers h for kind under the subscriber name. A second
// Subscribe with the same (kind, subscriber) keeps the first handler.
func (b *Bus) Subscribe(kind models.EventKind, subscriber string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs[kind] {
		if s.subscriber == subscriber {
			return
		}
	}
	s := &subscription{subscriber: subscriber, handler: h}
	s.active.Store(true)
	b.subs[kind] = append(b.subs[kind], s)
}

// Unsubscribe removes the (kind, subscriber) registration if present
func (b *Bus) Unsubscribe(kind models.EventKind, subscriber string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(kind, subscriber)
}

// UnsubscribeAll removes every registration held by subscriber
func (b *Bus) UnsubscribeAll(subscriber string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind := range b.subs {
		b.removeLocked(kind, subscriber)
	}
}

func (b *Bus) removeLocked(kind models.EventKind, subscriber string) {
	subs := b.subs[kind]
	for i, s := range subs {
		if s.subscriber != subscriber {
			continue
		}
		s.active.Store(false)
		// copy-on-write so in-flight snapshots keep their own slice
		next := make([]*subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, kind)
		} else {
			b.subs[kind] = next
		}
		return
	}
}

// Publish delivers payload to every handler subscribed to kind when the
// call starts. Handlers removed before their turn are skipped.
func (b *Bus) Publish(kind models.EventKind, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	snapshot := b.subs[kind]
	b.mu.RUnlock()

	evt := Event{Kind: kind, Payload: payload}
	for _, s := range snapshot {
		if !s.active.Load() {
			continue
		}
		b.dispatch(s, evt)
	}
}

func (b *Bus) dispatch(s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.String("subscriber", s.subscriber),
				zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}

// Subscribers returns the number of live subscriptions for kind
func (b *Bus) Subscribers(kind models.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Close releases every subscription. Publish and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	b.subs = make(map[models.EventKind][]*subscription)
}

// Closed reports whether Close has been called
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
