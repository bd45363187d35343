package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes orchestration events to registered subscribers in a
	// fan-out pattern. Events are delivered synchronously in the publisher's
	// goroutine in registration order; delivery stops at the first subscriber
	// error so critical subscribers can halt execution.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber and returns the first subscriber error, if any.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription for
		// unregistering. Register fails if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. HandleEvent should return an
	// error only when processing fails in a way that must halt the
	// publisher; non-critical failures should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription is a handle for an active registration. Close is
	// idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// entries keeps registration order so delivery is deterministic.
		entries []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs an in-memory fan-out bus ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish snapshots the subscriber list under the read lock, then invokes
// each subscriber outside the lock so handlers may register or close
// subscriptions without deadlocking.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.entries))
	for i, e := range b.entries {
		subs[i] = e.sub
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.entries = append(b.entries, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Events already being delivered
// when Close is called may still reach the subscriber.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, e := range s.bus.entries {
			if e == s {
				s.bus.entries = append(s.bus.entries[:i], s.bus.entries[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
