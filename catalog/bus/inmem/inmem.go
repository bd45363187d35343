// Package inmem provides an in-process bus used by tests and by single-node
// deployments running in inline queue mode. Publish dispatches synchronously
// to subscribers in registration order, which keeps tests deterministic.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/weftworks/weft/catalog/bus"
)

// Bus implements bus.Bus in memory.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	subject string
	handler bus.Handler
}

type subscription struct {
	bus *Bus
	id  int
}

// New returns an empty in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish dispatches the envelope synchronously to every matching
// subscriber. The first handler error aborts the dispatch and is returned.
func (b *Bus) Publish(ctx context.Context, env bus.Envelope) error {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	// registration order
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	matched := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		sub := b.subs[id]
		if sub.subject == "" || sub.subject == env.Type {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for the subject. The empty subject matches
// every event type.
func (b *Bus) Subscribe(_ context.Context, subject string, h bus.Handler) (bus.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{subject: subject, handler: h}
	return &subscription{bus: b, id: id}, nil
}

// Close detaches the subscription.
func (s *subscription) Close(context.Context) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}
