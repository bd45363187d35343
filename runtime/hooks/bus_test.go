package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestBusPublishFanOut(t *testing.T) {
	b := NewBus()
	var got []EventType
	for i := 0; i < 3; i++ {
		if _, err := b.Register(SubscriberFunc(func(_ context.Context, evt Event) error {
			got = append(got, evt.Type())
			return nil
		})); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	evt := NewRunStartedEvent("run-1", "wf-1", "manual", nil)
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for _, typ := range got {
		if typ != RunStarted {
			t.Fatalf("unexpected event type %s", typ)
		}
	}
}

func TestBusRegisterNil(t *testing.T) {
	b := NewBus()
	if _, err := b.Register(nil); err == nil {
		t.Fatal("expected error registering nil subscriber")
	}
}

func TestBusStopsAtFirstError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	calls := 0
	b.Register(SubscriberFunc(func(context.Context, Event) error { calls++; return boom })) //nolint:errcheck
	b.Register(SubscriberFunc(func(context.Context, Event) error { calls++; return nil }))  //nolint:errcheck
	err := b.Publish(context.Background(), NewRunCompletedEvent("run-1", "wf-1", "failed", "x", 0))
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected delivery to stop after first error, got %d calls", calls)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewBus()
	delivered := 0
	sub, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
		delivered++
		return nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := b.Publish(context.Background(), NewStepStartedEvent("run-1", "wf-1", "extract", "job", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("closed subscriber received %d events", delivered)
	}
}
