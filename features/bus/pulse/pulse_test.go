package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/weftworks/weft/catalog/bus"
)

type fakeStream struct {
	mu    sync.Mutex
	added []*streaming.Event
	sinks []*fakeSink
	seq   int
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	evt := &streaming.Event{EventName: event, Payload: payload}
	f.added = append(f.added, evt)
	for _, s := range f.sinks {
		s.events <- evt
	}
	return "0-0", nil
}

func (f *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sink := &fakeSink{name: name, events: make(chan *streaming.Event, 16)}
	f.sinks = append(f.sinks, sink)
	return sink, nil
}

type fakeSink struct {
	name   string
	events chan *streaming.Event
	mu     sync.Mutex
	acked  int
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(context.Context, *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

func newTestBus(t *testing.T) (*Bus, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	b, err := New(Options{Stream: stream})
	require.NoError(t, err)
	return b, stream
}

func TestPublishEncodesEnvelope(t *testing.T) {
	b, stream := newTestBus(t)
	ctx := context.Background()

	env := bus.Envelope{
		ID:      "evt-1",
		Type:    "order.created",
		Source:  "shop",
		Payload: map[string]any{"orderId": float64(42)},
	}
	require.NoError(t, b.Publish(ctx, env))

	require.Len(t, stream.added, 1)
	assert.Equal(t, "order.created", stream.added[0].EventName)
	var got bus.Envelope
	require.NoError(t, json.Unmarshal(stream.added[0].Payload, &got))
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "shop", got.Source)
	assert.Equal(t, float64(42), got.Payload["orderId"])
	assert.False(t, got.OccurredAt.IsZero())
}

func TestPublishRequiresType(t *testing.T) {
	b, _ := newTestBus(t)
	require.Error(t, b.Publish(context.Background(), bus.Envelope{ID: "evt-1"}))
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	b, stream := newTestBus(t)
	ctx := context.Background()

	received := make(chan bus.Envelope, 4)
	sub, err := b.Subscribe(ctx, "", func(_ context.Context, env bus.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, b.Publish(ctx, bus.Envelope{ID: "evt-1", Type: "order.created"}))

	select {
	case env := <-received:
		assert.Equal(t, "evt-1", env.ID)
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for envelope")
	}
	require.Eventually(t, func() bool { return stream.sinks[0].ackCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSubjectFiltersOtherTypes(t *testing.T) {
	b, stream := newTestBus(t)
	ctx := context.Background()

	received := make(chan bus.Envelope, 4)
	sub, err := b.Subscribe(ctx, bus.TypeAssetProduced, func(_ context.Context, env bus.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, b.Publish(ctx, bus.Envelope{ID: "evt-1", Type: "order.created"}))
	require.NoError(t, b.Publish(ctx, bus.Envelope{ID: "evt-2", Type: bus.TypeAssetProduced}))

	select {
	case env := <-received:
		assert.Equal(t, "evt-2", env.ID)
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for envelope")
	}
	// the non-matching event is acked too so it does not stay pending
	require.Eventually(t, func() bool { return stream.sinks[0].ackCount() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestHandlerErrorLeavesEventUnacked(t *testing.T) {
	b, stream := newTestBus(t)
	ctx := context.Background()

	received := make(chan struct{}, 4)
	sub, err := b.Subscribe(ctx, "", func(context.Context, bus.Envelope) error {
		received <- struct{}{}
		return errors.New("boom")
	})
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, b.Publish(ctx, bus.Envelope{ID: "evt-1", Type: "order.created"}))

	select {
	case <-received:
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for handler")
	}
	assert.Equal(t, 0, stream.sinks[0].ackCount())
}

func TestCloseStopsConsumerAndClosesSink(t *testing.T) {
	b, stream := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "", func(context.Context, bus.Envelope) error { return nil })
	require.NoError(t, err)
	require.NoError(t, sub.Close(ctx))
	require.NoError(t, sub.Close(ctx))

	stream.mu.Lock()
	sink := stream.sinks[0]
	stream.mu.Unlock()
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)
}
