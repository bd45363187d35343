// Package pulse implements the event bus on goa.design/pulse streams. All
// envelopes flow through one Redis-backed stream; the envelope type doubles
// as the Pulse event name. Each subscription is its own consumer group, so
// every subscriber sees every envelope and acks independently.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/google/uuid"

	"github.com/weftworks/weft/catalog/bus"
	"github.com/weftworks/weft/runtime/telemetry"
)

const (
	defaultStreamName = "weft_events"
	defaultMaxLen     = 10_000
)

type (
	// Stream is the subset of a Pulse stream the bus uses.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink mirrors the Pulse consumer-group surface the bus reads from.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	// Options configures the Bus. Redis is required unless Stream is
	// injected directly.
	Options struct {
		// Redis backs the Pulse stream.
		Redis *goredis.Client
		// StreamName names the shared event stream.
		StreamName string
		// MaxLen bounds retained entries.
		MaxLen int
		// Stream overrides the Pulse stream, primarily for tests.
		Stream Stream
		Logger telemetry.Logger
	}

	// Bus implements bus.Bus on a Pulse stream.
	Bus struct {
		stream Stream
		name   string
		logger telemetry.Logger
	}

	subscription struct {
		cancel context.CancelFunc
		sink   Sink
		done   chan struct{}
		once   sync.Once
	}

	streamHandle struct {
		stream *streaming.Stream
	}
)

var _ bus.Bus = (*Bus)(nil)

// New constructs the bus, creating the shared stream when needed.
func New(opts Options) (*Bus, error) {
	logger, _, _ := telemetry.OrDefault(opts.Logger, nil, nil)
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	stream := opts.Stream
	if stream == nil {
		if opts.Redis == nil {
			return nil, errors.New("redis client is required")
		}
		maxLen := opts.MaxLen
		if maxLen <= 0 {
			maxLen = defaultMaxLen
		}
		str, err := streaming.NewStream(name, opts.Redis, streamopts.WithStreamMaxLen(maxLen))
		if err != nil {
			return nil, fmt.Errorf("create pulse stream: %w", err)
		}
		stream = &streamHandle{stream: str}
	}
	return &Bus{stream: stream, name: name, logger: logger}, nil
}

// Publish appends the envelope to the stream. The envelope type is the Pulse
// event name.
func (b *Bus) Publish(ctx context.Context, env bus.Envelope) error {
	if env.Type == "" {
		return errors.New("envelope type is required")
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := b.stream.Add(ctx, env.Type, payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated consumer group and pumps matching envelopes
// into the handler. Envelopes are acked only after the handler returns nil,
// leaving failed deliveries pending for redelivery.
func (b *Bus) Subscribe(ctx context.Context, subject string, h bus.Handler) (bus.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	sinkName := b.name + "_" + uuid.NewString()
	sink, err := b.stream.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, sink: sink, done: make(chan struct{})}
	go b.consume(runCtx, sink, subject, h, sub.done)
	return sub, nil
}

func (b *Bus) consume(ctx context.Context, sink Sink, subject string, h bus.Handler, done chan<- struct{}) {
	defer close(done)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env bus.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				b.logger.Warn(ctx, "dropping malformed envelope", "stream", b.name, "err", err.Error())
				b.ack(ctx, sink, evt)
				continue
			}
			if subject != "" && env.Type != subject {
				// not for this subscriber; ack so it does not stay pending
				b.ack(ctx, sink, evt)
				continue
			}
			if err := h(ctx, env); err != nil {
				b.logger.Warn(ctx, "handler failed, leaving event pending",
					"stream", b.name, "event", env.ID, "err", err.Error())
				continue
			}
			b.ack(ctx, sink, evt)
		}
	}
}

func (b *Bus) ack(ctx context.Context, sink Sink, evt *streaming.Event) {
	if err := sink.Ack(ctx, evt); err != nil {
		b.logger.Warn(ctx, "pulse ack failed", "stream", b.name, "err", err.Error())
	}
}

// Close stops the consumer and closes the sink. Idempotent.
func (s *subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.sink.Close(ctx)
	})
	return nil
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{sink}, nil
}

// sinkAdapter narrows streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
