// Package trigger implements the event trigger processor. Inbound envelopes
// are matched against active triggers by event type, source and JSONPath
// predicates; matches open a delivery record which is then driven through
// throttle, concurrency and idempotency gates before a workflow run is
// launched. Every decision lands on the delivery for audit.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weftworks/weft/catalog/bus"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/executor"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/telemetry"
	"github.com/weftworks/weft/runtime/template"
)

type (
	// Launcher creates and announces workflow runs. Satisfied by
	// runtime/executor.Executor.
	Launcher interface {
		LaunchRun(ctx context.Context, spec executor.LaunchSpec) (*workflow.Run, error)
	}

	// Store is the persistence surface the processor needs.
	Store interface {
		store.TriggerStore
		store.WorkflowStore
	}

	// Options configures the Processor. Store and Launcher are required.
	Options struct {
		Store    Store
		Launcher Launcher
		Hooks    hooks.Bus
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Processor matches envelopes against event triggers and launches runs.
	Processor struct {
		store    Store
		launcher Launcher
		hooks    hooks.Bus
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// New constructs a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("trigger: store is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("trigger: launcher is required")
	}
	logger, metrics, _ := telemetry.OrDefault(opts.Logger, opts.Metrics, nil)
	h := opts.Hooks
	if h == nil {
		h = hooks.NewBus()
	}
	return &Processor{
		store:    opts.Store,
		launcher: opts.Launcher,
		hooks:    h,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Subscribe attaches the processor to a bus so every published envelope flows
// through ProcessEnvelope. Processing errors are logged, not redelivered.
func (p *Processor) Subscribe(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, "", func(ctx context.Context, env bus.Envelope) error {
		if err := p.ProcessEnvelope(ctx, env); err != nil {
			p.logger.Error(ctx, "envelope processing failed", "event", env.ID, "err", err.Error())
		}
		return nil
	})
}

// ProcessEnvelope evaluates every active trigger for the envelope's type and
// source. Each matching trigger gets a delivery record tracking the outcome:
// launched, throttled, skipped or failed. A failure on one trigger does not
// stop evaluation of the others.
func (p *Processor) ProcessEnvelope(ctx context.Context, env bus.Envelope) error {
	triggers, err := p.store.ListActiveEventTriggers(ctx, env.Type, env.Source)
	if err != nil {
		return fmt.Errorf("list active triggers: %w", err)
	}
	if len(triggers) == 0 {
		return nil
	}
	doc := envelopeDocument(env)
	var firstErr error
	for _, trig := range triggers {
		matched, err := matchPredicates(ctx, trig.Predicates, doc)
		if err != nil {
			p.logger.Warn(ctx, "predicate evaluation failed",
				"trigger", trig.ID, "event", env.ID, "err", err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !matched {
			continue
		}
		if err := p.deliver(ctx, trig, env, doc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliver opens the delivery record and drives it to a terminal status.
func (p *Processor) deliver(ctx context.Context, trig *workflow.EventTrigger, env bus.Envelope, doc map[string]any) error {
	delivery := &workflow.TriggerDelivery{
		ID:                   ulid.Make().String(),
		TriggerID:            trig.ID,
		WorkflowDefinitionID: trig.WorkflowDefinitionID,
		EventID:              env.ID,
		Status:               workflow.DeliveryPending,
	}
	if err := p.store.CreateTriggerDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create delivery for trigger %s: %w", trig.ID, err)
	}
	p.hooks.Publish(ctx, hooks.NewTriggerMatchedEvent(trig.WorkflowDefinitionID, trig.ID, env.ID, env.Type)) //nolint:errcheck

	status, err := p.decide(ctx, trig, delivery, doc)
	if err != nil {
		delivery.Status = workflow.DeliveryFailed
		delivery.Reason = err.Error()
		if uerr := p.store.UpdateTriggerDelivery(ctx, delivery); uerr != nil {
			p.logger.Error(ctx, "delivery update failed", "delivery", delivery.ID, "err", uerr.Error())
		}
		p.metrics.IncCounter("trigger_deliveries", 1, "status", string(workflow.DeliveryFailed))
		return err
	}
	delivery.Status = status
	if err := p.store.UpdateTriggerDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("update delivery %s: %w", delivery.ID, err)
	}
	p.metrics.IncCounter("trigger_deliveries", 1, "status", string(status))
	return nil
}

// decide applies the throttle, concurrency and idempotency gates in order,
// then launches the run. It mutates the delivery's bookkeeping fields and
// returns the terminal status.
func (p *Processor) decide(ctx context.Context, trig *workflow.EventTrigger, delivery *workflow.TriggerDelivery, doc map[string]any) (workflow.DeliveryStatus, error) {
	if trig.ThrottleWindowMs > 0 && trig.ThrottleCount > 0 {
		since := time.Now().UTC().Add(-time.Duration(trig.ThrottleWindowMs) * time.Millisecond)
		n, err := p.store.CountRecentLaunches(ctx, trig.ID, since)
		if err != nil {
			return "", fmt.Errorf("count recent launches: %w", err)
		}
		if n >= trig.ThrottleCount {
			delivery.Reason = fmt.Sprintf("throttled: %d launches in the last %dms", n, trig.ThrottleWindowMs)
			return workflow.DeliveryThrottled, nil
		}
	}
	if trig.MaxConcurrency > 0 {
		n, err := p.store.CountLiveLaunches(ctx, trig.ID)
		if err != nil {
			return "", fmt.Errorf("count live launches: %w", err)
		}
		if n >= trig.MaxConcurrency {
			delivery.Reason = fmt.Sprintf("throttled: %d live runs at the concurrency cap", n)
			return workflow.DeliveryThrottled, nil
		}
	}
	if trig.IdempotencyKeyExpression != "" {
		key := renderText(trig.IdempotencyKeyExpression, doc)
		if key != "" {
			delivery.IdempotencyKey = key
			prior, err := p.store.FindDeliveryByIdempotencyKey(ctx, trig.ID, key)
			switch {
			case err == nil:
				delivery.Reason = fmt.Sprintf("idempotent replay of delivery %s", prior.ID)
				return workflow.DeliverySkipped, nil
			case !errors.Is(err, store.ErrNotFound):
				return "", fmt.Errorf("idempotency lookup: %w", err)
			}
		}
	}

	def, err := p.store.GetWorkflowDefinition(ctx, trig.WorkflowDefinitionID)
	if err != nil {
		return "", fmt.Errorf("load workflow %s: %w", trig.WorkflowDefinitionID, err)
	}
	delivery.Attempts++
	run, err := p.launcher.LaunchRun(ctx, executor.LaunchSpec{
		Definition:  def,
		Parameters:  template.RenderMap(trig.ParameterTemplate, doc),
		TriggeredBy: workflow.TriggeredByEventTrigger,
		Trigger: workflow.Trigger{
			Type:      "event",
			TriggerID: trig.ID,
			EventID:   delivery.EventID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("launch run: %w", err)
	}
	delivery.WorkflowRunID = run.ID
	return workflow.DeliveryLaunched, nil
}

// envelopeDocument is the predicate and template evaluation root.
func envelopeDocument(env bus.Envelope) map[string]any {
	doc := map[string]any{
		"id":         env.ID,
		"type":       env.Type,
		"payload":    anyMap(env.Payload),
		"occurredAt": env.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if env.Source != "" {
		doc["source"] = env.Source
	}
	return doc
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// renderText evaluates a template expression to a plain string key.
func renderText(expr string, doc map[string]any) string {
	switch v := template.RenderString(expr, doc).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
