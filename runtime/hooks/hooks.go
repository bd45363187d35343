// Package hooks implements fan-out hooks for orchestration observability.
//
// The executor, scheduler, trigger processor and materializer publish
// lifecycle events (run start/completion, step transitions, retries, asset
// materializations) to the hook bus. Subscribers consume them for streaming,
// persistence or metrics without coupling producers to any particular sink.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    if evt.Type() == hooks.RunCompleted {
//	        fmt.Printf("run %s finished\n", evt.RunID())
//	    }
//	    return nil
//	})
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
package hooks

import "context"

// SubscriberFunc adapts an ordinary function into a Subscriber.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// EventType enumerates well-known orchestration events broadcast on the bus.
type EventType string

const (
	// RunStarted fires when a workflow run transitions to running.
	RunStarted EventType = "run_started"

	// RunCompleted fires when a workflow run reaches a terminal status.
	RunCompleted EventType = "run_completed"

	// StepStarted fires when a step begins its first or a retried attempt.
	StepStarted EventType = "step_started"

	// StepCompleted fires when a step reaches a terminal status, including
	// skipped.
	StepCompleted EventType = "step_completed"

	// StepRetried fires before a failed attempt is retried, after the
	// backoff delay has been computed.
	StepRetried EventType = "step_retried"

	// AssetMaterialized fires after a materialization record has been
	// persisted for a produced asset.
	AssetMaterialized EventType = "asset_materialized"

	// ScheduleFired fires when the scheduler launches a run for a cron
	// occurrence.
	ScheduleFired EventType = "schedule_fired"

	// TriggerMatched fires when an event trigger's predicates all match an
	// incoming event, before throttling and idempotency checks.
	TriggerMatched EventType = "trigger_matched"

	// JobDispatched fires when a job run is handed to the job runtime.
	JobDispatched EventType = "job_dispatched"

	// JobCompleted fires when a job run reaches a terminal status.
	JobCompleted EventType = "job_completed"
)
