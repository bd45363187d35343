// Package materializer reacts to asset.produced events by launching runs of
// downstream workflows that consume the produced asset and opt into
// auto-materialization. Events are debounced per (workflow, partitionKey) and
// suppressed while an earlier run for the same partition is still in flight,
// since that run will observe the new upstream on its own.
package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/catalog/bus"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/executor"
	"github.com/weftworks/weft/runtime/telemetry"
)

type (
	// Launcher creates and announces workflow runs. Satisfied by
	// runtime/executor.Executor.
	Launcher interface {
		LaunchRun(ctx context.Context, spec executor.LaunchSpec) (*workflow.Run, error)
	}

	// Store is the persistence surface the materializer needs.
	Store interface {
		store.WorkflowStore
		store.RunStore
	}

	// Options configures the Materializer. Store and Launcher are required.
	Options struct {
		Store    Store
		Launcher Launcher
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Materializer launches downstream runs for produced assets.
	Materializer struct {
		store    Store
		launcher Launcher
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu sync.Mutex
		// lastProcessed debounces per "<workflowID>|<partitionKey>": events
		// at or before the recorded instant are stale replays.
		lastProcessed map[string]time.Time
		// keyLocks serializes processing per key so events for one partition
		// apply in arrival order while distinct partitions proceed in
		// parallel.
		keyLocks map[string]*sync.Mutex
	}

	// upstream is the parsed asset.produced payload.
	upstream struct {
		assetID      string
		partitionKey string
		producedAt   time.Time
		runID        string
		stepID       string
	}
)

// New constructs a Materializer.
func New(opts Options) (*Materializer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("materializer: store is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("materializer: launcher is required")
	}
	logger, metrics, _ := telemetry.OrDefault(opts.Logger, opts.Metrics, nil)
	return &Materializer{
		store:         opts.Store,
		launcher:      opts.Launcher,
		logger:        logger,
		metrics:       metrics,
		lastProcessed: make(map[string]time.Time),
		keyLocks:      make(map[string]*sync.Mutex),
	}, nil
}

// Subscribe attaches the materializer to the asset.produced subject.
func (m *Materializer) Subscribe(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, bus.TypeAssetProduced, func(ctx context.Context, env bus.Envelope) error {
		if err := m.HandleAssetProduced(ctx, env); err != nil {
			m.logger.Error(ctx, "asset event handling failed", "event", env.ID, "err", err.Error())
		}
		return nil
	})
}

// HandleAssetProduced evaluates one asset.produced envelope against every
// workflow that consumes the asset and opts into auto-materialization.
func (m *Materializer) HandleAssetProduced(ctx context.Context, env bus.Envelope) error {
	up, ok := parseUpstream(env)
	if !ok {
		m.logger.Warn(ctx, "asset event missing assetId", "event", env.ID)
		return nil
	}
	defs, err := m.store.ListWorkflowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list workflow definitions: %w", err)
	}
	var firstErr error
	for _, def := range defs {
		auto, priority := autoMaterializes(def, up.assetID)
		if !auto {
			continue
		}
		if err := m.process(ctx, def, up, priority); err != nil {
			m.logger.Error(ctx, "auto-materialization failed",
				"workflow", def.Slug, "asset", up.assetID, "err", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// autoMaterializes reports whether the definition consumes the asset and has
// a producer step opted into rematerialization, and with what priority.
func autoMaterializes(def *workflow.Definition, assetID string) (bool, int) {
	consumes := false
	for i := range def.Steps {
		for _, decl := range def.Steps[i].ConsumedAssets() {
			if decl.AssetID == assetID {
				consumes = true
			}
		}
	}
	if !consumes {
		return false, 0
	}
	for i := range def.Steps {
		for _, decl := range def.Steps[i].ProducedAssets() {
			if decl.AutoMaterialize != nil && decl.AutoMaterialize.OnUpstreamUpdate {
				return true, decl.AutoMaterialize.Priority
			}
		}
	}
	return false, 0
}

func (m *Materializer) process(ctx context.Context, def *workflow.Definition, up upstream, priority int) error {
	key := def.ID + "|" + up.partitionKey
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if m.stale(key, up.producedAt) {
		m.metrics.IncCounter("materializer_events_debounced", 1, "workflow", def.Slug)
		return nil
	}
	m.markProcessed(key, up.producedAt)

	live, err := m.store.ListWorkflowRuns(ctx, store.RunFilter{
		WorkflowDefinitionID: def.ID,
		PartitionKey:         up.partitionKey,
		HasPartitionKey:      true,
		Statuses:             []workflow.RunStatus{workflow.RunPending, workflow.RunRunning},
		Limit:                1,
	})
	if err != nil {
		return fmt.Errorf("check in-flight runs: %w", err)
	}
	if len(live) > 0 {
		m.metrics.IncCounter("materializer_events_suppressed", 1, "workflow", def.Slug)
		return nil
	}

	params, err := m.runParameters(ctx, def, up.partitionKey)
	if err != nil {
		return err
	}
	run, err := m.launcher.LaunchRun(ctx, executor.LaunchSpec{
		Definition:   def,
		Parameters:   params,
		PartitionKey: up.partitionKey,
		TriggeredBy:  workflow.TriggeredByMaterializer,
		Trigger: workflow.Trigger{
			Type:   "auto-materialize",
			Reason: "upstream-update",
			Upstream: &workflow.UpstreamRef{
				AssetID:    up.assetID,
				ProducedAt: up.producedAt,
				RunID:      up.runID,
				StepID:     up.stepID,
			},
			Priority: priority,
		},
	})
	if err != nil {
		return fmt.Errorf("launch auto run: %w", err)
	}
	m.logger.Info(ctx, "auto-materialization run launched",
		"workflow", def.Slug, "run", run.ID, "asset", up.assetID, "partitionKey", up.partitionKey)
	m.metrics.IncCounter("materializer_runs_launched", 1, "workflow", def.Slug)
	return nil
}

// runParameters reuses the parameters of the most recent succeeded run for
// the same partition, falling back to definition defaults.
func (m *Materializer) runParameters(ctx context.Context, def *workflow.Definition, partitionKey string) (map[string]any, error) {
	prior, err := m.store.ListWorkflowRuns(ctx, store.RunFilter{
		WorkflowDefinitionID: def.ID,
		PartitionKey:         partitionKey,
		HasPartitionKey:      true,
		Statuses:             []workflow.RunStatus{workflow.RunSucceeded},
		Limit:                1,
	})
	if err != nil {
		return nil, fmt.Errorf("look up prior runs: %w", err)
	}
	if len(prior) > 0 && len(prior[0].Parameters) > 0 {
		return prior[0].Parameters, nil
	}
	return def.DefaultParameters, nil
}

func (m *Materializer) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	return lock
}

func (m *Materializer) stale(key string, producedAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastProcessed[key]
	return ok && !producedAt.After(last)
}

func (m *Materializer) markProcessed(key string, producedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProcessed[key] = producedAt
}

func parseUpstream(env bus.Envelope) (upstream, bool) {
	up := upstream{producedAt: env.OccurredAt}
	if env.Payload == nil {
		return up, false
	}
	up.assetID, _ = env.Payload["assetId"].(string)
	if up.assetID == "" {
		return up, false
	}
	up.partitionKey, _ = env.Payload["partitionKey"].(string)
	up.runID, _ = env.Payload["workflowRunId"].(string)
	up.stepID, _ = env.Payload["stepId"].(string)
	if raw, ok := env.Payload["producedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			up.producedAt = ts
		}
	}
	return up, true
}
