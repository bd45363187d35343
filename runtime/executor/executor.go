// Package executor drives workflow runs to a terminal status. It traverses
// the definition's validated DAG in waves of ready steps, dispatches job
// steps to the job runtime, issues service-step HTTP requests, expands
// fan-out steps into bounded child sets, applies retry policies and records
// asset materializations. Execution is idempotent with respect to step
// completion: re-running a partially completed run resumes at steps whose
// persisted status is not terminal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weftworks/weft/catalog/bus"
	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/telemetry"
)

// defaultMaxConcurrency bounds ready steps in flight per run when the caller
// does not configure a limit.
const defaultMaxConcurrency = 4

type (
	// JobRunner executes a persisted job run to a terminal status. Satisfied
	// by runtime/jobs.Runtime.
	JobRunner interface {
		ExecuteJobRun(ctx context.Context, runID string) (*job.Run, error)
	}

	// ServiceDirectory resolves service slugs referenced by service steps.
	ServiceDirectory interface {
		Lookup(ctx context.Context, slug string) (*ServiceInfo, error)
	}

	// ServiceInfo is the directory's view of a registered service.
	ServiceInfo struct {
		Slug    string
		BaseURL string
		Status  ServiceStatus
	}

	// ServiceStatus enumerates service health states.
	ServiceStatus string

	// SecretSource resolves secret references in service-step headers. A nil
	// result with a nil error means the secret does not exist.
	SecretSource interface {
		Resolve(ctx context.Context, ref workflow.SecretRef) (*string, error)
	}

	// Store is the persistence surface the executor needs.
	Store interface {
		store.WorkflowStore
		store.RunStore
		store.JobStore
		store.BundleStore
		store.AssetStore
	}

	// Options configures the Executor. Store and Jobs are required; the rest
	// is optional and substituted with noops or disabled features.
	Options struct {
		Store    Store
		Jobs     JobRunner
		Services ServiceDirectory
		Secrets  SecretSource
		Bus      bus.Bus
		Hooks    hooks.Bus
		// HTTPClient issues service-step requests. Defaults to a client with
		// a 30 second timeout.
		HTTPClient *http.Client
		// MaxConcurrency bounds ready steps in flight per run. Values below 1
		// fall back to the default.
		MaxConcurrency int64
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
		Tracer         telemetry.Tracer
	}

	// Executor advances workflow runs through their step graphs.
	Executor struct {
		store    Store
		jobs     JobRunner
		services ServiceDirectory
		secrets  SecretSource
		bus      bus.Bus
		hooks    hooks.Bus
		client   *http.Client
		maxConc  int64
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}

	// LaunchSpec describes a workflow run to create. Parameters overlay the
	// definition's defaults.
	LaunchSpec struct {
		Definition   *workflow.Definition
		Parameters   map[string]any
		PartitionKey string
		RunKey       string
		Trigger      workflow.Trigger
		TriggeredBy  string
	}
)

const (
	ServiceHealthy   ServiceStatus = "healthy"
	ServiceDegraded  ServiceStatus = "degraded"
	ServiceUnhealthy ServiceStatus = "unhealthy"
)

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("executor: store is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("executor: job runner is required")
	}
	logger, metrics, tracer := telemetry.OrDefault(opts.Logger, opts.Metrics, opts.Tracer)
	h := opts.Hooks
	if h == nil {
		h = hooks.NewBus()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxConc := opts.MaxConcurrency
	if maxConc < 1 {
		maxConc = defaultMaxConcurrency
	}
	return &Executor{
		store:    opts.Store,
		jobs:     opts.Jobs,
		services: opts.Services,
		secrets:  opts.Secrets,
		bus:      opts.Bus,
		hooks:    h,
		client:   client,
		maxConc:  maxConc,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// LaunchRun validates the spec, creates a pending run with merged parameters
// and announces it on the bus. The run is not executed; callers dispatch it
// to ExecuteWorkflowRun inline or through a queue worker.
func (e *Executor) LaunchRun(ctx context.Context, spec LaunchSpec) (*workflow.Run, error) {
	def := spec.Definition
	if def == nil {
		return nil, &StepError{Kind: KindValidation, Message: "launch requires a workflow definition"}
	}
	params := mergeParameters(def.DefaultParameters, spec.Parameters)
	if err := job.ValidateParameters(def.ParametersSchema, params); err != nil {
		return nil, &StepError{Kind: KindValidation, Message: err.Error()}
	}
	if err := validatePartitionKey(def, spec.PartitionKey); err != nil {
		return nil, err
	}

	triggeredBy := spec.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = workflow.TriggeredByManual
	}
	trigger := spec.Trigger
	if trigger.Type == "" {
		trigger.Type = "manual"
	}
	run := &workflow.Run{
		WorkflowDefinitionID: def.ID,
		Status:               workflow.RunPending,
		RunKey:               spec.RunKey,
		Parameters:           params,
		Context:              workflow.NewRunContext(),
		Trigger:              trigger,
		TriggeredBy:          triggeredBy,
		PartitionKey:         spec.PartitionKey,
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	e.publishRunEvent(ctx, run)
	e.metrics.IncCounter("workflow_runs_launched", 1, "workflow", def.Slug, "triggeredBy", triggeredBy)
	return run, nil
}

// CancelRun transitions a pending or running run to canceled. The executor
// observes the transition between waves and refuses to start new steps. A run
// that is already terminal is returned unchanged.
func (e *Executor) CancelRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load workflow run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}
	run.Status = workflow.RunCanceled
	run.ErrorMessage = "run canceled"
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return e.store.GetWorkflowRun(ctx, runID)
		}
		return nil, fmt.Errorf("cancel workflow run %s: %w", runID, err)
	}
	e.publishRunEvent(ctx, run)
	return run, nil
}

// ExecuteWorkflowRun drives the run to a terminal status and returns it. A
// run that is already terminal is returned as-is. Step failures are captured
// into the run record; ExecuteWorkflowRun itself errors only on store
// failures.
func (e *Executor) ExecuteWorkflowRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load workflow run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}
	def, err := e.store.GetWorkflowDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		run.ErrorMessage = fmt.Sprintf("workflow definition %q not found", run.WorkflowDefinitionID)
		return e.finalize(ctx, run, nil, workflow.RunFailed)
	}

	if err := validatePartitionKey(def, run.PartitionKey); err != nil {
		run.ErrorMessage = err.Error()
		return e.finalize(ctx, run, def, workflow.RunFailed)
	}

	if run.Status == workflow.RunPending {
		run.Status = workflow.RunRunning
		now := time.Now().UTC()
		run.StartedAt = &now
		if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return e.store.GetWorkflowRun(ctx, runID)
			}
			return nil, fmt.Errorf("start workflow run %s: %w", runID, err)
		}
		e.publishRunEvent(ctx, run)
		e.hooks.Publish(ctx, hooks.NewRunStartedEvent(run.ID, def.ID, run.TriggeredBy, run.Parameters)) //nolint:errcheck
	}

	st := newRunState(e, def, run)
	canceled, execErr := st.runWaves(ctx)
	if execErr != nil {
		return nil, execErr
	}

	status := workflow.RunSucceeded
	switch {
	case canceled:
		status = workflow.RunCanceled
		run.ErrorMessage = "run canceled"
	case st.firstFailure != nil:
		status = workflow.RunFailed
		run.ErrorMessage = st.firstFailure.Message
		run.Context.Error = st.firstFailure.Message
	}
	return e.finalize(ctx, run, def, status)
}

// finalize stamps metrics and output, persists the terminal status and emits
// lifecycle events. A concurrent terminal transition wins.
func (e *Executor) finalize(ctx context.Context, run *workflow.Run, def *workflow.Definition, status workflow.RunStatus) (*workflow.Run, error) {
	run.Status = status
	now := time.Now().UTC()
	run.CompletedAt = &now
	if run.Context != nil && len(run.Context.Shared) > 0 {
		run.Output = run.Context.Shared
	}
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return e.store.GetWorkflowRun(ctx, run.ID)
		}
		return nil, fmt.Errorf("complete workflow run %s: %w", run.ID, err)
	}
	e.publishRunEvent(ctx, run)

	var duration time.Duration
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}
	defID := run.WorkflowDefinitionID
	slug := ""
	if def != nil {
		slug = def.Slug
	}
	e.hooks.Publish(ctx, hooks.NewRunCompletedEvent(run.ID, defID, string(status), run.ErrorMessage, duration)) //nolint:errcheck
	e.metrics.IncCounter("workflow_runs_completed", 1, "workflow", slug, "status", string(status))
	e.metrics.RecordTimer("workflow_run_duration", duration, "workflow", slug)
	return run, nil
}

// publishRunEvent announces a run lifecycle transition on the bus. Bus
// publication is best-effort; failures are logged and do not fail the run.
func (e *Executor) publishRunEvent(ctx context.Context, run *workflow.Run) {
	if e.bus == nil {
		return
	}
	env := bus.Envelope{
		ID:     run.ID + ":" + string(run.Status),
		Type:   bus.RunStatusType(string(run.Status)),
		Source: bus.SourceOrchestration,
		Payload: map[string]any{
			"workflowRunId":        run.ID,
			"workflowDefinitionId": run.WorkflowDefinitionID,
			"status":               string(run.Status),
			"triggeredBy":          run.TriggeredBy,
		},
		OccurredAt: time.Now().UTC(),
	}
	if run.PartitionKey != "" {
		env.Payload["partitionKey"] = run.PartitionKey
	}
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.Warn(ctx, "publish run event", "run", run.ID, "type", env.Type, "err", err.Error())
	}
}

// validatePartitionKey enforces partitioning declared on produced assets: a
// partitioned producer requires a run-level key, and the key must satisfy the
// declared scheme.
func validatePartitionKey(def *workflow.Definition, key string) error {
	for i := range def.Steps {
		for _, decl := range def.Steps[i].ProducedAssets() {
			p := decl.Partitioning
			if p == nil {
				continue
			}
			if key == "" {
				if p.RequiresPartitionKey() {
					return stepErrorf(KindValidation,
						"workflow %q produces partitioned asset %q and requires a partition key", def.Slug, decl.AssetID)
				}
				continue
			}
			if err := p.ValidatePartitionKey(key); err != nil {
				return stepErrorf(KindValidation, "invalid partition key for asset %q: %v", decl.AssetID, err)
			}
		}
	}
	return nil
}

// mergeParameters overlays overrides on the definition defaults. Neither
// input is mutated.
func mergeParameters(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// runSemaphore builds the per-run dispatch semaphore.
func (e *Executor) runSemaphore() *semaphore.Weighted {
	return semaphore.NewWeighted(e.maxConc)
}
