package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/bus"
	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/jobs"
	"github.com/weftworks/weft/runtime/retrypolicy"
	"github.com/weftworks/weft/runtime/template"
)

// runState carries the mutable state of one ExecuteWorkflowRun invocation.
// The mutex guards the run record while a wave of steps executes in parallel.
type runState struct {
	e   *Executor
	def *workflow.Definition
	run *workflow.Run

	mu           sync.Mutex
	firstFailure *StepError
	children     int
}

func newRunState(e *Executor, def *workflow.Definition, run *workflow.Run) *runState {
	if run.Context == nil {
		run.Context = workflow.NewRunContext()
	}
	return &runState{e: e, def: def, run: run}
}

// runWaves executes the DAG wave by wave until every step is terminal, the
// run is canceled or a store operation fails. Between waves the stored run is
// re-read so an external cancel is observed before new steps start.
func (st *runState) runWaves(ctx context.Context) (canceled bool, err error) {
	order := st.def.DAG.TopologicalOrder
	if len(order) != len(st.def.Steps) {
		dag, derr := workflow.BuildDAG(st.def.Steps)
		if derr != nil {
			st.fail(stepErrorf(KindCycleDetected, "invalid step graph: %v", derr))
			st.recomputeMetrics()
			return false, nil
		}
		order = dag.TopologicalOrder
	}
	if err := st.restore(ctx); err != nil {
		return false, err
	}

	sem := st.e.runSemaphore()
	for {
		stored, err := st.e.store.GetWorkflowRun(ctx, st.run.ID)
		if err != nil {
			return false, fmt.Errorf("reload workflow run %s: %w", st.run.ID, err)
		}
		if stored.Status == workflow.RunCanceled {
			st.recomputeMetrics()
			return true, nil
		}

		ready, done, err := st.collectReady(ctx, order)
		if err != nil {
			return false, err
		}
		if len(ready) == 0 {
			if !done {
				st.fail(stepErrorf(KindCycleDetected, "no dispatchable step remains before completion"))
			}
			break
		}

		var wg sync.WaitGroup
		for _, id := range ready {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				st.recomputeMetrics()
				return true, nil
			}
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				defer sem.Release(1)
				st.dispatch(ctx, stepID)
			}(id)
		}
		wg.Wait()

		st.recomputeMetrics()
		if err := st.persist(ctx); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return true, nil
			}
			return false, err
		}
	}
	st.recomputeMetrics()
	return false, nil
}

// restore folds persisted step records into the run context so a resumed run
// skips completed steps and keeps its child count accurate.
func (st *runState) restore(ctx context.Context) error {
	records, err := st.e.store.ListWorkflowRunSteps(ctx, st.run.ID)
	if err != nil {
		return fmt.Errorf("list workflow run steps: %w", err)
	}
	for _, rec := range records {
		if rec.ParentStepID != "" {
			st.children++
		}
		if !rec.Status.Terminal() {
			continue
		}
		sc := st.run.Context.Step(rec.StepID)
		if sc.Status.Terminal() {
			continue
		}
		sc.Status = rec.Status
		sc.Attempt = rec.Attempt
		sc.Result = rec.Output
		sc.Error = rec.ErrorMessage
	}
	return nil
}

// collectReady walks the topological order, marks steps whose predecessors
// failed or were skipped as skipped, and returns the ids ready to dispatch.
// done reports whether every step is terminal.
func (st *runState) collectReady(ctx context.Context, order []string) (ready []string, done bool, err error) {
	done = true
	for idx, id := range order {
		st.mu.Lock()
		status := st.run.Context.Step(id).Status
		st.mu.Unlock()
		if status.Terminal() {
			continue
		}
		step, ok := st.def.StepByID(id)
		if !ok {
			continue
		}
		blocked, failedDep := false, false
		for _, dep := range step.DependsOn {
			st.mu.Lock()
			ds := st.run.Context.Step(dep).Status
			st.mu.Unlock()
			switch ds {
			case workflow.StepSucceeded:
			case workflow.StepFailed, workflow.StepSkipped:
				failedDep = true
			default:
				blocked = true
			}
		}
		switch {
		case failedDep:
			if err := st.skip(ctx, step); err != nil {
				return nil, false, err
			}
		case blocked:
			done = false
		default:
			done = false
			ready = append(ready, id)
			st.mu.Lock()
			st.run.CurrentStepID = id
			st.run.CurrentStepIndex = idx
			st.mu.Unlock()
		}
	}
	return ready, done, nil
}

// skip marks a step skipped because a predecessor failed or was skipped.
func (st *runState) skip(ctx context.Context, step *workflow.Step) error {
	now := time.Now().UTC()
	rec := &workflow.RunStep{
		WorkflowRunID: st.run.ID,
		StepID:        step.ID,
		Status:        workflow.StepSkipped,
		CompletedAt:   &now,
	}
	if err := st.e.store.CreateWorkflowRunStep(ctx, rec); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("record skipped step %s: %w", step.ID, err)
	}
	st.mu.Lock()
	st.run.Context.Step(step.ID).Status = workflow.StepSkipped
	st.mu.Unlock()
	st.e.hooks.Publish(ctx, hooks.NewStepCompletedEvent(st.run.ID, st.def.ID, step.ID, string(step.Type), string(workflow.StepSkipped), 0, "")) //nolint:errcheck
	return nil
}

// dispatch executes one top-level step to a terminal status.
func (st *runState) dispatch(ctx context.Context, stepID string) {
	step, ok := st.def.StepByID(stepID)
	if !ok {
		st.fail(stepErrorf(KindDependencyMissing, "step %q is not declared by the definition", stepID))
		return
	}
	rec, alreadyDone, err := st.openRunStep(ctx, stepID, "", nil, "")
	if err != nil {
		st.recordFailure(ctx, step.ID, string(step.Type), nil, stepErrorf(KindStoreUnavailable, "open step record: %v", err))
		return
	}
	if alreadyDone {
		st.adopt(rec)
		return
	}

	st.mu.Lock()
	sc := st.run.Context.Step(stepID)
	sc.Status = workflow.StepRunning
	if sc.Attempt == 0 {
		sc.Attempt = 1
	}
	st.mu.Unlock()
	st.e.hooks.Publish(ctx, hooks.NewStepStartedEvent(st.run.ID, st.def.ID, stepID, string(step.Type), sc.Attempt)) //nolint:errcheck

	output, serr := st.executeStep(ctx, step, rec)
	if serr != nil {
		st.recordFailure(ctx, step.ID, string(step.Type), rec, serr)
		return
	}
	st.recordSuccess(ctx, step.ID, string(step.Type), rec, output)
}

// executeStep dispatches on the step variant.
func (st *runState) executeStep(ctx context.Context, step *workflow.Step, rec *workflow.RunStep) (any, *StepError) {
	switch step.Type {
	case workflow.StepTypeJob:
		return st.runJobStep(ctx, step, rec, st.templateContext(nil))
	case workflow.StepTypeService:
		return st.runServiceStep(ctx, step, rec, st.templateContext(nil))
	case workflow.StepTypeFanout:
		return st.runFanoutStep(ctx, step, rec)
	default:
		return nil, stepErrorf(KindValidation, "step %q has unknown type %q", step.ID, step.Type)
	}
}

// adopt mirrors a terminal persisted record into the in-memory context on
// resume.
func (st *runState) adopt(rec *workflow.RunStep) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sc := st.run.Context.Step(rec.StepID)
	sc.Status = rec.Status
	sc.Attempt = rec.Attempt
	sc.Result = rec.Output
	sc.Error = rec.ErrorMessage
}

func (st *runState) recordSuccess(ctx context.Context, stepID, stepType string, rec *workflow.RunStep, output any) {
	st.mu.Lock()
	sc := st.run.Context.Step(stepID)
	sc.Status = workflow.StepSucceeded
	attempt := sc.Attempt
	st.mu.Unlock()

	now := time.Now().UTC()
	rec.Status = workflow.StepSucceeded
	rec.Output = output
	rec.Attempt = attempt
	rec.CompletedAt = &now
	if err := st.e.store.UpdateWorkflowRunStep(ctx, rec); err != nil {
		st.e.logger.Warn(ctx, "persist step record", "run", st.run.ID, "step", stepID, "err", err.Error())
	}
	st.e.hooks.Publish(ctx, hooks.NewStepCompletedEvent(st.run.ID, st.def.ID, stepID, stepType, string(workflow.StepSucceeded), attempt, "")) //nolint:errcheck
	st.e.metrics.IncCounter("workflow_steps_completed", 1, "workflow", st.def.Slug, "status", "succeeded")
}

func (st *runState) recordFailure(ctx context.Context, stepID, stepType string, rec *workflow.RunStep, serr *StepError) {
	st.mu.Lock()
	sc := st.run.Context.Step(stepID)
	sc.Status = workflow.StepFailed
	sc.Error = serr.Message
	attempt := sc.Attempt
	st.mu.Unlock()
	st.fail(serr)

	if rec != nil {
		now := time.Now().UTC()
		rec.Status = workflow.StepFailed
		rec.ErrorMessage = serr.Message
		rec.Attempt = attempt
		rec.CompletedAt = &now
		if err := st.e.store.UpdateWorkflowRunStep(ctx, rec); err != nil {
			st.e.logger.Warn(ctx, "persist step record", "run", st.run.ID, "step", stepID, "err", err.Error())
		}
	}
	st.e.hooks.Publish(ctx, hooks.NewStepCompletedEvent(st.run.ID, st.def.ID, stepID, stepType, string(workflow.StepFailed), attempt, serr.Message)) //nolint:errcheck
	st.e.metrics.IncCounter("workflow_steps_completed", 1, "workflow", st.def.Slug, "status", "failed")
	st.e.logger.Warn(ctx, "workflow step failed",
		"run", st.run.ID, "step", stepID, "kind", string(serr.Kind), "err", serr.Message)
}

// fail records the run-level failure, keeping the first one.
func (st *runState) fail(serr *StepError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.firstFailure == nil {
		st.firstFailure = serr
	}
}

// openRunStep creates the persisted record for a step execution, or adopts an
// existing one. alreadyDone reports a terminal record from a prior attempt at
// this run.
func (st *runState) openRunStep(ctx context.Context, stepID, parent string, fanoutIndex *int, templateID string) (*workflow.RunStep, bool, error) {
	existing, err := st.e.store.GetWorkflowRunStep(ctx, st.run.ID, stepID)
	if err == nil {
		if existing.Status.Terminal() {
			return existing, true, nil
		}
		existing.Status = workflow.StepRunning
		if existing.StartedAt == nil {
			now := time.Now().UTC()
			existing.StartedAt = &now
		}
		if uerr := st.e.store.UpdateWorkflowRunStep(ctx, existing); uerr != nil {
			return nil, false, uerr
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	now := time.Now().UTC()
	rec := &workflow.RunStep{
		WorkflowRunID:  st.run.ID,
		StepID:         stepID,
		Status:         workflow.StepRunning,
		Attempt:        1,
		ParentStepID:   parent,
		FanoutIndex:    fanoutIndex,
		TemplateStepID: templateID,
		StartedAt:      &now,
	}
	if cerr := st.e.store.CreateWorkflowRunStep(ctx, rec); cerr != nil {
		return nil, false, cerr
	}
	return rec, false, nil
}

// persist writes the run snapshot between waves.
func (st *runState) persist(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.e.store.UpdateWorkflowRun(ctx, st.run)
}

// recomputeMetrics derives the run's step counters from the context. The
// total covers declared steps plus spawned fan-out children.
func (st *runState) recomputeMetrics() {
	st.mu.Lock()
	defer st.mu.Unlock()
	m := workflow.RunMetrics{TotalSteps: len(st.def.Steps) + st.children}
	for _, sc := range st.run.Context.Steps {
		switch sc.Status {
		case workflow.StepSucceeded:
			m.CompletedSteps++
		case workflow.StepFailed:
			m.FailedSteps++
		case workflow.StepSkipped:
			m.SkippedSteps++
		}
	}
	st.run.Metrics = m
}

// noteRetry bumps the run's retry summary and emits the retry hook.
func (st *runState) noteRetry(ctx context.Context, stepID string, nextAttempt int, delay time.Duration, cause error) {
	st.mu.Lock()
	st.run.RetrySummary.TotalRetries++
	if st.run.RetrySummary.StepRetries == nil {
		st.run.RetrySummary.StepRetries = make(map[string]int)
	}
	st.run.RetrySummary.StepRetries[stepID]++
	sc := st.run.Context.Step(stepID)
	sc.Attempt = nextAttempt
	st.mu.Unlock()
	st.e.hooks.Publish(ctx, hooks.NewStepRetriedEvent(st.run.ID, st.def.ID, stepID, nextAttempt, delay, cause.Error())) //nolint:errcheck
	st.e.metrics.IncCounter("workflow_step_retries", 1, "workflow", st.def.Slug, "step", stepID)
}

// templateContext snapshots the run context into the shape the template
// engine resolves against. extra entries (fan-out item and index) overlay the
// base keys.
func (st *runState) templateContext(extra map[string]any) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	steps := make(map[string]any, len(st.run.Context.Steps))
	for id, sc := range st.run.Context.Steps {
		entry := map[string]any{}
		if sc.Result != nil {
			entry["result"] = sc.Result
		}
		if sc.Service != nil {
			entry["response"] = map[string]any{
				"body":       sc.Result,
				"statusCode": sc.Service.StatusCode,
				"ok":         sc.Service.OK,
			}
		}
		if len(sc.Assets) > 0 {
			entry["assets"] = sc.Assets
		}
		steps[id] = entry
	}
	shared := make(map[string]any, len(st.run.Context.Shared))
	for k, v := range st.run.Context.Shared {
		shared[k] = v
	}
	tctx := map[string]any{
		"parameters": st.run.Parameters,
		"run": map[string]any{
			"id":           st.run.ID,
			"parameters":   st.run.Parameters,
			"partitionKey": st.run.PartitionKey,
		},
		"steps":  steps,
		"shared": shared,
	}
	for k, v := range extra {
		tctx[k] = v
	}
	return tctx
}

// --- job steps ---

// runJobStep resolves the job definition, injects consumed assets, templates
// parameters and drives job run attempts under the effective retry policy.
func (st *runState) runJobStep(ctx context.Context, step *workflow.Step, rec *workflow.RunStep, tctx map[string]any) (any, *StepError) {
	spec := step.Job
	jobDef, err := st.e.store.GetJobDefinitionBySlug(ctx, spec.JobSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, stepErrorf(KindHandlerMissing, "job %q is not registered", spec.JobSlug)
		}
		return nil, stepErrorf(KindStoreUnavailable, "load job %q: %v", spec.JobSlug, err)
	}

	if serr := st.injectConsumedAssets(ctx, rec.StepID, spec.Consumes, tctx); serr != nil {
		return nil, serr
	}

	params := template.Render(spec.Parameters, tctx)
	if params == nil {
		params = jobDef.DefaultParameters
	}
	rec.Input = params

	override, serr := st.bundleOverride(ctx, spec.Bundle)
	if serr != nil {
		return nil, serr
	}

	policy := spec.RetryPolicy
	if policy == nil {
		policy = jobDef.RetryPolicy
	}

	var result any
	usedAttempts := 0
	onRetry := func(next int, delay time.Duration, cause error) {
		st.noteRetry(ctx, rec.StepID, next, delay, cause)
	}
	doErr := retrypolicy.Do(ctx, policy, onRetry, func(attempt int) error {
		usedAttempts = attempt
		jr := &job.Run{
			JobDefinitionID: jobDef.ID,
			Parameters:      params,
			Attempt:         attempt,
			MaxAttempts:     policy.Attempts(),
			TimeoutMs:       spec.TimeoutMs,
			Context: map[string]any{
				"workflowRunId": st.run.ID,
				"stepId":        rec.StepID,
			},
		}
		if override != nil {
			jr.Context[jobs.WorkflowBundleContextKey] = override
		}
		if err := st.e.store.CreateJobRun(ctx, jr); err != nil {
			return retrypolicy.Unrecoverable(stepErrorf(KindStoreUnavailable, "create job run for step %q: %v", rec.StepID, err))
		}
		rec.JobRunID = jr.ID
		done, err := st.e.jobs.ExecuteJobRun(ctx, jr.ID)
		if err != nil {
			return stepErrorf(KindStoreUnavailable, "execute job run %s: %v", jr.ID, err)
		}
		switch done.Status {
		case job.RunSucceeded:
			result = done.Result
			return nil
		case job.RunExpired:
			return stepErrorf(KindSandboxTimeout, "job %q timed out: %s", spec.JobSlug, done.ErrorMessage)
		case job.RunCanceled:
			return retrypolicy.Unrecoverable(stepErrorf("", "job %q canceled", spec.JobSlug))
		default:
			return classifyJobFailure(spec.JobSlug, done)
		}
	})

	st.mu.Lock()
	st.run.Context.Step(rec.StepID).Attempt = usedAttempts
	st.mu.Unlock()
	if doErr != nil {
		return nil, asStepError(doErr)
	}

	st.mu.Lock()
	st.run.Context.Step(rec.StepID).Result = result
	if spec.StoreResultAs != "" {
		st.run.Context.SetShared(spec.StoreResultAs, result)
	}
	st.mu.Unlock()

	if serr := st.recordProducedAssets(ctx, step, rec, result); serr != nil {
		return nil, serr
	}
	return result, nil
}

// injectConsumedAssets fetches the latest materialization of each consumed
// asset, partition-filtered when the run carries a key for a partitioned
// declaration, and exposes it under steps.<id>.assets.<assetId>.
func (st *runState) injectConsumedAssets(ctx context.Context, stepID string, consumes []asset.Declaration, tctx map[string]any) *StepError {
	if len(consumes) == 0 {
		return nil
	}
	assets := make(map[string]any, len(consumes))
	for _, decl := range consumes {
		partition := ""
		if decl.Partitioning != nil && st.run.PartitionKey != "" {
			partition = st.run.PartitionKey
		}
		m, err := st.e.store.LatestAssetMaterialization(ctx, decl.AssetID, partition)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return stepErrorf(KindStoreUnavailable, "load materialization of asset %q: %v", decl.AssetID, err)
		}
		assets[decl.AssetID] = m.Payload
	}
	if len(assets) == 0 {
		return nil
	}
	st.mu.Lock()
	st.run.Context.Step(stepID).Assets = assets
	st.mu.Unlock()
	steps, _ := tctx["steps"].(map[string]any)
	entry, _ := steps[stepID].(map[string]any)
	if entry == nil {
		entry = map[string]any{}
	}
	entry["assets"] = assets
	steps[stepID] = entry
	return nil
}

// bundleOverride builds the job runtime's bundle override for the step. A
// pinned binding passes through; a latest binding re-resolves per dispatch
// and falls back to the symbolic "latest" version when the lookup misses, so
// the job runtime re-resolves it at execution time.
func (st *runState) bundleOverride(ctx context.Context, b *workflow.StepBundle) (map[string]any, *StepError) {
	if b == nil {
		return nil, nil
	}
	version := b.Version
	switch b.Strategy {
	case workflow.BundlePinned:
		if version == "" {
			return nil, stepErrorf(KindBundleResolution, "pinned bundle %q is missing a version", b.Slug)
		}
	case workflow.BundleLatest:
		version = "latest"
		if bv, err := st.e.store.LatestBundleVersion(ctx, b.Slug); err == nil {
			version = bv.Version
		}
	default:
		return nil, stepErrorf(KindBundleResolution, "bundle %q has unknown strategy %q", b.Slug, b.Strategy)
	}
	override := map[string]any{"slug": b.Slug, "version": version}
	if b.ExportName != "" {
		override["exportName"] = b.ExportName
	}
	return override, nil
}

// recordProducedAssets persists the step's declared asset productions and
// announces them on the bus and the hook bus.
func (st *runState) recordProducedAssets(ctx context.Context, step *workflow.Step, rec *workflow.RunStep, result any) *StepError {
	produces := step.ProducedAssets()
	if len(produces) == 0 {
		return nil
	}
	now := time.Now().UTC()
	ms := make([]asset.Materialization, 0, len(produces))
	for _, decl := range produces {
		ms = append(ms, asset.Materialization{
			ID:                ulid.Make().String(),
			WorkflowRunID:     st.run.ID,
			WorkflowRunStepID: rec.ID,
			StepID:            rec.StepID,
			AssetID:           decl.AssetID,
			PartitionKey:      st.run.PartitionKey,
			Payload:           result,
			Schema:            decl.Schema,
			Freshness:         decl.Freshness,
			ProducedAt:        now,
		})
	}
	if err := st.e.store.RecordAssetMaterializations(ctx, ms); err != nil {
		return stepErrorf(KindStoreUnavailable, "record asset materializations for step %q: %v", rec.StepID, err)
	}
	for _, m := range ms {
		if st.e.bus != nil {
			if err := st.e.bus.Publish(ctx, bus.AssetProduced(ulid.Make().String(), st.def.ID, m)); err != nil {
				st.e.logger.Warn(ctx, "publish asset event", "asset", m.AssetID, "err", err.Error())
			}
		}
		st.e.hooks.Publish(ctx, hooks.NewAssetMaterializedEvent(st.run.ID, st.def.ID, rec.StepID, m)) //nolint:errcheck
		st.e.metrics.IncCounter("asset_materializations", 1, "asset", m.AssetID)
	}
	return nil
}

// classifyJobFailure maps a failed job run onto a step error kind.
func classifyJobFailure(slug string, run *job.Run) *StepError {
	msg := run.ErrorMessage
	switch {
	case strings.Contains(msg, "bundle resolution failed"):
		return stepErrorf(KindBundleResolution, "job %q: %s", slug, msg)
	case strings.Contains(msg, "no handler registered"):
		return stepErrorf(KindHandlerMissing, "job %q: %s", slug, msg)
	case run.Metrics["exitCode"] != nil:
		return stepErrorf(KindSandboxCrash, "job %q: %s", slug, msg)
	default:
		return stepErrorf("", "job %q failed: %s", slug, msg)
	}
}

func asStepError(err error) *StepError {
	var serr *StepError
	if errors.As(err, &serr) {
		return serr
	}
	return &StepError{Message: err.Error()}
}

// --- service steps ---

// runServiceStep resolves the service, gates on its health, templates the
// request and issues it under the step's retry policy.
func (st *runState) runServiceStep(ctx context.Context, step *workflow.Step, rec *workflow.RunStep, tctx map[string]any) (any, *StepError) {
	spec := step.Service
	if st.e.services == nil {
		return nil, stepErrorf(KindServiceUnavailable, "no service directory is configured")
	}
	info, err := st.e.services.Lookup(ctx, spec.ServiceSlug)
	if err != nil {
		return nil, stepErrorf(KindServiceUnavailable, "service %q is not registered: %v", spec.ServiceSlug, err)
	}
	if spec.RequireHealthy && info.Status != ServiceHealthy {
		return nil, stepErrorf(KindServiceUnavailable, "service %q is %s and the step requires healthy", spec.ServiceSlug, info.Status)
	}
	if info.Status == ServiceDegraded && !spec.AllowDegraded {
		return nil, stepErrorf(KindServiceUnavailable, "service %q is degraded and the step does not allow degraded", spec.ServiceSlug)
	}

	headers, redacted, serr := st.resolveHeaders(ctx, spec.Request.Headers)
	if serr != nil {
		return nil, serr
	}
	path := renderText(spec.Request.Path, tctx)
	query := url.Values{}
	renderedQuery := make(map[string]string, len(spec.Request.Query))
	for k, v := range spec.Request.Query {
		rv := renderText(v, tctx)
		renderedQuery[k] = rv
		query.Set(k, rv)
	}
	body := template.Render(spec.Request.Body, tctx)
	method := strings.ToUpper(spec.Request.Method)
	if method == "" {
		method = http.MethodGet
	}
	rec.Input = map[string]any{
		"path":    path,
		"method":  method,
		"headers": redacted,
		"query":   renderedQuery,
		"body":    body,
	}

	var (
		sctx         workflow.ServiceContext
		parsedBody   any
		respHeaders  map[string]string
		usedAttempts = 0
	)
	onRetry := func(next int, delay time.Duration, cause error) {
		st.noteRetry(ctx, rec.StepID, next, delay, cause)
	}
	doErr := retrypolicy.Do(ctx, spec.RetryPolicy, onRetry, func(attempt int) error {
		usedAttempts = attempt
		req, err := st.buildRequest(ctx, method, info.BaseURL, path, query, headers, body)
		if err != nil {
			return retrypolicy.Unrecoverable(stepErrorf(KindValidation, "build request for service %q: %v", spec.ServiceSlug, err))
		}
		started := time.Now()
		resp, err := st.e.client.Do(req)
		if err != nil {
			return stepErrorf(KindServiceHTTPError, "service %q request failed: %v", spec.ServiceSlug, err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)

		ok := resp.StatusCode >= 200 && resp.StatusCode < 300
		sctx = workflow.ServiceContext{
			StatusCode: resp.StatusCode,
			OK:         ok,
			DurationMs: time.Since(started).Milliseconds(),
			BaseURL:    info.BaseURL,
		}
		respHeaders = flattenHeader(resp.Header)
		if !ok {
			return stepErrorf(KindServiceHTTPError, "service %q returned status %d", spec.ServiceSlug, resp.StatusCode)
		}
		parsedBody = parseJSONBody(raw)
		return nil
	})

	st.mu.Lock()
	sc := st.run.Context.Step(rec.StepID)
	sc.Attempt = usedAttempts
	if sctx.StatusCode != 0 {
		sc.Service = &sctx
		rec.Metrics = map[string]any{"service": map[string]any{
			"statusCode": sctx.StatusCode,
			"ok":         sctx.OK,
			"durationMs": sctx.DurationMs,
		}}
	}
	st.mu.Unlock()
	if doErr != nil {
		return nil, asStepError(doErr)
	}

	st.mu.Lock()
	if spec.CaptureResponse {
		sc.Result = parsedBody
	}
	if spec.StoreResponseAs != "" {
		st.run.Context.SetShared(spec.StoreResponseAs, map[string]any{
			"ok":         sctx.OK,
			"statusCode": sctx.StatusCode,
			"body":       parsedBody,
			"headers":    respHeaders,
		})
	}
	st.mu.Unlock()

	if spec.CaptureResponse {
		return parsedBody, nil
	}
	return map[string]any{"statusCode": sctx.StatusCode, "ok": sctx.OK}, nil
}

// resolveHeaders materializes header values and builds the redacted copy
// persisted on the step input. Secret-derived headers and Authorization are
// never persisted in clear.
func (st *runState) resolveHeaders(ctx context.Context, spec map[string]workflow.HeaderValue) (http.Header, map[string]string, *StepError) {
	headers := make(http.Header, len(spec))
	redacted := make(map[string]string, len(spec))
	for name, hv := range spec {
		value := hv.Literal
		if hv.Secret != nil {
			if st.e.secrets == nil {
				return nil, nil, stepErrorf(KindValidation, "header %q references a secret but no secret source is configured", name)
			}
			resolved, err := st.e.secrets.Resolve(ctx, *hv.Secret)
			if err != nil {
				return nil, nil, stepErrorf(KindValidation, "resolve secret %q for header %q: %v", hv.Secret.Key, name, err)
			}
			if resolved == nil {
				return nil, nil, stepErrorf(KindValidation, "secret %q for header %q does not exist", hv.Secret.Key, name)
			}
			value = hv.Prefix + *resolved
		}
		headers.Set(name, value)
		if hv.Secret != nil || strings.EqualFold(name, "Authorization") {
			redacted[name] = "***"
		} else {
			redacted[name] = value
		}
	}
	return headers, redacted, nil
}

func (st *runState) buildRequest(ctx context.Context, method, baseURL, path string, query url.Values, headers http.Header, body any) (*http.Request, error) {
	target := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// renderText renders a template string and coerces the result back to text.
func renderText(s string, tctx map[string]any) string {
	switch v := template.RenderString(s, tctx).(type) {
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// parseJSONBody decodes a JSON response body, falling back to the raw text
// for non-JSON payloads.
func parseJSONBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

// --- fan-out steps ---

type childResult struct {
	stepID string
	status workflow.StepStatus
	output any
	serr   *StepError
}

// runFanoutStep evaluates the collection, spawns one child per element under
// the step-local concurrency bound and aggregates child outputs in input
// order.
func (st *runState) runFanoutStep(ctx context.Context, step *workflow.Step, rec *workflow.RunStep) (any, *StepError) {
	spec := step.Fanout
	collection := spec.Collection
	if s, ok := collection.(string); ok {
		collection = template.RenderString(s, st.templateContext(nil))
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, stepErrorf(KindFanoutNotArray, "fan-out collection for step %q did not resolve to an array", step.ID)
	}
	if spec.MaxItems > 0 && len(items) > spec.MaxItems {
		return nil, stepErrorf(KindFanoutLimitExceeded,
			"fan-out collection length %d exceeds the limit of %d items", len(items), spec.MaxItems)
	}
	rec.Input = map[string]any{"collectionLength": len(items)}

	st.mu.Lock()
	st.children += len(items)
	st.mu.Unlock()

	conc := int64(spec.MaxConcurrency)
	if conc < 1 {
		conc = int64(len(items))
	}
	if conc < 1 {
		conc = 1
	}
	sem := semaphore.NewWeighted(conc)
	results := make([]childResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(index int, item any) {
			defer wg.Done()
			defer sem.Release(1)
			results[index] = st.runFanoutChild(ctx, step, spec, index, item)
		}(i, item)
	}
	wg.Wait()

	entries := make([]any, 0, len(items))
	var firstFailed *childResult
	for i := range results {
		if results[i].stepID == "" {
			// child never started because the run context was canceled
			continue
		}
		entries = append(entries, map[string]any{
			"stepId": results[i].stepID,
			"status": string(results[i].status),
			"output": results[i].output,
		})
		if results[i].serr != nil && firstFailed == nil {
			firstFailed = &results[i]
		}
	}
	if spec.StoreResultsAs != "" {
		st.mu.Lock()
		st.run.Context.SetShared(spec.StoreResultsAs, entries)
		st.mu.Unlock()
	}
	if firstFailed != nil {
		return nil, stepErrorf(firstFailed.serr.Kind, "fan-out child %s failed: %s", firstFailed.stepID, firstFailed.serr.Message)
	}
	return map[string]any{"totalChildren": len(items)}, nil
}

// runFanoutChild executes one synthesized child step. Child ids are 1-based
// composites; the template context exposes the element as item and the
// 0-based position as fanout.index.
func (st *runState) runFanoutChild(ctx context.Context, parent *workflow.Step, spec *workflow.FanoutStepSpec, index int, item any) childResult {
	childID := fmt.Sprintf("%s:%s:%d", parent.ID, spec.Template.ID, index+1)
	res := childResult{stepID: childID, status: workflow.StepFailed}

	idx := index
	rec, alreadyDone, err := st.openRunStep(ctx, childID, parent.ID, &idx, spec.Template.ID)
	if err != nil {
		res.serr = stepErrorf(KindStoreUnavailable, "open child step record: %v", err)
		st.recordFailure(ctx, childID, string(spec.Template.Type), nil, res.serr)
		return res
	}
	if alreadyDone {
		st.adopt(rec)
		res.status = rec.Status
		res.output = rec.Output
		if rec.Status == workflow.StepFailed {
			res.serr = &StepError{Message: rec.ErrorMessage}
		}
		return res
	}

	st.mu.Lock()
	sc := st.run.Context.Step(childID)
	sc.Status = workflow.StepRunning
	sc.Attempt = 1
	st.mu.Unlock()
	st.e.hooks.Publish(ctx, hooks.NewStepStartedEvent(st.run.ID, st.def.ID, childID, string(spec.Template.Type), 1)) //nolint:errcheck

	child := *spec.Template
	child.ID = childID
	tctx := st.templateContext(map[string]any{
		"item":   item,
		"fanout": map[string]any{"index": index},
	})

	var output any
	var serr *StepError
	switch child.Type {
	case workflow.StepTypeJob:
		output, serr = st.runJobStep(ctx, &child, rec, tctx)
	case workflow.StepTypeService:
		output, serr = st.runServiceStep(ctx, &child, rec, tctx)
	default:
		serr = stepErrorf(KindValidation, "fan-out template %q has unsupported type %q", spec.Template.ID, child.Type)
	}
	if serr != nil {
		st.recordFailure(ctx, childID, string(child.Type), rec, serr)
		res.serr = serr
		return res
	}
	st.recordSuccess(ctx, childID, string(child.Type), rec, output)
	res.status = workflow.StepSucceeded
	res.output = output
	return res
}
