package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/runtime/bundle"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/sandbox"
)

// ExecuteJobRun drives the run to a terminal status and returns it. A run
// that is already terminal is returned as-is. Handler failures are captured
// into the run record; ExecuteJobRun itself errors only on store failures.
func (r *Runtime) ExecuteJobRun(ctx context.Context, runID string) (*job.Run, error) {
	run, err := r.store.GetJobRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load job run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	def, err := r.store.GetJobDefinition(ctx, run.JobDefinitionID)
	if err != nil {
		rc := &RunContext{rt: r, run: run}
		return r.complete(ctx, rc, job.RunFailed, nil,
			fmt.Sprintf("job definition %q not found", run.JobDefinitionID))
	}
	rc := &RunContext{rt: r, def: def, run: run}

	// Resolve the handler before transitioning to running so a run with no
	// resolvable handler fails cleanly.
	handler := r.handler(def.Slug)
	var binding *job.BundleBinding
	if handler == nil {
		if ov := workflowBundleOverride(run); ov != nil {
			binding = ov
		} else if job.IsBundleEntryPoint(def.EntryPoint) {
			b, err := job.ParseBundleBinding(def.EntryPoint)
			if err != nil {
				return r.complete(ctx, rc, job.RunFailed, nil, err.Error())
			}
			binding = &b
		} else {
			return r.complete(ctx, rc, job.RunFailed, nil,
				fmt.Sprintf("no handler registered for job %q and entry point is not a bundle binding", def.Slug))
		}
	}

	run, err = r.store.StartJobRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("start job run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run, nil
	}
	rc.run = run
	r.hooks.Publish(ctx, hooks.NewJobDispatchedEvent("", "", run.ID, def.Slug, "")) //nolint:errcheck
	r.metrics.IncCounter("job_runs_started", 1, "job", def.Slug)

	if handler != nil {
		return r.executeStatic(ctx, rc, handler, false)
	}
	return r.executeBundle(ctx, rc, *binding)
}

// executeStatic runs a static handler under the effective timeout. fallback
// marks runs that got here through the bundle fallback path.
func (r *Runtime) executeStatic(ctx context.Context, rc *RunContext, h Handler, fallback bool) (*job.Run, error) {
	hctx := ctx
	var cancel context.CancelFunc
	if timeout := r.effectiveTimeout(rc); timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	started := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		result, err := h(hctx, rc)
		ch <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-hctx.Done():
		if ctx.Err() != nil {
			return r.complete(ctx, rc, job.RunCanceled, nil, "run canceled")
		}
		elapsed := time.Since(started).Milliseconds()
		return r.complete(ctx, rc, job.RunExpired, nil, fmt.Sprintf("handler timed out after %dms", elapsed))
	}

	rc.mergeCapturedLogs()
	if fallback {
		markBundleFallback(rc.run)
	}
	if out.err != nil {
		setErrorContext(rc.run, out.err.Error(), "", "")
		return r.complete(ctx, rc, job.RunFailed, nil, out.err.Error())
	}
	return r.complete(ctx, rc, job.RunSucceeded, out.result, "")
}

// executeBundle resolves, acquires and executes the bundle behind binding,
// trying the recovery hook and the static fallback before failing the run.
func (r *Runtime) executeBundle(ctx context.Context, rc *RunContext, binding job.BundleBinding) (*job.Run, error) {
	acquired, err := r.acquireBundle(ctx, binding)
	if err != nil {
		if fb := r.fallback(rc.def.Slug); fb != nil {
			r.logger.Warn(ctx, "bundle unavailable, using static fallback",
				"job", rc.def.Slug, "bundle", binding.String(), "err", err.Error())
			r.metrics.IncCounter("job_bundle_fallbacks", 1, "job", rc.def.Slug)
			return r.executeStatic(ctx, rc, fb, true)
		}
		return r.complete(ctx, rc, job.RunFailed, nil,
			fmt.Sprintf("bundle resolution failed for %s: %v", binding.String(), err))
	}
	defer acquired.Release()

	params, _ := rc.run.Parameters.(map[string]any)
	res, execErr := r.sandbox.Execute(ctx, sandbox.Request{
		TaskID:     rc.run.ID,
		Bundle:     acquired,
		Definition: rc.def,
		Run:        rc.run,
		Parameters: params,
		TimeoutMs:  r.effectiveTimeout(rc).Milliseconds(),
		ExportName: binding.ExportName,
		Host: sandbox.Host{
			Update:        rc.Update,
			ResolveSecret: rc.resolveSecretRef,
		},
	})
	mergeSandboxTelemetry(rc.run, res)

	switch {
	case execErr == nil:
		return r.complete(ctx, rc, job.RunSucceeded, res.Result, "")
	case isTimeout(execErr):
		var te *sandbox.TimeoutError
		errors.As(execErr, &te)
		return r.complete(ctx, rc, job.RunExpired, nil, fmt.Sprintf("sandbox timed out after %dms", te.ElapsedMs))
	case isCrash(execErr):
		var ce *sandbox.CrashError
		errors.As(execErr, &ce)
		if rc.run.Metrics == nil {
			rc.run.Metrics = map[string]any{}
		}
		rc.run.Metrics["exitCode"] = ce.ExitCode
		if ce.Signal != "" {
			rc.run.Metrics["signal"] = ce.Signal
		}
		return r.complete(ctx, rc, job.RunFailed, nil, execErr.Error())
	case errors.Is(execErr, context.Canceled):
		return r.complete(ctx, rc, job.RunCanceled, nil, "run canceled")
	default:
		var he *sandbox.HandlerError
		if errors.As(execErr, &he) {
			setErrorContext(rc.run, he.Message, he.Name, he.Stack)
		} else {
			setErrorContext(rc.run, execErr.Error(), "", "")
		}
		return r.complete(ctx, rc, job.RunFailed, nil, execErr.Error())
	}
}

// acquireBundle resolves the version record and acquires its directory,
// consulting the recovery hook once when either stage fails.
func (r *Runtime) acquireBundle(ctx context.Context, binding job.BundleBinding) (*bundle.AcquiredBundle, error) {
	if r.bundles == nil || r.sandbox == nil {
		return nil, errors.New("bundle execution is not configured")
	}
	bv, err := r.resolveVersion(ctx, binding)
	if err == nil {
		acq, aerr := r.bundles.Acquire(ctx, bv)
		if aerr == nil {
			return acq, nil
		}
		err = aerr
	}
	if r.recovery != nil {
		recovered, rerr := r.recovery(ctx, binding)
		if rerr == nil && recovered != nil {
			acq, aerr := r.bundles.Acquire(ctx, recovered)
			if aerr == nil {
				return acq, nil
			}
			err = aerr
		}
	}
	return nil, err
}

func (r *Runtime) resolveVersion(ctx context.Context, binding job.BundleBinding) (*job.BundleVersion, error) {
	if binding.Version == "" || binding.Version == "latest" {
		return r.store.LatestBundleVersion(ctx, binding.Slug)
	}
	return r.store.GetBundleVersion(ctx, binding.Slug, binding.Version)
}

// complete persists the terminal status. A concurrent terminal transition
// wins; the stored run is returned in that case.
func (r *Runtime) complete(ctx context.Context, rc *RunContext, status job.RunStatus, result any, errMsg string) (*job.Run, error) {
	run := rc.run
	run.Status = status
	run.Result = result
	run.ErrorMessage = errMsg
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := r.store.CompleteJobRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return r.store.GetJobRun(ctx, run.ID)
		}
		return nil, fmt.Errorf("complete job run %s: %w", run.ID, err)
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}
	slug := ""
	if rc.def != nil {
		slug = rc.def.Slug
	}
	r.hooks.Publish(ctx, hooks.NewJobCompletedEvent("", "", run.ID, slug, string(status), duration)) //nolint:errcheck
	r.metrics.IncCounter("job_runs_completed", 1, "status", string(status))
	r.metrics.RecordTimer("job_run_duration", duration, "job", slug)
	return run, nil
}

func (r *Runtime) effectiveTimeout(rc *RunContext) time.Duration {
	if rc.run.TimeoutMs > 0 {
		return time.Duration(rc.run.TimeoutMs) * time.Millisecond
	}
	if rc.def != nil && rc.def.TimeoutMs > 0 {
		return time.Duration(rc.def.TimeoutMs) * time.Millisecond
	}
	return 0
}

// workflowBundleOverride reads the executor-supplied bundle override from
// the run context.
func workflowBundleOverride(run *job.Run) *job.BundleBinding {
	raw, ok := run.Context[WorkflowBundleContextKey].(map[string]any)
	if !ok {
		return nil
	}
	b := &job.BundleBinding{}
	if s, ok := raw["slug"].(string); ok {
		b.Slug = s
	}
	if v, ok := raw["version"].(string); ok {
		b.Version = v
	}
	if e, ok := raw["exportName"].(string); ok {
		b.ExportName = e
	}
	if b.Slug == "" {
		return nil
	}
	return b
}

func mergeSandboxTelemetry(run *job.Run, res *sandbox.ExecutionResult) {
	if res == nil {
		return
	}
	if run.Metrics == nil {
		run.Metrics = map[string]any{}
	}
	sb := map[string]any{
		"durationMs":        res.DurationMs,
		"truncatedLogCount": res.TruncatedLogCount,
	}
	if res.ResourceUsage != nil {
		sb["resourceUsage"] = res.ResourceUsage
	}
	run.Metrics["sandbox"] = sb

	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.Context["sandbox"] = map[string]any{"logs": res.Logs}
}

func markBundleFallback(run *job.Run) {
	if run.Metrics == nil {
		run.Metrics = map[string]any{}
	}
	run.Metrics["bundleFallback"] = true
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.Context["bundleFallback"] = true
}

func setErrorContext(run *job.Run, message, name, stack string) {
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.Context["error"] = message
	if name != "" {
		run.Context["errorName"] = name
	}
	if stack != "" {
		run.Context["stack"] = stack
	}
}

// mergeCapturedLogs folds statically captured handler logs into the run
// context under the same shape the sandbox uses.
func (rc *RunContext) mergeCapturedLogs() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.logs) == 0 {
		return
	}
	if rc.run.Context == nil {
		rc.run.Context = map[string]any{}
	}
	rc.run.Context["logs"] = rc.logs
}

func isTimeout(err error) bool {
	var te *sandbox.TimeoutError
	return errors.As(err, &te)
}

func isCrash(err error) bool {
	var ce *sandbox.CrashError
	return errors.As(err, &ce)
}
