package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/sandbox"
)

// RunContext is the host surface offered to a running handler. Static
// handlers receive it directly; sandboxed handlers reach it through the
// child protocol's update and resolve-secret requests.
type RunContext struct {
	rt  *Runtime
	def *job.Definition

	mu   sync.Mutex
	run  *job.Run
	logs []sandbox.LogEntry
}

// Run returns the current view of the run.
func (rc *RunContext) Run() *job.Run {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.run
}

// Definition returns the job definition backing the run.
func (rc *RunContext) Definition() *job.Definition { return rc.def }

// Parameters returns the resolved run parameters.
func (rc *RunContext) Parameters() any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.run.Parameters
}

// Update applies a partial update to the run, persists it with a heartbeat
// and refreshes the local view. Recognized patch keys: result, metrics,
// context, errorMessage. Metrics and context merge key-wise; result and
// errorMessage replace.
func (rc *RunContext) Update(ctx context.Context, patch map[string]any) (*job.Run, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for key, value := range patch {
		switch key {
		case "result":
			rc.run.Result = value
		case "errorMessage":
			if s, ok := value.(string); ok {
				rc.run.ErrorMessage = s
			}
		case "metrics":
			if m, ok := value.(map[string]any); ok {
				rc.run.Metrics = mergeMap(rc.run.Metrics, m)
			}
		case "context":
			if m, ok := value.(map[string]any); ok {
				rc.run.Context = mergeMap(rc.run.Context, m)
			}
		default:
			return nil, fmt.Errorf("unsupported update field %q", key)
		}
	}
	if err := rc.rt.store.UpdateJobRun(ctx, rc.run); err != nil {
		return nil, err
	}
	refreshed, err := rc.rt.store.GetJobRun(ctx, rc.run.ID)
	if err != nil {
		return nil, err
	}
	rc.run = refreshed
	return refreshed, nil
}

// Heartbeat refreshes the run's heartbeat timestamp without changing any
// field.
func (rc *RunContext) Heartbeat(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := rc.rt.store.UpdateJobRun(ctx, rc.run); err != nil {
		return err
	}
	now := time.Now().UTC()
	rc.run.LastHeartbeatAt = &now
	return nil
}

// Log captures a handler log line, subject to the same cap the sandbox
// applies, and mirrors it to the runtime logger.
func (rc *RunContext) Log(ctx context.Context, level, msg string, meta map[string]any) {
	rc.mu.Lock()
	if len(rc.logs) < defaultLogCap {
		rc.logs = append(rc.logs, sandbox.LogEntry{Level: level, Message: msg, Meta: meta, Timestamp: time.Now().UTC()})
	}
	rc.mu.Unlock()
	rc.rt.logger.Debug(ctx, "job log", "run", rc.run.ID, "level", level, "handlerMsg", msg)
}

const defaultLogCap = 1000

// ResolveSecret resolves a secret reference through the configured source.
func (rc *RunContext) ResolveSecret(ctx context.Context, ref workflow.SecretRef) (*string, error) {
	if rc.rt.secrets == nil {
		return nil, fmt.Errorf("secret resolution is not configured")
	}
	return rc.rt.secrets.Resolve(ctx, ref)
}

// resolveSecretRef adapts ResolveSecret to the sandbox host call shape.
func (rc *RunContext) resolveSecretRef(ctx context.Context, ref map[string]any) (*string, error) {
	secretRef := workflow.SecretRef{}
	if s, ok := ref["source"].(string); ok {
		secretRef.Source = s
	}
	if k, ok := ref["key"].(string); ok {
		secretRef.Key = k
	}
	if v, ok := ref["version"].(string); ok {
		secretRef.Version = v
	}
	return rc.ResolveSecret(ctx, secretRef)
}

func mergeMap(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
