// Package sandbox executes bundle handlers in child processes speaking a
// line-delimited JSON protocol over stdin/stdout. The child harness loads
// the bundle entry file under a module-resolution policy limited to the
// capabilities declared in the manifest; the parent side implemented here
// enforces the wall-clock timeout, caps captured logs, answers host calls
// (run updates, secret resolution) and collects resource usage.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/runtime/bundle"
)

type (
	// Request describes one handler execution.
	Request struct {
		// TaskID correlates protocol messages and telemetry; usually the
		// job run id.
		TaskID string
		// Bundle is the acquired bundle lease. The runner does not release
		// it.
		Bundle *bundle.AcquiredBundle
		// Definition and Run are forwarded to the child so the handler can
		// introspect its own metadata.
		Definition *job.Definition
		Run        *job.Run
		// Parameters are the resolved handler parameters.
		Parameters map[string]any
		// TimeoutMs is the wall-clock budget; 0 applies the runner default.
		TimeoutMs int64
		// ExportName selects a named export from the entry module; empty
		// selects the default export.
		ExportName string
		// WorkflowEventContext carries workflow metadata visible to the
		// handler, if the run belongs to a workflow step.
		WorkflowEventContext map[string]any
		// Host answers update and secret requests from the handler.
		Host Host
	}

	// Host exposes the parent-side callbacks available to a running
	// handler. Nil funcs reject the corresponding request.
	Host struct {
		// Update applies a partial run update and returns the refreshed
		// run.
		Update func(ctx context.Context, patch map[string]any) (*job.Run, error)
		// ResolveSecret resolves a secret reference; a nil string means
		// the secret does not exist.
		ResolveSecret func(ctx context.Context, ref map[string]any) (*string, error)
	}

	// ExecutionResult is the normalized outcome of a handler execution.
	ExecutionResult struct {
		TaskID            string         `json:"taskId"`
		Result            any            `json:"result,omitempty"`
		Logs              []LogEntry     `json:"logs"`
		TruncatedLogCount int            `json:"truncatedLogCount"`
		DurationMs        int64          `json:"durationMs"`
		ResourceUsage     *ResourceUsage `json:"resourceUsage,omitempty"`
	}

	// LogEntry is one captured handler log line.
	LogEntry struct {
		Level     string         `json:"level"`
		Message   string         `json:"message"`
		Meta      map[string]any `json:"meta,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// ResourceUsage carries OS-level counters for the child process.
	ResourceUsage struct {
		CPUUserMicros          int64 `json:"cpuUserMicros"`
		CPUSystemMicros        int64 `json:"cpuSystemMicros"`
		MaxRSSBytes            int64 `json:"maxRssBytes"`
		VoluntaryCtxSwitches   int64 `json:"voluntaryCtxSwitches"`
		InvoluntaryCtxSwitches int64 `json:"involuntaryCtxSwitches"`
	}

	// TimeoutError reports that the handler exceeded its wall-clock budget
	// and the child was terminated.
	TimeoutError struct {
		ElapsedMs int64
	}

	// CrashError reports that the child exited abnormally without
	// delivering a result.
	CrashError struct {
		ExitCode int
		Signal   string
	}

	// HandlerError reports an error thrown by the handler itself, with the
	// child-reported name and stack preserved for the run context.
	HandlerError struct {
		Message string
		Name    string
		Stack   string
	}
)

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox timed out after %dms", e.ElapsedMs)
}

func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("sandbox crashed: signal %s", e.Signal)
	}
	return fmt.Sprintf("sandbox crashed: exit code %d", e.ExitCode)
}

func (e *HandlerError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Protocol message types exchanged with the child harness.
const (
	msgStart                 = "start"
	msgCancel                = "cancel"
	msgLog                   = "log"
	msgUpdateRequest         = "update-request"
	msgUpdateResponse        = "update-response"
	msgResolveSecretRequest  = "resolve-secret-request"
	msgResolveSecretResponse = "resolve-secret-response"
	msgResult                = "result"
	msgError                 = "error"
)

type (
	message struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	startPayload struct {
		TaskID               string         `json:"taskId"`
		Bundle               startBundle    `json:"bundle"`
		Job                  startJob       `json:"job"`
		WorkflowEventContext map[string]any `json:"workflowEventContext,omitempty"`
	}

	startBundle struct {
		Directory  string             `json:"directory"`
		EntryFile  string             `json:"entryFile"`
		Manifest   job.BundleManifest `json:"manifest"`
		ExportName string             `json:"exportName,omitempty"`
	}

	startJob struct {
		Definition *job.Definition `json:"definition"`
		Run        *job.Run        `json:"run"`
		Parameters map[string]any  `json:"parameters"`
	}

	logPayload struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Meta    map[string]any `json:"meta,omitempty"`
	}

	updateRequestPayload struct {
		RequestID string         `json:"requestId"`
		Patch     map[string]any `json:"patch"`
	}

	updateResponsePayload struct {
		RequestID string   `json:"requestId"`
		OK        bool     `json:"ok"`
		Run       *job.Run `json:"run,omitempty"`
		Error     string   `json:"error,omitempty"`
	}

	resolveSecretRequestPayload struct {
		RequestID string         `json:"requestId"`
		Ref       map[string]any `json:"ref"`
	}

	resolveSecretResponsePayload struct {
		RequestID string  `json:"requestId"`
		OK        bool    `json:"ok"`
		Value     *string `json:"value,omitempty"`
		Error     string  `json:"error,omitempty"`
	}

	resultPayload struct {
		Result        any            `json:"result"`
		DurationMs    int64          `json:"durationMs"`
		ResourceUsage *ResourceUsage `json:"resourceUsage,omitempty"`
	}

	errorPayload struct {
		Message string `json:"message"`
		Name    string `json:"name,omitempty"`
		Stack   string `json:"stack,omitempty"`
	}
)
