package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/runtime/telemetry"
)

const (
	defaultTimeout       = 5 * time.Minute
	defaultMaxLogEntries = 1000

	// scanBufferSize bounds a single protocol line from the child.
	scanBufferSize = 4 << 20
)

type (
	// Options configures a Runner.
	Options struct {
		// Node and Python are the argv vectors launching the respective
		// child harnesses. A runtime with no vector configured cannot
		// execute.
		Node   []string
		Python []string
		// DefaultTimeout applies when a request carries no TimeoutMs.
		DefaultTimeout time.Duration
		// MaxLogEntries caps captured handler logs; excess entries are
		// dropped and counted in TruncatedLogCount.
		MaxLogEntries int
		Logger        telemetry.Logger
		Metrics       telemetry.Metrics
	}

	// Runner executes sandbox requests in child processes.
	Runner struct {
		node           []string
		python         []string
		defaultTimeout time.Duration
		maxLogEntries  int
		logger         telemetry.Logger
		metrics        telemetry.Metrics
	}
)

// NewRunner constructs a Runner.
func NewRunner(opts Options) *Runner {
	logger, metrics, _ := telemetry.OrDefault(opts.Logger, opts.Metrics, nil)
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.MaxLogEntries <= 0 {
		opts.MaxLogEntries = defaultMaxLogEntries
	}
	return &Runner{
		node:           opts.Node,
		python:         opts.Python,
		defaultTimeout: opts.DefaultTimeout,
		maxLogEntries:  opts.MaxLogEntries,
		logger:         logger,
		metrics:        metrics,
	}
}

// Execute runs the handler described by req and returns its normalized
// result. On timeout the error is a *TimeoutError, on abnormal exit a
// *CrashError, on a handler-thrown error a *HandlerError. The returned
// ExecutionResult is non-nil in every case so captured logs and telemetry
// survive a failure.
func (r *Runner) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	res := &ExecutionResult{TaskID: req.TaskID, Logs: []LogEntry{}}

	argv, err := r.argv(req.Definition.Runtime)
	if err != nil {
		return res, err
	}
	timeout := r.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Bundle.Directory
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return res, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start sandbox child: %w", err)
	}
	started := time.Now()

	w := &childWriter{enc: json.NewEncoder(stdin)}
	if err := w.send(msgStart, startPayload{
		TaskID: req.TaskID,
		Bundle: startBundle{
			Directory:  req.Bundle.Directory,
			EntryFile:  req.Bundle.EntryFile,
			Manifest:   req.Bundle.Manifest,
			ExportName: req.ExportName,
		},
		Job:                  startJob{Definition: req.Definition, Run: req.Run, Parameters: req.Parameters},
		WorkflowEventContext: req.WorkflowEventContext,
	}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return res, fmt.Errorf("send start: %w", err)
	}

	msgs := make(chan message)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go readMessages(stdout, msgs, readerDone)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var handlerErr *HandlerError
	gotResult := false

loop:
	for {
		select {
		case <-ctx.Done():
			w.send(msgCancel, nil) //nolint:errcheck
			cmd.Process.Kill()
			cmd.Wait()
			res.DurationMs = time.Since(started).Milliseconds()
			return res, ctx.Err()
		case <-timer.C:
			w.send(msgCancel, nil) //nolint:errcheck
			cmd.Process.Kill()
			cmd.Wait()
			elapsed := time.Since(started).Milliseconds()
			res.DurationMs = elapsed
			r.metrics.IncCounter("sandbox_timeouts", 1)
			return res, &TimeoutError{ElapsedMs: elapsed}
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			done, err := r.handleMessage(ctx, msg, req, res, w)
			if err != nil {
				var he *HandlerError
				if errors.As(err, &he) {
					handlerErr = he
					break loop
				}
				r.logger.Warn(ctx, "sandbox protocol error", "task", req.TaskID, "err", err.Error())
				continue
			}
			if done {
				gotResult = true
				break loop
			}
		}
	}

	stdin.Close()
	waitErr := cmd.Wait()
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(started).Milliseconds()
	}
	if res.ResourceUsage == nil {
		res.ResourceUsage = usageFromState(cmd)
	}
	if msg := stderr.String(); msg != "" {
		r.appendLog(res, LogEntry{Level: "stderr", Message: msg, Timestamp: time.Now().UTC()})
	}

	if handlerErr != nil {
		return res, handlerErr
	}
	if gotResult {
		return res, nil
	}
	// Child exited without delivering a result or error.
	crash := &CrashError{ExitCode: -1}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		crash.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			crash.Signal = ws.Signal().String()
		}
	} else if waitErr == nil {
		crash.ExitCode = 0
	}
	r.metrics.IncCounter("sandbox_crashes", 1)
	return res, crash
}

func (r *Runner) argv(runtime job.Runtime) ([]string, error) {
	var argv []string
	switch runtime {
	case job.RuntimeNode:
		argv = r.node
	case job.RuntimePython:
		argv = r.python
	default:
		return nil, fmt.Errorf("runtime %q is not sandboxed", runtime)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("no sandbox harness configured for runtime %q", runtime)
	}
	return argv, nil
}

// handleMessage processes one child message. It returns done=true when the
// child delivered its result, and a *HandlerError when the handler threw.
func (r *Runner) handleMessage(ctx context.Context, msg message, req Request, res *ExecutionResult, w *childWriter) (bool, error) {
	switch msg.Type {
	case msgLog:
		var p logPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, err
		}
		r.appendLog(res, LogEntry{Level: p.Level, Message: p.Message, Meta: p.Meta, Timestamp: time.Now().UTC()})
		return false, nil

	case msgUpdateRequest:
		var p updateRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, err
		}
		resp := updateResponsePayload{RequestID: p.RequestID}
		if req.Host.Update == nil {
			resp.Error = "run updates are not available"
		} else if run, err := req.Host.Update(ctx, p.Patch); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Run = run
		}
		return false, w.send(msgUpdateResponse, resp)

	case msgResolveSecretRequest:
		var p resolveSecretRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, err
		}
		resp := resolveSecretResponsePayload{RequestID: p.RequestID}
		if req.Host.ResolveSecret == nil {
			resp.Error = "secret resolution is not available"
		} else if value, err := req.Host.ResolveSecret(ctx, p.Ref); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Value = value
		}
		return false, w.send(msgResolveSecretResponse, resp)

	case msgResult:
		var p resultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, err
		}
		res.Result = p.Result
		if p.DurationMs > 0 {
			res.DurationMs = p.DurationMs
		}
		res.ResourceUsage = p.ResourceUsage
		return true, nil

	case msgError:
		var p errorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, err
		}
		return false, &HandlerError{Message: p.Message, Name: p.Name, Stack: p.Stack}

	default:
		return false, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (r *Runner) appendLog(res *ExecutionResult, entry LogEntry) {
	if len(res.Logs) >= r.maxLogEntries {
		res.TruncatedLogCount++
		return
	}
	res.Logs = append(res.Logs, entry)
}

// readMessages decodes protocol messages from the child's stdout. Sends race
// against done so the goroutine exits even when Execute stops receiving, as
// it does when a child flushes trailing log lines after its result.
func readMessages(stdout io.Reader, msgs chan<- message, done <-chan struct{}) {
	defer close(msgs)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), scanBufferSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Stray prints from handler dependencies are tolerated.
			continue
		}
		select {
		case msgs <- msg:
		case <-done:
			return
		}
	}
}

// childWriter serializes protocol writes to the child's stdin.
type childWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *childWriter) send(typ string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(message{Type: typ, Payload: raw})
}

// usageFromState extracts rusage counters from the exited process.
func usageFromState(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}
	ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return nil
	}
	return &ResourceUsage{
		CPUUserMicros:          ru.Utime.Sec*1_000_000 + int64(ru.Utime.Usec),
		CPUSystemMicros:        ru.Stime.Sec*1_000_000 + int64(ru.Stime.Usec),
		MaxRSSBytes:            ru.Maxrss * 1024,
		VoluntaryCtxSwitches:   ru.Nvcsw,
		InvoluntaryCtxSwitches: ru.Nivcsw,
	}
}
