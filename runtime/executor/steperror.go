package executor

import "fmt"

type (
	// ErrKind classifies step failures with the stable kinds surfaced in run
	// records and audit logs.
	ErrKind string

	// StepError is the failure value produced by step dispatch. The kind
	// selects recovery behavior; the message lands on the step and, for the
	// first failing step, on the run.
	StepError struct {
		Kind    ErrKind
		Message string
	}
)

const (
	KindValidation          ErrKind = "validation"
	KindDependencyMissing   ErrKind = "dependency_missing"
	KindCycleDetected       ErrKind = "cycle_detected"
	KindHandlerMissing      ErrKind = "handler_missing"
	KindBundleResolution    ErrKind = "bundle_resolution"
	KindSandboxTimeout      ErrKind = "sandbox_timeout"
	KindSandboxCrash        ErrKind = "sandbox_crash"
	KindServiceUnavailable  ErrKind = "service_unavailable"
	KindServiceHTTPError    ErrKind = "service_http_error"
	KindTemplateError       ErrKind = "template_error"
	KindStoreUnavailable    ErrKind = "store_unavailable"
	KindFanoutNotArray      ErrKind = "fanout_collection_not_array"
	KindFanoutLimitExceeded ErrKind = "fanout_limit_exceeded"
)

func (e *StepError) Error() string { return e.Message }

func stepErrorf(kind ErrKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
