// Package job defines the job side of the catalog: job definitions, bundle
// versions, job runs and their lifecycle. Definitions are immutable by
// identity; upserting a definition under an existing slug bumps its version.
// Runs move monotonically from pending toward a terminal status.
package job

import (
	"fmt"
	"strings"
	"time"
)

type (
	// Definition describes a registered job. EntryPoint either names a static
	// handler registered in-process or a bundle binding of the form
	// "bundle:<slug>@<version>[#<export>]".
	Definition struct {
		// ID is the stable identifier assigned at creation.
		ID string
		// Slug uniquely identifies the job. Lowercase, stable across versions.
		Slug string `validate:"required,lowercase"`
		// Name is the human readable job name.
		Name string `validate:"required"`
		// Version starts at 1 and increments on every upsert of the slug.
		Version int `validate:"gte=0"`
		// Runtime selects the sandbox runner for bundle-backed jobs.
		Runtime Runtime `validate:"required,oneof=node python docker"`
		// EntryPoint resolves the handler. See ParseBundleBinding.
		EntryPoint string `validate:"required"`
		// ParametersSchema is a JSON schema applied to run parameters. Nil
		// disables validation.
		ParametersSchema map[string]any
		// DefaultParameters seed run parameters when the caller omits them.
		DefaultParameters map[string]any
		// TimeoutMs bounds handler execution. Zero means no definition-level
		// timeout.
		TimeoutMs int64
		// RetryPolicy applies when a step or caller does not override it.
		RetryPolicy *RetryPolicy
		// Metadata is free-form operator annotation.
		Metadata map[string]any
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Runtime enumerates the supported bundle runtimes.
	Runtime string

	// RetryPolicy controls how a failed attempt is retried. The final attempt
	// count on a run equals the number of tries performed.
	RetryPolicy struct {
		// MaxAttempts is the total number of tries, including the first.
		// Values below 1 are treated as 1.
		MaxAttempts int `json:"maxAttempts"`
		// Strategy picks the delay progression between attempts.
		Strategy RetryStrategy `json:"strategy"`
		// InitialDelayMs is the delay before the second attempt.
		InitialDelayMs int64 `json:"initialDelayMs"`
		// MaxDelayMs caps the exponential progression. Zero means uncapped.
		MaxDelayMs int64 `json:"maxDelayMs,omitempty"`
		// Jitter randomizes delays by up to the computed delay.
		Jitter bool `json:"jitter,omitempty"`
	}

	// RetryStrategy enumerates retry delay progressions.
	RetryStrategy string

	// Run is a single execution of a job definition.
	Run struct {
		ID              string
		JobDefinitionID string
		Status          RunStatus
		// Parameters is the resolved JSON parameter document for this run.
		Parameters any
		// Result holds the normalized handler return value once terminal.
		Result any
		// ErrorMessage is set on failed, canceled and expired runs.
		ErrorMessage string
		// Metrics accumulates runtime measurements (sandbox telemetry,
		// bundle fallback markers, durations).
		Metrics map[string]any
		// Context carries auxiliary state visible to the handler and the
		// workflow executor (sandbox logs, error stacks, bundle overrides).
		Context map[string]any
		// Attempt is 1-based and incremented by the caller on retries.
		Attempt int
		// MaxAttempts mirrors the effective retry policy, when known.
		MaxAttempts int
		// TimeoutMs is the effective wall-clock budget for this run. Zero
		// falls back to the runner default.
		TimeoutMs       int64
		ScheduledAt     time.Time
		StartedAt       *time.Time
		CompletedAt     *time.Time
		LastHeartbeatAt *time.Time
	}

	// RunStatus enumerates job run states.
	RunStatus string
)

const (
	RuntimeNode   Runtime = "node"
	RuntimePython Runtime = "python"
	RuntimeDocker Runtime = "docker"
)

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunExpired   RunStatus = "expired"
)

// Terminal reports whether the status is final. Terminal runs never move back
// to pending or running.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunExpired:
		return true
	}
	return false
}

// Attempts returns the effective attempt budget, never below 1.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BundleBinding identifies the bundle version and export backing a job.
type BundleBinding struct {
	Slug string `json:"slug"`
	// Version is the bundle version string, or "latest".
	Version    string `json:"version"`
	ExportName string `json:"exportName,omitempty"`
}

const bundlePrefix = "bundle:"

// IsBundleEntryPoint reports whether the entry point names a bundle binding.
func IsBundleEntryPoint(entryPoint string) bool {
	return strings.HasPrefix(entryPoint, bundlePrefix)
}

// ParseBundleBinding parses an entry point of the form
// "bundle:<slug>@<version>[#<export>]".
func ParseBundleBinding(entryPoint string) (BundleBinding, error) {
	if !IsBundleEntryPoint(entryPoint) {
		return BundleBinding{}, fmt.Errorf("entry point %q is not a bundle binding", entryPoint)
	}
	rest := strings.TrimPrefix(entryPoint, bundlePrefix)
	var export string
	if idx := strings.Index(rest, "#"); idx >= 0 {
		export = rest[idx+1:]
		rest = rest[:idx]
	}
	slug, version, ok := strings.Cut(rest, "@")
	if !ok || slug == "" || version == "" {
		return BundleBinding{}, fmt.Errorf("malformed bundle binding %q: want bundle:<slug>@<version>", entryPoint)
	}
	return BundleBinding{Slug: slug, Version: version, ExportName: export}, nil
}

// String renders the binding back to entry point form.
func (b BundleBinding) String() string {
	s := bundlePrefix + b.Slug + "@" + b.Version
	if b.ExportName != "" {
		s += "#" + b.ExportName
	}
	return s
}
