// Package jobs executes job runs: it resolves the handler (a static Go
// handler registered in-process or a sandboxed bundle), feeds parameters,
// persists the run lifecycle and merges sandbox telemetry into the terminal
// record. Bundle resolution failures go through an optional recovery hook
// and a per-slug static fallback before the run is failed.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/bundle"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/sandbox"
	"github.com/weftworks/weft/runtime/telemetry"
)

// WorkflowBundleContextKey is the run context key under which the workflow
// executor stores a bundle override: {slug, version, exportName?}. The
// override takes precedence over the definition's entry point binding.
const WorkflowBundleContextKey = "__workflowBundle"

type (
	// Handler is a static in-process job handler. It returns the job
	// result or an error; panics are captured and fail the run.
	Handler func(ctx context.Context, rc *RunContext) (any, error)

	// SecretSource resolves secret references for handlers. A nil result
	// with a nil error means the secret does not exist.
	SecretSource interface {
		Resolve(ctx context.Context, ref workflow.SecretRef) (*string, error)
	}

	// RecoveryHook is consulted when a bundle version cannot be resolved
	// or acquired. It may re-resolve, republish or repair the bundle and
	// return a usable version record.
	RecoveryHook func(ctx context.Context, binding job.BundleBinding) (*job.BundleVersion, error)

	// Store is the persistence surface the job runtime needs.
	Store interface {
		store.JobStore
		store.BundleStore
	}

	// Options configures the Runtime. Store is required; everything else
	// is optional and substituted with noops or disabled features.
	Options struct {
		Store    Store
		Bundles  *bundle.Cache
		Sandbox  *sandbox.Runner
		Secrets  SecretSource
		Recovery RecoveryHook
		Hooks    hooks.Bus
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Tracer   telemetry.Tracer
	}

	// Runtime resolves and executes job runs.
	Runtime struct {
		store    Store
		bundles  *bundle.Cache
		sandbox  *sandbox.Runner
		secrets  SecretSource
		recovery RecoveryHook
		hooks    hooks.Bus
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer

		mu        sync.RWMutex
		handlers  map[string]Handler
		fallbacks map[string]Handler
	}
)

// New constructs a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("jobs: store is required")
	}
	logger, metrics, tracer := telemetry.OrDefault(opts.Logger, opts.Metrics, opts.Tracer)
	b := opts.Hooks
	if b == nil {
		b = hooks.NewBus()
	}
	return &Runtime{
		store:     opts.Store,
		bundles:   opts.Bundles,
		sandbox:   opts.Sandbox,
		secrets:   opts.Secrets,
		recovery:  opts.Recovery,
		hooks:     b,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		handlers:  make(map[string]Handler),
		fallbacks: make(map[string]Handler),
	}, nil
}

// RegisterHandler installs a static handler for the job slug. Static
// handlers take precedence over bundle bindings.
func (r *Runtime) RegisterHandler(slug string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[slug] = h
}

// RegisterFallback installs a static fallback used when bundle resolution
// fails persistently for the slug.
func (r *Runtime) RegisterFallback(slug string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[slug] = h
}

func (r *Runtime) handler(slug string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[slug]
}

func (r *Runtime) fallback(slug string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacks[slug]
}
