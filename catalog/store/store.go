// Package store defines the record store consumed by the orchestration core.
// The store is a transactional, key-addressable persistence layer for
// definitions, runs, steps, schedules, triggers, deliveries and asset
// materializations, plus advisory locks. Implementations: catalog/store/inmem
// for tests and inline mode, features/store/mongo for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/workflow"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrTerminal reports an attempt to move a run out of a terminal status.
	ErrTerminal = errors.New("run is already terminal")
	// ErrConflict reports a uniqueness or concurrent-update conflict.
	ErrConflict = errors.New("record conflict")
)

type (
	// Store aggregates every record family the core reads and writes.
	Store interface {
		JobStore
		BundleStore
		WorkflowStore
		RunStore
		ScheduleStore
		TriggerStore
		AssetStore
	}

	// JobStore persists job definitions and job runs.
	JobStore interface {
		// UpsertJobDefinition creates the definition or replaces the slug's
		// current version, bumping Version and filling ID/timestamps.
		UpsertJobDefinition(ctx context.Context, def *job.Definition) error
		GetJobDefinition(ctx context.Context, id string) (*job.Definition, error)
		GetJobDefinitionBySlug(ctx context.Context, slug string) (*job.Definition, error)
		ListJobDefinitions(ctx context.Context) ([]*job.Definition, error)

		CreateJobRun(ctx context.Context, run *job.Run) error
		GetJobRun(ctx context.Context, id string) (*job.Run, error)
		// StartJobRun transitions pending → running and stamps StartedAt.
		// Returns the stored run unchanged when it is already terminal.
		StartJobRun(ctx context.Context, id string, startedAt time.Time) (*job.Run, error)
		// UpdateJobRun persists mutable fields (parameters, metrics, context,
		// timeout) and refreshes LastHeartbeatAt. Terminal runs reject updates.
		UpdateJobRun(ctx context.Context, run *job.Run) error
		// CompleteJobRun moves the run to the given terminal status. A run
		// that is already terminal returns ErrTerminal.
		CompleteJobRun(ctx context.Context, run *job.Run) error
	}

	// BundleStore persists published bundle versions.
	BundleStore interface {
		PutBundleVersion(ctx context.Context, bv *job.BundleVersion) error
		GetBundleVersion(ctx context.Context, slug, version string) (*job.BundleVersion, error)
		// LatestBundleVersion returns the newest published version for a slug.
		LatestBundleVersion(ctx context.Context, slug string) (*job.BundleVersion, error)
	}

	// WorkflowStore persists workflow definitions.
	WorkflowStore interface {
		// UpsertWorkflowDefinition stores a validated definition, bumping
		// Version for existing slugs.
		UpsertWorkflowDefinition(ctx context.Context, def *workflow.Definition) error
		GetWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error)
		GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (*workflow.Definition, error)
		ListWorkflowDefinitions(ctx context.Context) ([]*workflow.Definition, error)
	}

	// RunStore persists workflow runs and their step records.
	RunStore interface {
		CreateWorkflowRun(ctx context.Context, run *workflow.Run) error
		GetWorkflowRun(ctx context.Context, id string) (*workflow.Run, error)
		// UpdateWorkflowRun persists the run. Transitions out of a terminal
		// status return ErrTerminal; the stored record stays unchanged.
		UpdateWorkflowRun(ctx context.Context, run *workflow.Run) error
		ListWorkflowRuns(ctx context.Context, filter RunFilter) ([]*workflow.Run, error)

		CreateWorkflowRunStep(ctx context.Context, step *workflow.RunStep) error
		UpdateWorkflowRunStep(ctx context.Context, step *workflow.RunStep) error
		GetWorkflowRunStep(ctx context.Context, runID, stepID string) (*workflow.RunStep, error)
		ListWorkflowRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error)
	}

	// RunFilter narrows ListWorkflowRuns. Zero values match everything.
	RunFilter struct {
		WorkflowDefinitionID string
		PartitionKey         string
		// HasPartitionKey, when true with an empty PartitionKey, matches only
		// runs without a key.
		HasPartitionKey bool
		Statuses        []workflow.RunStatus
		TriggeredBy     string
		// Limit caps results; zero means no cap. Results are newest first.
		Limit int
	}

	// ScheduleStore persists workflow schedules.
	ScheduleStore interface {
		CreateWorkflowSchedule(ctx context.Context, s *workflow.Schedule) error
		GetWorkflowSchedule(ctx context.Context, id string) (*workflow.Schedule, error)
		UpdateWorkflowSchedule(ctx context.Context, s *workflow.Schedule) error
		// ListDueWorkflowSchedules returns active schedules with
		// NextRunAt <= now, joined with their workflow definition.
		ListDueWorkflowSchedules(ctx context.Context, now time.Time, limit int) ([]*DueSchedule, error)
	}

	// DueSchedule joins a due schedule with its definition.
	DueSchedule struct {
		Schedule   *workflow.Schedule
		Definition *workflow.Definition
	}

	// TriggerStore persists event triggers and their deliveries.
	TriggerStore interface {
		PutEventTrigger(ctx context.Context, t *workflow.EventTrigger) error
		GetEventTrigger(ctx context.Context, id string) (*workflow.EventTrigger, error)
		// ListActiveEventTriggers returns active triggers for an event type,
		// filtered by source when the trigger declares one.
		ListActiveEventTriggers(ctx context.Context, eventType, eventSource string) ([]*workflow.EventTrigger, error)

		CreateTriggerDelivery(ctx context.Context, d *workflow.TriggerDelivery) error
		UpdateTriggerDelivery(ctx context.Context, d *workflow.TriggerDelivery) error
		// CountRecentLaunches counts launched deliveries for a trigger since
		// the given instant.
		CountRecentLaunches(ctx context.Context, triggerID string, since time.Time) (int, error)
		// CountLiveLaunches counts launched deliveries whose workflow run is
		// still pending or running.
		CountLiveLaunches(ctx context.Context, triggerID string) (int, error)
		// FindDeliveryByIdempotencyKey returns the most recent launched
		// delivery for the trigger and key, or ErrNotFound.
		FindDeliveryByIdempotencyKey(ctx context.Context, triggerID, key string) (*workflow.TriggerDelivery, error)
		// ListTriggerDeliveries returns a trigger's deliveries, newest first.
		ListTriggerDeliveries(ctx context.Context, triggerID string, limit int) ([]*workflow.TriggerDelivery, error)
	}

	// AssetStore persists asset materializations.
	AssetStore interface {
		RecordAssetMaterializations(ctx context.Context, ms []asset.Materialization) error
		// LatestAssetMaterialization returns the newest materialization for
		// an asset, scoped to a partition key when non-empty.
		LatestAssetMaterialization(ctx context.Context, assetID, partitionKey string) (*asset.Materialization, error)
		ListAssetMaterializations(ctx context.Context, assetID string, limit int) ([]*asset.Materialization, error)
		ListAssetPartitions(ctx context.Context, assetID string) ([]string, error)
	}

	// AdvisoryLocker serializes cross-replica critical sections. TryLock is
	// non-blocking: held locks report acquired == false without error.
	AdvisoryLocker interface {
		TryLock(ctx context.Context, key string) (release func(context.Context) error, acquired bool, err error)
	}
)
