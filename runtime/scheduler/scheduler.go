// Package scheduler materializes cron schedules into workflow runs. A
// long-lived supervisor ticks on an interval, picks up due schedules, and
// creates one run per occurrence. Catch-up schedules replay every missed
// occurrence up to a per-tick window bound; without catch-up only the most
// recent missed occurrence is materialized. Per-schedule advisory locks keep
// replicas from materializing the same occurrence twice.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/executor"
	"github.com/weftworks/weft/runtime/hooks"
	"github.com/weftworks/weft/runtime/telemetry"
)

// EnvAdvisoryLocks toggles per-schedule advisory locking. Values off, false
// and 0 disable it; anything else, including unset, leaves it on when a
// locker is configured.
const EnvAdvisoryLocks = "WORKFLOW_SCHEDULER_ADVISORY_LOCKS"

const (
	defaultInterval   = 15 * time.Second
	defaultBatchSize  = 25
	defaultMaxWindows = 10
)

// cronParser accepts 5-field expressions and 6-field expressions with a
// leading seconds field, plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type (
	// Launcher creates and announces workflow runs. Satisfied by
	// runtime/executor.Executor.
	Launcher interface {
		LaunchRun(ctx context.Context, spec executor.LaunchSpec) (*workflow.Run, error)
	}

	// Store is the persistence surface the scheduler needs.
	Store interface {
		store.ScheduleStore
	}

	// Options configures the Scheduler. Store and Launcher are required.
	Options struct {
		Store    Store
		Launcher Launcher
		// Locker serializes schedule advancement across replicas. Nil runs
		// with single-writer semantics, as does disabling via EnvAdvisoryLocks.
		Locker store.AdvisoryLocker
		// Interval between ticks.
		Interval time.Duration
		// BatchSize caps due schedules fetched per tick.
		BatchSize int
		// MaxWindows caps occurrences materialized per schedule per tick
		// during catch-up.
		MaxWindows int
		Hooks      hooks.Bus
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
	}

	// Scheduler is the cron supervisor.
	Scheduler struct {
		store      Store
		launcher   Launcher
		locker     store.AdvisoryLocker
		interval   time.Duration
		batchSize  int
		maxWindows int
		hooks      hooks.Bus
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu      sync.Mutex
		stop    chan struct{}
		stopped chan struct{}
	}
)

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("scheduler: launcher is required")
	}
	logger, metrics, _ := telemetry.OrDefault(opts.Logger, opts.Metrics, nil)
	h := opts.Hooks
	if h == nil {
		h = hooks.NewBus()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	windows := opts.MaxWindows
	if windows <= 0 {
		windows = defaultMaxWindows
	}
	locker := opts.Locker
	if !advisoryLocksEnabled() {
		locker = nil
	}
	return &Scheduler{
		store:      opts.Store,
		launcher:   opts.Launcher,
		locker:     locker,
		interval:   interval,
		batchSize:  batch,
		maxWindows: windows,
		hooks:      h,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func advisoryLocksEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvAdvisoryLocks)) {
	case "off", "false", "0":
		return false
	}
	return true
}

// Start launches the tick loop. Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stop, s.stopped)
	s.logger.Info(ctx, "scheduler started", "interval", s.interval.String())
}

// Stop signals the loop and waits for the in-flight tick to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error(ctx, "scheduler tick failed", "err", err.Error())
			}
		}
	}
}

// Tick processes every due schedule once. Exported so inline deployments and
// tests can drive the scheduler without the loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.ListDueWorkflowSchedules(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, candidate := range due {
		if err := s.processSchedule(ctx, candidate, now); err != nil {
			s.logger.Error(ctx, "process schedule failed",
				"schedule", candidate.Schedule.ID, "err", err.Error())
			s.metrics.IncCounter("scheduler_failures", 1, "schedule", candidate.Schedule.ID)
		}
	}
	return nil
}

// processSchedule advances one schedule under its advisory lock, creating a
// run per materialized occurrence.
func (s *Scheduler) processSchedule(ctx context.Context, candidate *store.DueSchedule, now time.Time) error {
	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "schedule:"+candidate.Schedule.ID)
		if err != nil {
			return fmt.Errorf("acquire schedule lock: %w", err)
		}
		if !acquired {
			// another replica is advancing this schedule
			return nil
		}
		defer release(ctx) //nolint:errcheck
	}

	sched, err := s.store.GetWorkflowSchedule(ctx, candidate.Schedule.ID)
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}
	if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
		return nil
	}

	spec, err := parseCron(sched.Cron, sched.Timezone)
	if err != nil {
		sched.IsActive = false
		if uerr := s.store.UpdateWorkflowSchedule(ctx, sched); uerr != nil {
			return uerr
		}
		s.logger.Warn(ctx, "schedule deactivated, cron does not parse",
			"schedule", sched.ID, "cron", sched.Cron, "err", err.Error())
		return nil
	}

	if sched.CatchUp {
		return s.materializeCatchUp(ctx, sched, candidate.Definition, spec, now)
	}
	return s.materializeLatest(ctx, sched, candidate.Definition, spec, now)
}

// materializeLatest creates a run for the most recent occurrence at or before
// now and advances past any older missed occurrences.
func (s *Scheduler) materializeLatest(ctx context.Context, sched *workflow.Schedule, def *workflow.Definition, spec cron.Schedule, now time.Time) error {
	occ := *sched.NextRunAt
	for {
		next := spec.Next(occ)
		if next.After(now) {
			break
		}
		occ = next
	}
	window := workflow.Window{Start: occ, End: spec.Next(occ)}
	if err := s.launchOccurrence(ctx, sched, def, occ, window); err != nil {
		return err
	}
	next := spec.Next(now)
	sched.NextRunAt = &next
	sched.CatchupCursor = nil
	sched.LastMaterializedWindow = &window
	return s.store.UpdateWorkflowSchedule(ctx, sched)
}

// materializeCatchUp replays missed occurrences from the catch-up cursor,
// bounded by maxWindows per tick. A launch failure parks both the cursor and
// nextRunAt on the failed occurrence so the next tick retries it.
func (s *Scheduler) materializeCatchUp(ctx context.Context, sched *workflow.Schedule, def *workflow.Definition, spec cron.Schedule, now time.Time) error {
	occ := *sched.NextRunAt
	if sched.CatchupCursor != nil {
		occ = *sched.CatchupCursor
	}
	var lastWindow *workflow.Window
	for count := 0; count < s.maxWindows && !occ.After(now); count++ {
		window := workflow.Window{Start: occ, End: spec.Next(occ)}
		if err := s.launchOccurrence(ctx, sched, def, occ, window); err != nil {
			failed := occ
			sched.NextRunAt = &failed
			sched.CatchupCursor = &failed
			if lastWindow != nil {
				sched.LastMaterializedWindow = lastWindow
			}
			if uerr := s.store.UpdateWorkflowSchedule(ctx, sched); uerr != nil {
				return uerr
			}
			return err
		}
		lastWindow = &window
		occ = window.End
	}
	sched.NextRunAt = &occ
	sched.CatchupCursor = &occ
	if lastWindow != nil {
		sched.LastMaterializedWindow = lastWindow
	}
	return s.store.UpdateWorkflowSchedule(ctx, sched)
}

// launchOccurrence creates the run for one occurrence. Occurrences whose
// workflow requires a partition key the scheduler cannot derive are skipped;
// metadata still advances so the schedule does not tight-loop.
func (s *Scheduler) launchOccurrence(ctx context.Context, sched *workflow.Schedule, def *workflow.Definition, occ time.Time, window workflow.Window) error {
	partitionKey, derivable := schedulePartitionKey(def, occ)
	if !derivable {
		s.logger.Warn(ctx, "occurrence skipped, partitioned output has no derivable key",
			"schedule", sched.ID, "workflow", def.Slug, "occurrence", occ.Format(time.RFC3339))
		s.metrics.IncCounter("scheduler_occurrences_skipped", 1, "schedule", sched.ID)
		return nil
	}
	run, err := s.launcher.LaunchRun(ctx, executor.LaunchSpec{
		Definition:   def,
		Parameters:   sched.Parameters,
		PartitionKey: partitionKey,
		TriggeredBy:  workflow.TriggeredByScheduler,
		Trigger: workflow.Trigger{
			Type: "schedule",
			Schedule: &workflow.ScheduleTrigger{
				ID:         sched.ID,
				Name:       sched.Name,
				Cron:       sched.Cron,
				Timezone:   sched.Timezone,
				Occurrence: occ,
				Window:     window,
				CatchUp:    sched.CatchUp,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("launch scheduled run for %s: %w", occ.Format(time.RFC3339), err)
	}
	s.hooks.Publish(ctx, hooks.NewScheduleFiredEvent(run.ID, def.ID, sched.ID, occ, sched.CatchUp)) //nolint:errcheck
	s.metrics.IncCounter("scheduler_runs_created", 1, "schedule", sched.ID)
	return nil
}

// schedulePartitionKey derives the run's partition key from the occurrence.
// Time-window partitioned outputs use the window containing the occurrence.
// Other partitioned outputs have no derivable key; unpartitioned workflows
// run without one.
func schedulePartitionKey(def *workflow.Definition, occ time.Time) (string, bool) {
	for i := range def.Steps {
		for _, decl := range def.Steps[i].ProducedAssets() {
			p := decl.Partitioning
			if p == nil || !p.RequiresPartitionKey() {
				continue
			}
			if p.Type != asset.PartitionTimeWindow {
				return "", false
			}
			return p.WindowKey(occ), true
		}
	}
	return "", true
}

// parseCron parses the expression in the schedule's timezone. Timezones are
// applied through the CRON_TZ prefix unless the expression already carries
// one.
func parseCron(expr, timezone string) (cron.Schedule, error) {
	if timezone != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	return cronParser.Parse(expr)
}
