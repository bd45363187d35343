package workflow

import "time"

// Schedule is a persisted cron trigger for a workflow definition. The
// scheduler advances NextRunAt and CatchupCursor under an advisory lock so
// two replicas never materialize the same occurrence twice.
type Schedule struct {
	ID                   string
	WorkflowDefinitionID string
	Name                 string
	// Cron is a 5-field or 6-field (seconds first) cron expression.
	Cron     string
	Timezone string
	// Parameters override definition defaults for scheduled runs.
	Parameters  map[string]any
	StartWindow string
	EndWindow   string
	// CatchUp materializes every missed occurrence (bounded per tick by the
	// scheduler's maxWindows) instead of only the latest one.
	CatchUp bool
	// NextRunAt is the next occurrence due for materialization.
	NextRunAt *time.Time
	// LastMaterializedWindow is the window of the most recent run created.
	LastMaterializedWindow *Window
	// CatchupCursor is the resume point for catch-up iteration.
	CatchupCursor *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
