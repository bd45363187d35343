package workflow

import "time"

type (
	// Run is one execution of a workflow definition.
	Run struct {
		ID                   string
		WorkflowDefinitionID string
		Status               RunStatus
		// RunKey is an optional caller-supplied idempotency string.
		RunKey string
		// Parameters is the merged parameter document for the run
		// (definition defaults overlaid with trigger/manual overrides).
		Parameters map[string]any
		// Context accumulates per-step state and shared values.
		Context *RunContext
		// Output is the aggregated run output once terminal.
		Output any
		// CurrentStepID and CurrentStepIndex track executor progress for
		// observability.
		CurrentStepID    string
		CurrentStepIndex int
		Metrics          RunMetrics
		Trigger          Trigger
		// TriggeredBy identifies the producer: "manual", "scheduler",
		// "event-trigger" or "asset-materializer".
		TriggeredBy string
		// PartitionKey scopes the run to one asset partition.
		PartitionKey string
		RetrySummary RetrySummary
		ErrorMessage string
		CreatedAt    time.Time
		UpdatedAt    time.Time
		StartedAt    *time.Time
		CompletedAt  *time.Time
	}

	// RunStatus enumerates workflow run states.
	RunStatus string

	// RunContext is persisted as the run's JSON context column.
	RunContext struct {
		// Steps tracks per-step status, attempt and outputs by step id.
		Steps map[string]*StepContext `json:"steps"`
		// Shared holds values written by storeResultAs, storeResponseAs and
		// storeResultsAs.
		Shared map[string]any `json:"shared,omitempty"`
		// Error and Stack capture the first terminal failure.
		Error string `json:"error,omitempty"`
		Stack string `json:"stack,omitempty"`
	}

	// StepContext is the per-step slice of the run context.
	StepContext struct {
		Status  StepStatus      `json:"status"`
		Attempt int             `json:"attempt"`
		Result  any             `json:"result,omitempty"`
		Error   string          `json:"error,omitempty"`
		Service *ServiceContext `json:"service,omitempty"`
		// Assets maps consumed asset ids to their injected materialization
		// payloads.
		Assets map[string]any `json:"assets,omitempty"`
	}

	// ServiceContext records the outcome of a service step's HTTP exchange.
	ServiceContext struct {
		StatusCode int    `json:"statusCode"`
		OK         bool   `json:"ok"`
		DurationMs int64  `json:"durationMs,omitempty"`
		BaseURL    string `json:"baseUrl,omitempty"`
	}

	// RunMetrics aggregates step counts for the run.
	RunMetrics struct {
		TotalSteps     int `json:"totalSteps"`
		CompletedSteps int `json:"completedSteps"`
		FailedSteps    int `json:"failedSteps,omitempty"`
		SkippedSteps   int `json:"skippedSteps,omitempty"`
	}

	// RetrySummary aggregates retries across the run.
	RetrySummary struct {
		TotalRetries int            `json:"totalRetries"`
		StepRetries  map[string]int `json:"stepRetries,omitempty"`
	}

	// Trigger records what launched the run. Type selects which optional
	// block is populated.
	Trigger struct {
		// Type is "manual", "schedule", "event" or "auto-materialize".
		Type     string           `json:"type"`
		Schedule *ScheduleTrigger `json:"schedule,omitempty"`
		// TriggerID and EventID are set for event launches.
		TriggerID string `json:"triggerId,omitempty"`
		EventID   string `json:"eventId,omitempty"`
		// Reason and Upstream are set for auto-materialize launches.
		Reason   string       `json:"reason,omitempty"`
		Upstream *UpstreamRef `json:"upstream,omitempty"`
		Priority int          `json:"priority,omitempty"`
		// Operator identifies the caller for manual launches.
		Operator string `json:"operator,omitempty"`
	}

	// ScheduleTrigger is the schedule block of a scheduler-launched run.
	ScheduleTrigger struct {
		ID         string    `json:"id"`
		Name       string    `json:"name,omitempty"`
		Cron       string    `json:"cron"`
		Timezone   string    `json:"timezone,omitempty"`
		Occurrence time.Time `json:"occurrence"`
		Window     Window    `json:"window"`
		CatchUp    bool      `json:"catchUp"`
	}

	// Window is the half-open [start, end) interval a scheduled run covers.
	Window struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}

	// UpstreamRef points at the materialization that caused an auto run.
	UpstreamRef struct {
		AssetID    string    `json:"assetId"`
		ProducedAt time.Time `json:"producedAt"`
		RunID      string    `json:"runId,omitempty"`
		StepID     string    `json:"stepId,omitempty"`
	}

	// RunStep is the persisted record of one step execution within a run.
	// Fan-out children carry the composite id "<parent>:<template>:<n>" with
	// n 1-based.
	RunStep struct {
		ID            string
		WorkflowRunID string
		StepID        string
		Status        StepStatus
		Attempt       int
		// JobRunID links job steps to the job run they dispatched.
		JobRunID string
		// Input is the resolved step input; secret headers are redacted
		// before persistence.
		Input        any
		Output       any
		ErrorMessage string
		Metrics      map[string]any
		// ParentStepID, FanoutIndex and TemplateStepID are set on fan-out
		// children. FanoutIndex is 0-based.
		ParentStepID   string
		FanoutIndex    *int
		TemplateStepID string
		StartedAt      *time.Time
		CompletedAt    *time.Time
	}

	// StepStatus enumerates run step states.
	StepStatus string
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

const (
	TriggeredByManual       = "manual"
	TriggeredByScheduler    = "scheduler"
	TriggeredByEventTrigger = "event-trigger"
	TriggeredByMaterializer = "asset-materializer"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// NewRunContext returns an empty, initialized run context.
func NewRunContext() *RunContext {
	return &RunContext{Steps: make(map[string]*StepContext), Shared: make(map[string]any)}
}

// Step returns the context slice for a step id, creating it when absent.
func (c *RunContext) Step(id string) *StepContext {
	if c.Steps == nil {
		c.Steps = make(map[string]*StepContext)
	}
	sc, ok := c.Steps[id]
	if !ok {
		sc = &StepContext{Status: StepPending}
		c.Steps[id] = sc
	}
	return sc
}

// SetShared writes a shared context value.
func (c *RunContext) SetShared(key string, value any) {
	if c.Shared == nil {
		c.Shared = make(map[string]any)
	}
	c.Shared[key] = value
}
