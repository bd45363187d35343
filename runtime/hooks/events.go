package hooks

import (
	"time"

	"github.com/weftworks/weft/catalog/asset"
)

type (
	// Event is the interface all hook events implement. Subscribers type
	// switch on the concrete event to access typed payloads:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *StepCompletedEvent:
	//	        log.Printf("step %s: %s", e.StepID, e.Status)
	//	    case *AssetMaterializedEvent:
	//	        log.Printf("asset %s produced", e.Materialization.AssetID)
	//	    }
	//	    return nil
	//	}
	Event interface {
		Type() EventType
		RunID() string
		WorkflowID() string
		Timestamp() int64
	}

	// RunStartedEvent fires when a workflow run begins executing.
	RunStartedEvent struct {
		baseEvent
		// Trigger names how the run was launched: manual, scheduler,
		// event-trigger or asset-materializer.
		Trigger string
		// Parameters are the effective run parameters after defaults merge.
		Parameters map[string]any
	}

	// RunCompletedEvent fires when a workflow run reaches a terminal status.
	RunCompletedEvent struct {
		baseEvent
		// Status is the terminal run status: succeeded, failed or canceled.
		Status string
		// Error carries the terminal error message, empty on success.
		Error string
		// Duration is the wall-clock time from start to completion.
		Duration time.Duration
	}

	// StepStartedEvent fires when a step attempt begins.
	StepStartedEvent struct {
		baseEvent
		StepID   string
		StepType string
		// Attempt is 1 for the first execution and increments on retries.
		Attempt int
	}

	// StepCompletedEvent fires when a step reaches a terminal status.
	StepCompletedEvent struct {
		baseEvent
		StepID   string
		StepType string
		// Status is succeeded, failed or skipped.
		Status  string
		Attempt int
		Error   string
	}

	// StepRetriedEvent fires before a failed step attempt is retried.
	StepRetriedEvent struct {
		baseEvent
		StepID string
		// NextAttempt is the attempt number about to execute.
		NextAttempt int
		// Delay is the backoff applied before the retry.
		Delay time.Duration
		// Reason summarizes the failure that caused the retry.
		Reason string
	}

	// AssetMaterializedEvent fires after an asset materialization record is
	// persisted.
	AssetMaterializedEvent struct {
		baseEvent
		StepID          string
		Materialization asset.Materialization
	}

	// ScheduleFiredEvent fires when the scheduler launches a run for an
	// occurrence.
	ScheduleFiredEvent struct {
		baseEvent
		ScheduleID string
		// Occurrence is the cron fire time the run materializes, which lags
		// wall-clock time during catch-up.
		Occurrence time.Time
		CatchUp    bool
	}

	// TriggerMatchedEvent fires when all predicates of an event trigger
	// match an incoming event.
	TriggerMatchedEvent struct {
		baseEvent
		TriggerID string
		EventID   string
		EventType string
	}

	// JobDispatchedEvent fires when a job run is handed to the job runtime.
	JobDispatchedEvent struct {
		baseEvent
		JobRunID string
		JobSlug  string
		StepID   string
	}

	// JobCompletedEvent fires when a job run reaches a terminal status.
	JobCompletedEvent struct {
		baseEvent
		JobRunID string
		JobSlug  string
		Status   string
		Duration time.Duration
	}

	// baseEvent holds fields shared by all event types. It is embedded in
	// each concrete event and provides RunID, WorkflowID and Timestamp.
	baseEvent struct {
		runID      string
		workflowID string
		timestamp  int64
	}
)

// newBaseEvent stamps the event with the current time in Unix milliseconds.
func newBaseEvent(runID, workflowID string) baseEvent {
	return baseEvent{runID: runID, workflowID: workflowID, timestamp: time.Now().UnixMilli()}
}

// RunID returns the workflow run identifier, empty for events not tied to a
// run (e.g. TriggerMatched before launch).
func (e baseEvent) RunID() string { return e.runID }

// WorkflowID returns the workflow definition identifier.
func (e baseEvent) WorkflowID() string { return e.workflowID }

// Timestamp returns the Unix millisecond timestamp of the event.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// NewRunStartedEvent constructs a RunStartedEvent.
func NewRunStartedEvent(runID, workflowID, trigger string, parameters map[string]any) *RunStartedEvent {
	return &RunStartedEvent{baseEvent: newBaseEvent(runID, workflowID), Trigger: trigger, Parameters: parameters}
}

// NewRunCompletedEvent constructs a RunCompletedEvent. errMsg is empty on
// success.
func NewRunCompletedEvent(runID, workflowID, status, errMsg string, duration time.Duration) *RunCompletedEvent {
	return &RunCompletedEvent{baseEvent: newBaseEvent(runID, workflowID), Status: status, Error: errMsg, Duration: duration}
}

// NewStepStartedEvent constructs a StepStartedEvent.
func NewStepStartedEvent(runID, workflowID, stepID, stepType string, attempt int) *StepStartedEvent {
	return &StepStartedEvent{baseEvent: newBaseEvent(runID, workflowID), StepID: stepID, StepType: stepType, Attempt: attempt}
}

// NewStepCompletedEvent constructs a StepCompletedEvent.
func NewStepCompletedEvent(runID, workflowID, stepID, stepType, status string, attempt int, errMsg string) *StepCompletedEvent {
	return &StepCompletedEvent{
		baseEvent: newBaseEvent(runID, workflowID),
		StepID:    stepID,
		StepType:  stepType,
		Status:    status,
		Attempt:   attempt,
		Error:     errMsg,
	}
}

// NewStepRetriedEvent constructs a StepRetriedEvent.
func NewStepRetriedEvent(runID, workflowID, stepID string, nextAttempt int, delay time.Duration, reason string) *StepRetriedEvent {
	return &StepRetriedEvent{
		baseEvent:   newBaseEvent(runID, workflowID),
		StepID:      stepID,
		NextAttempt: nextAttempt,
		Delay:       delay,
		Reason:      reason,
	}
}

// NewAssetMaterializedEvent constructs an AssetMaterializedEvent.
func NewAssetMaterializedEvent(runID, workflowID, stepID string, m asset.Materialization) *AssetMaterializedEvent {
	return &AssetMaterializedEvent{baseEvent: newBaseEvent(runID, workflowID), StepID: stepID, Materialization: m}
}

// NewScheduleFiredEvent constructs a ScheduleFiredEvent.
func NewScheduleFiredEvent(runID, workflowID, scheduleID string, occurrence time.Time, catchUp bool) *ScheduleFiredEvent {
	return &ScheduleFiredEvent{
		baseEvent:  newBaseEvent(runID, workflowID),
		ScheduleID: scheduleID,
		Occurrence: occurrence,
		CatchUp:    catchUp,
	}
}

// NewTriggerMatchedEvent constructs a TriggerMatchedEvent. The run id is
// empty because no run exists yet at match time.
func NewTriggerMatchedEvent(workflowID, triggerID, eventID, eventType string) *TriggerMatchedEvent {
	return &TriggerMatchedEvent{
		baseEvent: newBaseEvent("", workflowID),
		TriggerID: triggerID,
		EventID:   eventID,
		EventType: eventType,
	}
}

// NewJobDispatchedEvent constructs a JobDispatchedEvent.
func NewJobDispatchedEvent(runID, workflowID, jobRunID, jobSlug, stepID string) *JobDispatchedEvent {
	return &JobDispatchedEvent{
		baseEvent: newBaseEvent(runID, workflowID),
		JobRunID:  jobRunID,
		JobSlug:   jobSlug,
		StepID:    stepID,
	}
}

// NewJobCompletedEvent constructs a JobCompletedEvent.
func NewJobCompletedEvent(runID, workflowID, jobRunID, jobSlug, status string, duration time.Duration) *JobCompletedEvent {
	return &JobCompletedEvent{
		baseEvent: newBaseEvent(runID, workflowID),
		JobRunID:  jobRunID,
		JobSlug:   jobSlug,
		Status:    status,
		Duration:  duration,
	}
}

func (e *RunStartedEvent) Type() EventType        { return RunStarted }
func (e *RunCompletedEvent) Type() EventType      { return RunCompleted }
func (e *StepStartedEvent) Type() EventType       { return StepStarted }
func (e *StepCompletedEvent) Type() EventType     { return StepCompleted }
func (e *StepRetriedEvent) Type() EventType       { return StepRetried }
func (e *AssetMaterializedEvent) Type() EventType { return AssetMaterialized }
func (e *ScheduleFiredEvent) Type() EventType     { return ScheduleFired }
func (e *TriggerMatchedEvent) Type() EventType    { return TriggerMatched }
func (e *JobDispatchedEvent) Type() EventType     { return JobDispatched }
func (e *JobCompletedEvent) Type() EventType      { return JobCompleted }
