// Package workflow defines workflow definitions (steps, DAGs, triggers),
// workflow runs and their step records, schedules, event triggers and trigger
// deliveries. The package owns structural validation; execution semantics
// live in runtime/executor and its siblings.
package workflow

import (
	"fmt"
	"time"

	"github.com/weftworks/weft/catalog/job"
)

type (
	// Definition is a versioned workflow. Upserting a slug replaces the
	// definition at a bumped version; the validated DAG is persisted with it.
	Definition struct {
		ID string
		// Slug uniquely identifies the workflow.
		Slug string `validate:"required,lowercase"`
		Name string
		// Version starts at 1 and increments on every upsert.
		Version int
		// Steps is the declared step graph.
		Steps []Step
		// Triggers declares cron schedules materialized into Schedule rows.
		Triggers []ScheduleSpec
		// EventTriggers declares event-driven launches materialized into
		// EventTrigger rows.
		EventTriggers []EventTriggerSpec
		// ParametersSchema validates run parameters. Nil disables validation.
		ParametersSchema map[string]any
		// DefaultParameters seed run parameters.
		DefaultParameters map[string]any
		Metadata          map[string]any
		// DAG is computed by Validate and persisted with the definition.
		DAG       DAG
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// ScheduleSpec is the in-definition shape of a cron trigger.
	ScheduleSpec struct {
		Name string `json:"name,omitempty"`
		// Cron is a 5-field or 6-field (with seconds) cron expression.
		Cron     string `json:"cron"`
		Timezone string `json:"timezone,omitempty"`
		// Parameters override definition defaults for scheduled runs.
		Parameters  map[string]any `json:"parameters,omitempty"`
		StartWindow string         `json:"startWindow,omitempty"`
		EndWindow   string         `json:"endWindow,omitempty"`
		CatchUp     bool           `json:"catchUp,omitempty"`
	}

	// EventTriggerSpec is the in-definition shape of an event trigger.
	EventTriggerSpec struct {
		Name        string `json:"name"`
		EventType   string `json:"eventType"`
		EventSource string `json:"eventSource,omitempty"`
		// Predicates must all hold for the trigger to match (logical AND).
		Predicates []Predicate `json:"predicates,omitempty"`
		// ParameterTemplate is template-expanded against the envelope to
		// build run parameters.
		ParameterTemplate map[string]any `json:"parameterTemplate,omitempty"`
		ThrottleWindowMs  int64          `json:"throttleWindowMs,omitempty"`
		ThrottleCount     int            `json:"throttleCount,omitempty"`
		MaxConcurrency    int            `json:"maxConcurrency,omitempty"`
		// IdempotencyKeyExpression dedupes launches per evaluated key.
		IdempotencyKeyExpression string `json:"idempotencyKeyExpression,omitempty"`
	}
)

// Validate checks structural invariants and computes the DAG. It must be
// called before a definition is persisted; loading a persisted definition
// does not re-validate.
func (d *Definition) Validate() error {
	if err := structValidator.Struct(d); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q declares no steps", d.Slug)
	}
	if len(d.ParametersSchema) > 0 {
		if _, err := job.CompileParametersSchema(d.ParametersSchema); err != nil {
			return fmt.Errorf("invalid parameters schema: %w", err)
		}
	}
	for i := range d.EventTriggers {
		if err := d.EventTriggers[i].validate(); err != nil {
			return err
		}
	}
	dag, err := BuildDAG(d.Steps)
	if err != nil {
		return err
	}
	d.DAG = dag
	return nil
}

func (t *EventTriggerSpec) validate() error {
	if t.EventType == "" {
		return fmt.Errorf("event trigger %q is missing eventType", t.Name)
	}
	for i := range t.Predicates {
		if err := t.Predicates[i].validate(); err != nil {
			return fmt.Errorf("event trigger %q: %w", t.Name, err)
		}
	}
	return nil
}

// StepByID returns the declared step with the given id.
func (d *Definition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
