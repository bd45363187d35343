package workflow

import (
	"fmt"
	"time"
)

type (
	// EventTrigger is a persisted event-driven launch rule for a workflow.
	EventTrigger struct {
		ID                   string
		WorkflowDefinitionID string
		Name                 string
		// EventType must equal the envelope type for the trigger to be
		// considered.
		EventType string
		// EventSource, when set, must equal the envelope source.
		EventSource string
		// Predicates must all hold (logical AND).
		Predicates []Predicate
		// ParameterTemplate is template-expanded against the envelope.
		ParameterTemplate map[string]any
		// ThrottleWindowMs with ThrottleCount caps launches per rolling
		// window. Zero disables throttling.
		ThrottleWindowMs int64
		ThrottleCount    int
		// MaxConcurrency caps live (pending or running) launched runs.
		MaxConcurrency int
		// IdempotencyKeyExpression is template-expanded against the
		// envelope; a repeated key skips the launch.
		IdempotencyKeyExpression string
		Status                   TriggerStatus
		Version                  int
		CreatedAt                time.Time
		UpdatedAt                time.Time
	}

	// TriggerStatus enumerates trigger states.
	TriggerStatus string

	// Predicate is a single JSONPath condition evaluated against an event
	// envelope.
	Predicate struct {
		// Type is always "jsonPath".
		Type string `json:"type"`
		// Path addresses a value in the envelope, e.g. "$.payload.region".
		Path string `json:"path"`
		// Operator is one of equals, notEquals, in, notIn, exists,
		// greaterThan, lessThan, matches.
		Operator PredicateOperator `json:"operator"`
		// Value is the comparand for equals/notEquals/greaterThan/lessThan.
		Value any `json:"value,omitempty"`
		// Values is the set for in/notIn.
		Values []any `json:"values,omitempty"`
		// Pattern is the regular expression for matches.
		Pattern string `json:"pattern,omitempty"`
	}

	// PredicateOperator enumerates predicate comparisons.
	PredicateOperator string

	// TriggerDelivery is the audit record of one trigger decision for one
	// envelope.
	TriggerDelivery struct {
		ID                   string
		TriggerID            string
		WorkflowDefinitionID string
		EventID              string
		Status               DeliveryStatus
		Attempts             int
		WorkflowRunID        string
		// IdempotencyKey is the evaluated key, when the trigger declares one.
		IdempotencyKey string
		// Reason explains throttled, skipped and failed outcomes.
		Reason    string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// DeliveryStatus enumerates delivery outcomes.
	DeliveryStatus string
)

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDisabled TriggerStatus = "disabled"
)

const (
	OpEquals      PredicateOperator = "equals"
	OpNotEquals   PredicateOperator = "notEquals"
	OpIn          PredicateOperator = "in"
	OpNotIn       PredicateOperator = "notIn"
	OpExists      PredicateOperator = "exists"
	OpGreaterThan PredicateOperator = "greaterThan"
	OpLessThan    PredicateOperator = "lessThan"
	OpMatches     PredicateOperator = "matches"
)

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

func (p *Predicate) validate() error {
	if p.Type != "" && p.Type != "jsonPath" {
		return fmt.Errorf("predicate type %q is not supported", p.Type)
	}
	if p.Path == "" {
		return fmt.Errorf("predicate is missing a path")
	}
	switch p.Operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpExists:
	case OpIn, OpNotIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("predicate %q requires values", p.Operator)
		}
	case OpMatches:
		if p.Pattern == "" {
			return fmt.Errorf("predicate %q requires a pattern", p.Operator)
		}
	default:
		return fmt.Errorf("unknown predicate operator %q", p.Operator)
	}
	return nil
}
