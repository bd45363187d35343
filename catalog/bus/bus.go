// Package bus defines the event bus consumed and fed by the orchestration
// core: wire envelopes, well-known subjects and the publish/subscribe
// contract. Implementations: catalog/bus/inmem for tests and inline mode,
// features/bus/pulse for Redis-streams deployments.
package bus

import (
	"context"
	"time"

	"github.com/weftworks/weft/catalog/asset"
)

type (
	// Envelope is the wire form of every event crossing the bus.
	Envelope struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Source     string         `json:"source,omitempty"`
		Payload    map[string]any `json:"payload"`
		OccurredAt time.Time      `json:"occurredAt"`
	}

	// Handler consumes one envelope. Returning an error leaves redelivery to
	// the bus implementation.
	Handler func(ctx context.Context, env Envelope) error

	// Subscription detaches a handler from the bus.
	Subscription interface {
		Close(ctx context.Context) error
	}

	// Bus publishes envelopes and fans them out to subscribers. Subject is
	// an exact event type; the empty subject receives everything.
	Bus interface {
		Publish(ctx context.Context, env Envelope) error
		Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	}
)

// Well-known event types.
const (
	TypeAssetProduced   = "asset.produced"
	TypeRunPending      = "workflow.run.pending"
	TypeRunRunning      = "workflow.run.running"
	TypeRunSucceeded    = "workflow.run.succeeded"
	TypeRunFailed       = "workflow.run.failed"
	TypeRunCanceled     = "workflow.run.canceled"
	SourceOrchestration = "weft.core"
)

// RunStatusType maps a workflow run status onto its lifecycle event type.
func RunStatusType(status string) string {
	return "workflow.run." + status
}

// AssetProduced builds the canonical asset.produced envelope for a
// materialization.
func AssetProduced(id string, workflowDefinitionID string, m asset.Materialization) Envelope {
	payload := map[string]any{
		"assetId":              m.AssetID,
		"workflowDefinitionId": workflowDefinitionID,
		"workflowRunId":        m.WorkflowRunID,
		"workflowRunStepId":    m.WorkflowRunStepID,
		"stepId":               m.StepID,
		"producedAt":           m.ProducedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.PartitionKey != "" {
		payload["partitionKey"] = m.PartitionKey
	}
	if m.Freshness != nil {
		payload["freshness"] = map[string]any{"ttlMs": m.Freshness.TTLMs}
	}
	return Envelope{
		ID:         id,
		Type:       TypeAssetProduced,
		Source:     SourceOrchestration,
		Payload:    payload,
		OccurredAt: m.ProducedAt,
	}
}
