package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/workflow"
)

func TestRecordRoundTripPreservesRunState(t *testing.T) {
	run := &workflow.Run{
		ID:                   "run-1",
		WorkflowDefinitionID: "wf-1",
		Status:               workflow.RunRunning,
		Parameters:           map[string]any{"tenant": "acme", "limit": float64(10)},
		PartitionKey:         "2025-10-21T14:40",
		TriggeredBy:          workflow.TriggeredByScheduler,
		Context:              workflow.NewRunContext(),
		CreatedAt:            time.Now().UTC().Truncate(time.Millisecond),
	}
	run.Context.SetShared("cursor", "abc")
	sc := run.Context.Step("extract")
	sc.Status = workflow.StepSucceeded
	sc.Result = map[string]any{"rows": float64(7)}

	raw, err := encodeRecord(run)
	require.NoError(t, err)
	got, err := decodeRecord[workflow.Run](raw)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Status, got.Status)
	assert.Equal(t, run.Parameters, got.Parameters)
	assert.Equal(t, "abc", got.Context.Shared["cursor"])
	assert.Equal(t, workflow.StepSucceeded, got.Context.Steps["extract"].Status)
}

func TestWorkflowRunDocumentCarriesIndexFields(t *testing.T) {
	run := &workflow.Run{
		ID:                   "run-2",
		WorkflowDefinitionID: "wf-9",
		Status:               workflow.RunPending,
		PartitionKey:         "eu",
		TriggeredBy:          workflow.TriggeredByEventTrigger,
	}
	doc, err := workflowRunDocument(run)
	require.NoError(t, err)
	assert.Equal(t, "run-2", doc.ID)
	assert.Equal(t, "wf-9", doc.WorkflowDefinitionID)
	assert.Equal(t, "pending", doc.Status)
	assert.Equal(t, "eu", doc.PartitionKey)
	assert.NotEmpty(t, doc.Record)
}

func TestRebuildDAGRecomputesMissingGraph(t *testing.T) {
	def := &workflow.Definition{
		Slug: "rebuild",
		Name: "rebuild",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeJob, Job: &workflow.JobStepSpec{JobSlug: "a"}},
			{ID: "b", Type: workflow.StepTypeJob, DependsOn: []string{"a"}, Job: &workflow.JobStepSpec{JobSlug: "b"}},
		},
	}
	got := rebuildDAG(def)
	assert.Equal(t, []string{"a", "b"}, got.DAG.TopologicalOrder)
}
