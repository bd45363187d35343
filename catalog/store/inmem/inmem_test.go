package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
)

func jobDefinition(slug string) *job.Definition {
	return &job.Definition{
		Slug:       slug,
		Name:       slug,
		Runtime:    "node",
		EntryPoint: "handlers/" + slug + ".js",
	}
}

func TestUpsertJobDefinitionBumpsVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	def := jobDefinition("sync-orders")
	require.NoError(t, s.UpsertJobDefinition(ctx, def))
	assert.Equal(t, 1, def.Version)
	assert.NotEmpty(t, def.ID)
	firstID := def.ID

	again := jobDefinition("sync-orders")
	again.Name = "Sync orders v2"
	require.NoError(t, s.UpsertJobDefinition(ctx, again))
	assert.Equal(t, 2, again.Version)
	assert.Equal(t, firstID, again.ID, "slug keeps its identity across upserts")

	got, err := s.GetJobDefinitionBySlug(ctx, "sync-orders")
	require.NoError(t, err)
	assert.Equal(t, "Sync orders v2", got.Name)

	_, err = s.GetJobDefinitionBySlug(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertJobDefinitionRejectsInvalid(t *testing.T) {
	s := New()
	def := jobDefinition("bad-runtime")
	def.Runtime = "cobol"
	require.Error(t, s.UpsertJobDefinition(context.Background(), def))
}

func TestCompleteJobRunGuardsTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	def := jobDefinition("guarded")
	require.NoError(t, s.UpsertJobDefinition(ctx, def))
	run := &job.Run{JobDefinitionID: def.ID}
	require.NoError(t, s.CreateJobRun(ctx, run))

	// completing with a non-terminal status is a caller bug
	run.Status = job.RunRunning
	require.ErrorIs(t, s.CompleteJobRun(ctx, run), store.ErrConflict)

	run.Status = job.RunSucceeded
	require.NoError(t, s.CompleteJobRun(ctx, run))

	// terminal records refuse further transitions
	run.Status = job.RunFailed
	require.ErrorIs(t, s.CompleteJobRun(ctx, run), store.ErrTerminal)
	require.ErrorIs(t, s.UpdateJobRun(ctx, run), store.ErrTerminal)

	got, err := s.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateWorkflowRunRejectsTerminalMutation(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &workflow.Run{WorkflowDefinitionID: "wf-1", Status: workflow.RunPending}
	require.NoError(t, s.CreateWorkflowRun(ctx, run))

	run.Status = workflow.RunSucceeded
	require.NoError(t, s.UpdateWorkflowRun(ctx, run))

	run.Status = workflow.RunRunning
	require.ErrorIs(t, s.UpdateWorkflowRun(ctx, run), store.ErrTerminal)

	got, err := s.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, got.Status)
}

func TestClonedRecordsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &workflow.Run{
		WorkflowDefinitionID: "wf-1",
		Status:               workflow.RunPending,
		Parameters:           map[string]any{"region": "eu"},
	}
	require.NoError(t, s.CreateWorkflowRun(ctx, run))

	// mutating the caller's copy must not leak into the store
	run.Parameters["region"] = "us"
	got, err := s.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "eu", got.Parameters["region"])
}

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	release, acquired, err := l.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := l.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, release(ctx))
	_, reacquired, err := l.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	assert.True(t, reacquired)
}
