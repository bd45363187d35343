package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/bus"
	businmem "github.com/weftworks/weft/catalog/bus/inmem"
	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store/inmem"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/jobs"
)

type staticDirectory map[string]*ServiceInfo

func (d staticDirectory) Lookup(_ context.Context, slug string) (*ServiceInfo, error) {
	info, ok := d[slug]
	if !ok {
		return nil, errors.New("unknown service")
	}
	return info, nil
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, ref workflow.SecretRef) (*string, error) {
	v, ok := m[ref.Key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type fixture struct {
	exec  *Executor
	store *inmem.Store
	jobs  *jobs.Runtime
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := inmem.New()
	rt, err := jobs.New(jobs.Options{Store: st})
	require.NoError(t, err)
	opts.Store = st
	opts.Jobs = rt
	e, err := New(opts)
	require.NoError(t, err)
	return &fixture{exec: e, store: st, jobs: rt}
}

func (f *fixture) registerJob(t *testing.T, slug string, h jobs.Handler) {
	t.Helper()
	require.NoError(t, f.store.UpsertJobDefinition(context.Background(), &job.Definition{
		Slug:       slug,
		Name:       slug,
		Runtime:    job.RuntimeNode,
		EntryPoint: slug,
	}))
	f.jobs.RegisterHandler(slug, h)
}

func (f *fixture) defineWorkflow(t *testing.T, slug string, steps []workflow.Step) *workflow.Definition {
	t.Helper()
	def := &workflow.Definition{Slug: slug, Name: slug, Steps: steps}
	require.NoError(t, f.store.UpsertWorkflowDefinition(context.Background(), def))
	return def
}

func (f *fixture) launchAndRun(t *testing.T, spec LaunchSpec) *workflow.Run {
	t.Helper()
	run, err := f.exec.LaunchRun(context.Background(), spec)
	require.NoError(t, err)
	got, err := f.exec.ExecuteWorkflowRun(context.Background(), run.ID)
	require.NoError(t, err)
	return got
}

func jobStep(id, slug string, params any, deps ...string) workflow.Step {
	return workflow.Step{
		ID:        id,
		Type:      workflow.StepTypeJob,
		DependsOn: deps,
		Job:       &workflow.JobStepSpec{JobSlug: slug, Parameters: params},
	}
}

func TestLinearRunSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerJob(t, "job-a", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		return map[string]any{"tenant": params["tenant"]}, nil
	})
	f.registerJob(t, "job-b", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		return map[string]any{"echo": params["from"]}, nil
	})
	def := f.defineWorkflow(t, "wf1", []workflow.Step{
		jobStep("a", "job-a", map[string]any{"tenant": "{{ parameters.tenant }}"}),
		jobStep("b", "job-b", map[string]any{"from": "{{ steps.a.result.tenant }}"}, "a"),
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def, Parameters: map[string]any{"tenant": "acme"}})

	assert.Equal(t, workflow.RunSucceeded, got.Status)
	assert.Equal(t, 2, got.Metrics.TotalSteps)
	assert.Equal(t, 2, got.Metrics.CompletedSteps)
	assert.Equal(t, workflow.StepSucceeded, got.Context.Steps["a"].Status)
	assert.Equal(t, workflow.StepSucceeded, got.Context.Steps["b"].Status)
	assert.Equal(t, map[string]any{"echo": "acme"}, got.Context.Steps["b"].Result)
	assert.NotNil(t, got.CompletedAt)
}

func TestFailureSkipsDependents(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerJob(t, "job-a", func(context.Context, *jobs.RunContext) (any, error) {
		return nil, errors.New("boom")
	})
	f.registerJob(t, "job-b", func(context.Context, *jobs.RunContext) (any, error) {
		return "unreachable", nil
	})
	def := f.defineWorkflow(t, "wf-skip", []workflow.Step{
		jobStep("a", "job-a", nil),
		jobStep("b", "job-b", nil, "a"),
		jobStep("c", "job-b", nil, "b"),
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	assert.Equal(t, workflow.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")
	assert.Equal(t, workflow.StepFailed, got.Context.Steps["a"].Status)
	assert.Equal(t, workflow.StepSkipped, got.Context.Steps["b"].Status)
	assert.Equal(t, workflow.StepSkipped, got.Context.Steps["c"].Status)
	assert.Equal(t, 1, got.Metrics.FailedSteps)
	assert.Equal(t, 2, got.Metrics.SkippedSteps)
}

func TestServiceStepRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"region":"eu"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := newFixture(t, Options{
		Services: staticDirectory{"reports": {Slug: "reports", BaseURL: srv.URL, Status: ServiceHealthy}},
		Secrets:  mapSecrets{"REPORTS_TOKEN": "s3cret"},
	})
	f.registerJob(t, "job-a", func(context.Context, *jobs.RunContext) (any, error) {
		return "ready", nil
	})
	def := f.defineWorkflow(t, "wf-svc", []workflow.Step{
		jobStep("a", "job-a", nil),
		{
			ID:        "svc",
			Type:      workflow.StepTypeService,
			DependsOn: []string{"a"},
			Service: &workflow.ServiceStepSpec{
				ServiceSlug: "reports",
				Request: workflow.ServiceRequest{
					Path:   "/v1/reports",
					Method: "POST",
					Headers: map[string]workflow.HeaderValue{
						"Authorization": {Secret: &workflow.SecretRef{Source: "store", Key: "REPORTS_TOKEN"}, Prefix: "Bearer "},
					},
					Body: map[string]any{"runId": "{{ run.id }}"},
				},
				CaptureResponse: true,
				StoreResponseAs: "reportCall",
				RetryPolicy:     &job.RetryPolicy{MaxAttempts: 2, Strategy: job.RetryFixed, InitialDelayMs: 10},
			},
		},
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	require.Equal(t, workflow.RunSucceeded, got.Status)
	svc := got.Context.Steps["svc"]
	assert.Equal(t, 2, svc.Attempt)
	require.NotNil(t, svc.Service)
	assert.Equal(t, 200, svc.Service.StatusCode)
	assert.True(t, svc.Service.OK)
	assert.Equal(t, "Bearer s3cret", gotAuth.Load())
	assert.Equal(t, 1, got.RetrySummary.TotalRetries)

	shared := got.Context.Shared["reportCall"].(map[string]any)
	assert.Equal(t, true, shared["ok"])

	rec, err := f.store.GetWorkflowRunStep(context.Background(), got.ID, "svc")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)
	input := rec.Input.(map[string]any)
	headers := input["headers"].(map[string]any)
	assert.Equal(t, "***", headers["Authorization"])
	metrics := rec.Metrics["service"].(map[string]any)
	assert.EqualValues(t, 200, metrics["statusCode"])
}

func TestServiceStepRecordsRenderedQuery(t *testing.T) {
	var gotRegion atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRegion.Store(r.URL.Query().Get("region"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := newFixture(t, Options{
		Services: staticDirectory{"reports": {Slug: "reports", BaseURL: srv.URL, Status: ServiceHealthy}},
	})
	def := f.defineWorkflow(t, "wf-query", []workflow.Step{
		{
			ID:   "svc",
			Type: workflow.StepTypeService,
			Service: &workflow.ServiceStepSpec{
				ServiceSlug: "reports",
				Request: workflow.ServiceRequest{
					Path:   "/v1/reports",
					Method: "GET",
					Query:  map[string]string{"region": "{{ parameters.region }}", "format": "csv"},
				},
			},
		},
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def, Parameters: map[string]any{"region": "eu"}})

	require.Equal(t, workflow.RunSucceeded, got.Status)
	assert.Equal(t, "eu", gotRegion.Load())

	rec, err := f.store.GetWorkflowRunStep(context.Background(), got.ID, "svc")
	require.NoError(t, err)
	input := rec.Input.(map[string]any)
	// the persisted input mirrors the query that was actually sent
	query := input["query"].(map[string]any)
	assert.Equal(t, "eu", query["region"])
	assert.Equal(t, "csv", query["format"])
}

func TestServiceStepHealthGateSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Options{
		Services: staticDirectory{"reports": {Slug: "reports", BaseURL: srv.URL, Status: ServiceDegraded}},
	})
	def := f.defineWorkflow(t, "wf-gate", []workflow.Step{
		{
			ID:   "svc",
			Type: workflow.StepTypeService,
			Service: &workflow.ServiceStepSpec{
				ServiceSlug: "reports",
				Request:     workflow.ServiceRequest{Path: "/ping", Method: "GET"},
			},
		},
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	assert.Equal(t, workflow.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "degraded")
	assert.EqualValues(t, 0, calls.Load())
}

func fanoutWorkflow(maxItems int) []workflow.Step {
	return []workflow.Step{
		jobStep("seed", "seed-job", nil),
		{
			ID:        "expand",
			Type:      workflow.StepTypeFanout,
			DependsOn: []string{"seed"},
			Fanout: &workflow.FanoutStepSpec{
				Collection:     "{{ steps.seed.result.items }}",
				MaxItems:       maxItems,
				MaxConcurrency: 2,
				StoreResultsAs: "processedItems",
				Template: &workflow.Step{
					ID:   "process-item",
					Type: workflow.StepTypeJob,
					Job: &workflow.JobStepSpec{
						JobSlug: "child-job",
						Parameters: map[string]any{
							"id":    "{{ item.id }}",
							"value": "{{ item.value }}",
							"index": "{{ fanout.index }}",
						},
					},
				},
			},
		},
		jobStep("collect", "collect-job", map[string]any{"items": "{{ shared.processedItems }}"}, "expand"),
	}
}

func registerFanoutJobs(t *testing.T, f *fixture) {
	f.registerJob(t, "seed-job", func(context.Context, *jobs.RunContext) (any, error) {
		return map[string]any{"items": []any{
			map[string]any{"id": "alpha", "value": 1},
			map[string]any{"id": "beta", "value": 2},
		}}, nil
	})
	f.registerJob(t, "child-job", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		value := params["value"].(float64)
		return map[string]any{"id": params["id"], "doubled": value * 2}, nil
	})
	f.registerJob(t, "collect-job", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		items := params["items"].([]any)
		return map[string]any{"receivedCount": len(items)}, nil
	})
}

func TestFanoutExpandsAndAggregates(t *testing.T) {
	f := newFixture(t, Options{})
	registerFanoutJobs(t, f)
	def := f.defineWorkflow(t, "wf-fanout", fanoutWorkflow(10))

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	require.Equal(t, workflow.RunSucceeded, got.Status)
	assert.Equal(t, 5, got.Metrics.TotalSteps)
	assert.Equal(t, 5, got.Metrics.CompletedSteps)
	assert.Contains(t, got.Context.Steps, "expand:process-item:1")
	assert.Contains(t, got.Context.Steps, "expand:process-item:2")

	entries := got.Context.Shared["processedItems"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, "expand:process-item:1", first["stepId"])
	assert.Equal(t, "succeeded", first["status"])
	assert.EqualValues(t, 2, first["output"].(map[string]any)["doubled"])
	second := entries[1].(map[string]any)
	assert.EqualValues(t, 4, second["output"].(map[string]any)["doubled"])

	collect := got.Context.Steps["collect"].Result.(map[string]any)
	assert.EqualValues(t, 2, collect["receivedCount"])

	rec, err := f.store.GetWorkflowRunStep(context.Background(), got.ID, "expand:process-item:2")
	require.NoError(t, err)
	assert.Equal(t, "expand", rec.ParentStepID)
	assert.Equal(t, "process-item", rec.TemplateStepID)
	require.NotNil(t, rec.FanoutIndex)
	assert.Equal(t, 1, *rec.FanoutIndex)

	expand, err := f.store.GetWorkflowRunStep(context.Background(), got.ID, "expand")
	require.NoError(t, err)
	assert.EqualValues(t, 2, expand.Output.(map[string]any)["totalChildren"])
}

func TestFanoutLimitFailsWithoutChildren(t *testing.T) {
	f := newFixture(t, Options{})
	registerFanoutJobs(t, f)
	def := f.defineWorkflow(t, "wf-fanout-limit", fanoutWorkflow(1))

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	assert.Equal(t, workflow.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "exceeds the limit")
	assert.Equal(t, workflow.StepFailed, got.Context.Steps["expand"].Status)
	assert.Equal(t, workflow.StepSkipped, got.Context.Steps["collect"].Status)
	assert.Equal(t, 3, got.Metrics.TotalSteps)

	records, err := f.store.ListWorkflowRunSteps(context.Background(), got.ID)
	require.NoError(t, err)
	for _, rec := range records {
		assert.Empty(t, rec.ParentStepID, "no child step records expected")
	}
}

func TestLaunchRequiresPartitionKey(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerJob(t, "producer", func(context.Context, *jobs.RunContext) (any, error) {
		return map[string]any{"rows": 3}, nil
	})
	def := f.defineWorkflow(t, "wf-part", []workflow.Step{
		{
			ID:   "emit",
			Type: workflow.StepTypeJob,
			Job: &workflow.JobStepSpec{
				JobSlug: "producer",
				Produces: []asset.Declaration{{
					AssetID:      "dataset",
					Partitioning: &asset.Partitioning{Type: asset.PartitionStatic, Keys: []string{"eu", "us"}},
				}},
			},
		},
	})

	_, err := f.exec.LaunchRun(context.Background(), LaunchSpec{Definition: def})
	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)

	_, err = f.exec.LaunchRun(context.Background(), LaunchSpec{Definition: def, PartitionKey: "apac"})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)

	got := f.launchAndRun(t, LaunchSpec{Definition: def, PartitionKey: "eu"})
	require.Equal(t, workflow.RunSucceeded, got.Status)

	m, err := f.store.LatestAssetMaterialization(context.Background(), "dataset", "eu")
	require.NoError(t, err)
	assert.Equal(t, got.ID, m.WorkflowRunID)
	assert.Equal(t, "eu", m.PartitionKey)
}

func TestProducedAssetsPublishOnBus(t *testing.T) {
	b := businmem.New()
	var produced atomic.Int32
	_, err := b.Subscribe(context.Background(), bus.TypeAssetProduced, func(context.Context, bus.Envelope) error {
		produced.Add(1)
		return nil
	})
	require.NoError(t, err)

	f := newFixture(t, Options{Bus: b})
	f.registerJob(t, "producer", func(context.Context, *jobs.RunContext) (any, error) {
		return map[string]any{"rows": 3}, nil
	})
	def := f.defineWorkflow(t, "wf-asset", []workflow.Step{
		{
			ID:   "emit",
			Type: workflow.StepTypeJob,
			Job: &workflow.JobStepSpec{
				JobSlug:  "producer",
				Produces: []asset.Declaration{{AssetID: "dataset"}},
			},
		},
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})
	require.Equal(t, workflow.RunSucceeded, got.Status)
	assert.EqualValues(t, 1, produced.Load())
}

func TestConsumedAssetsInjected(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.RecordAssetMaterializations(context.Background(), []asset.Materialization{{
		AssetID: "dataset",
		Payload: map[string]any{"rows": 7},
	}}))
	f.registerJob(t, "reader", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		return params["data"], nil
	})
	def := f.defineWorkflow(t, "wf-consume", []workflow.Step{
		{
			ID:   "load",
			Type: workflow.StepTypeJob,
			Job: &workflow.JobStepSpec{
				JobSlug:    "reader",
				Parameters: map[string]any{"data": "{{ steps.load.assets.dataset }}"},
				Consumes:   []asset.Declaration{{AssetID: "dataset"}},
			},
		},
	})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})

	require.Equal(t, workflow.RunSucceeded, got.Status)
	result := got.Context.Steps["load"].Result.(map[string]any)
	assert.EqualValues(t, 7, result["rows"])
	assets := got.Context.Steps["load"].Assets
	require.Contains(t, assets, "dataset")
}

func TestCancelStopsBeforeNextWave(t *testing.T) {
	f := newFixture(t, Options{})
	var runID string
	f.registerJob(t, "job-a", func(context.Context, *jobs.RunContext) (any, error) {
		_, err := f.exec.CancelRun(context.Background(), runID)
		return "done", err
	})
	f.registerJob(t, "job-b", func(context.Context, *jobs.RunContext) (any, error) {
		return "unreachable", nil
	})
	def := f.defineWorkflow(t, "wf-cancel", []workflow.Step{
		jobStep("a", "job-a", nil),
		jobStep("b", "job-b", nil, "a"),
	})

	run, err := f.exec.LaunchRun(context.Background(), LaunchSpec{Definition: def})
	require.NoError(t, err)
	runID = run.ID
	got, err := f.exec.ExecuteWorkflowRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.RunCanceled, got.Status)
	_, err = f.store.GetWorkflowRunStep(context.Background(), run.ID, "b")
	assert.Error(t, err, "step b must never start")
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	f := newFixture(t, Options{})
	var aCalls atomic.Int32
	f.registerJob(t, "job-a", func(context.Context, *jobs.RunContext) (any, error) {
		aCalls.Add(1)
		return map[string]any{"token": "first"}, nil
	})
	f.registerJob(t, "job-b", func(_ context.Context, rc *jobs.RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		return params["from"], nil
	})
	def := f.defineWorkflow(t, "wf-resume", []workflow.Step{
		jobStep("a", "job-a", nil),
		jobStep("b", "job-b", map[string]any{"from": "{{ steps.a.result.token }}"}, "a"),
	})

	run, err := f.exec.LaunchRun(context.Background(), LaunchSpec{Definition: def})
	require.NoError(t, err)
	// Simulate a prior partial execution that completed step a.
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateWorkflowRunStep(context.Background(), &workflow.RunStep{
		WorkflowRunID: run.ID,
		StepID:        "a",
		Status:        workflow.StepSucceeded,
		Attempt:       1,
		Output:        map[string]any{"token": "persisted"},
		StartedAt:     &now,
		CompletedAt:   &now,
	}))

	got, err := f.exec.ExecuteWorkflowRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.RunSucceeded, got.Status)
	assert.EqualValues(t, 0, aCalls.Load(), "completed step must not re-execute")
	assert.Equal(t, "persisted", got.Context.Steps["b"].Result)
}

func TestExecuteTerminalRunIsNoOp(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerJob(t, "job-a", func(context.Context, *jobs.RunContext) (any, error) {
		return "ok", nil
	})
	def := f.defineWorkflow(t, "wf-noop", []workflow.Step{jobStep("a", "job-a", nil)})

	got := f.launchAndRun(t, LaunchSpec{Definition: def})
	require.Equal(t, workflow.RunSucceeded, got.Status)

	again, err := f.exec.ExecuteWorkflowRun(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
	assert.Equal(t, got.Metrics, again.Metrics)
}
