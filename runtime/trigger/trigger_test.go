package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/bus"
	businmem "github.com/weftworks/weft/catalog/bus/inmem"
	"github.com/weftworks/weft/catalog/store/inmem"
	"github.com/weftworks/weft/catalog/workflow"
	"github.com/weftworks/weft/runtime/executor"
)

// fakeLauncher records launch specs and creates a pending run in the store so
// live-launch counting sees it.
type fakeLauncher struct {
	mu    sync.Mutex
	store *inmem.Store
	specs []executor.LaunchSpec
	fail  bool
}

func (l *fakeLauncher) LaunchRun(ctx context.Context, spec executor.LaunchSpec) (*workflow.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("launch rejected")
	}
	run := &workflow.Run{
		WorkflowDefinitionID: spec.Definition.ID,
		Status:               workflow.RunPending,
		Parameters:           spec.Parameters,
		Trigger:              spec.Trigger,
		TriggeredBy:          spec.TriggeredBy,
	}
	if err := l.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	l.specs = append(l.specs, spec)
	return run, nil
}

func (l *fakeLauncher) launched() []executor.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]executor.LaunchSpec, len(l.specs))
	copy(out, l.specs)
	return out
}

type fixture struct {
	proc     *Processor
	store    *inmem.Store
	launcher *fakeLauncher
	def      *workflow.Definition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmem.New()
	def := &workflow.Definition{Slug: "order-flow", Name: "order-flow", Steps: []workflow.Step{{
		ID:   "process",
		Type: workflow.StepTypeJob,
		Job:  &workflow.JobStepSpec{JobSlug: "process"},
	}}}
	require.NoError(t, st.UpsertWorkflowDefinition(context.Background(), def))
	launcher := &fakeLauncher{store: st}
	p, err := New(Options{Store: st, Launcher: launcher})
	require.NoError(t, err)
	return &fixture{proc: p, store: st, launcher: launcher, def: def}
}

func (f *fixture) putTrigger(t *testing.T, trig *workflow.EventTrigger) *workflow.EventTrigger {
	t.Helper()
	trig.WorkflowDefinitionID = f.def.ID
	require.NoError(t, f.store.PutEventTrigger(context.Background(), trig))
	return trig
}

func (f *fixture) deliveries(t *testing.T, triggerID string) []*workflow.TriggerDelivery {
	t.Helper()
	out, err := f.store.ListTriggerDeliveries(context.Background(), triggerID, 0)
	require.NoError(t, err)
	return out
}

func orderEnvelope(id string, payload map[string]any) bus.Envelope {
	return bus.Envelope{
		ID:         id,
		Type:       "order.created",
		Source:     "shop",
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

func TestMatchingEnvelopeLaunchesRun(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:      "eu-orders",
		EventType: "order.created",
		Predicates: []workflow.Predicate{
			{Path: "$.payload.region", Operator: workflow.OpEquals, Value: "eu"},
			{Path: "$.payload.sku", Operator: workflow.OpMatches, Pattern: "^SKU-"},
		},
		ParameterTemplate: map[string]any{
			"orderId": "{{ payload.orderId }}",
			"region":  "{{ payload.region }}",
		},
	})

	env := orderEnvelope("evt-1", map[string]any{"region": "eu", "sku": "SKU-9", "orderId": float64(42)})
	require.NoError(t, f.proc.ProcessEnvelope(context.Background(), env))

	specs := f.launcher.launched()
	require.Len(t, specs, 1)
	assert.Equal(t, workflow.TriggeredByEventTrigger, specs[0].TriggeredBy)
	assert.Equal(t, "event", specs[0].Trigger.Type)
	assert.Equal(t, trig.ID, specs[0].Trigger.TriggerID)
	assert.Equal(t, "evt-1", specs[0].Trigger.EventID)
	assert.Equal(t, float64(42), specs[0].Parameters["orderId"])
	assert.Equal(t, "eu", specs[0].Parameters["region"])

	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, workflow.DeliveryLaunched, ds[0].Status)
	assert.NotEmpty(t, ds[0].WorkflowRunID)
	assert.Equal(t, 1, ds[0].Attempts)

	// predicate mismatch produces neither a run nor a delivery
	miss := orderEnvelope("evt-2", map[string]any{"region": "us", "sku": "SKU-9"})
	require.NoError(t, f.proc.ProcessEnvelope(context.Background(), miss))
	assert.Len(t, f.launcher.launched(), 1)
	assert.Len(t, f.deliveries(t, trig.ID), 1)
}

func TestEventSourceFilter(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:        "billing-only",
		EventType:   "order.created",
		EventSource: "billing",
	})

	require.NoError(t, f.proc.ProcessEnvelope(context.Background(),
		orderEnvelope("evt-1", map[string]any{"region": "eu"})))

	assert.Empty(t, f.launcher.launched())
	assert.Empty(t, f.deliveries(t, trig.ID))
}

func TestThrottleWindowCapsLaunches(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:             "throttled",
		EventType:        "order.created",
		ThrottleWindowMs: 60_000,
		ThrottleCount:    2,
	})

	for i := 0; i < 3; i++ {
		env := orderEnvelope("evt-"+string(rune('a'+i)), map[string]any{"n": float64(i)})
		require.NoError(t, f.proc.ProcessEnvelope(context.Background(), env))
	}

	assert.Len(t, f.launcher.launched(), 2)
	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 3)
	var launched, throttled int
	for _, d := range ds {
		switch d.Status {
		case workflow.DeliveryLaunched:
			launched++
		case workflow.DeliveryThrottled:
			throttled++
			assert.Contains(t, d.Reason, "throttled")
		}
	}
	assert.Equal(t, 2, launched)
	assert.Equal(t, 1, throttled)
}

func TestConcurrencyCapThrottlesLiveRuns(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:           "serial",
		EventType:      "order.created",
		MaxConcurrency: 1,
	})
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-1", nil)))
	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-2", nil)))

	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 2)
	assert.Equal(t, workflow.DeliveryThrottled, ds[0].Status)
	assert.Equal(t, workflow.DeliveryLaunched, ds[1].Status)

	// finishing the live run frees the slot
	run, err := f.store.GetWorkflowRun(ctx, ds[1].WorkflowRunID)
	require.NoError(t, err)
	run.Status = workflow.RunSucceeded
	require.NoError(t, f.store.UpdateWorkflowRun(ctx, run))

	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-3", nil)))
	assert.Len(t, f.launcher.launched(), 2)
}

func TestIdempotentReplayIsSkipped(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:                     "dedup",
		EventType:                "order.created",
		IdempotencyKeyExpression: "order-{{ payload.orderId }}",
	})
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-1", map[string]any{"orderId": float64(7)})))
	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-2", map[string]any{"orderId": float64(7)})))
	require.NoError(t, f.proc.ProcessEnvelope(ctx, orderEnvelope("evt-3", map[string]any{"orderId": float64(8)})))

	assert.Len(t, f.launcher.launched(), 2)
	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 3)
	// newest first
	assert.Equal(t, workflow.DeliveryLaunched, ds[0].Status)
	assert.Equal(t, "order-8", ds[0].IdempotencyKey)
	assert.Equal(t, workflow.DeliverySkipped, ds[1].Status)
	assert.Equal(t, "order-7", ds[1].IdempotencyKey)
	assert.Contains(t, ds[1].Reason, "idempotent replay")
	assert.Equal(t, workflow.DeliveryLaunched, ds[2].Status)
}

// wrappedNotFoundStore decorates idempotency lookups with call-site context
// the way the mongo store does, so sentinel checks must unwrap.
type wrappedNotFoundStore struct {
	*inmem.Store
}

func (s *wrappedNotFoundStore) FindDeliveryByIdempotencyKey(ctx context.Context, triggerID, key string) (*workflow.TriggerDelivery, error) {
	d, err := s.Store.FindDeliveryByIdempotencyKey(ctx, triggerID, key)
	if err != nil {
		return nil, fmt.Errorf("find delivery by idempotency key: %w", err)
	}
	return d, nil
}

func TestIdempotencyLookupUnwrapsNotFound(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{
		Name:                     "wrapped-dedup",
		EventType:                "order.created",
		IdempotencyKeyExpression: "order-{{ payload.orderId }}",
	})
	p, err := New(Options{Store: &wrappedNotFoundStore{Store: f.store}, Launcher: f.launcher})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.ProcessEnvelope(ctx, orderEnvelope("evt-1", map[string]any{"orderId": float64(7)})))

	assert.Len(t, f.launcher.launched(), 1)
	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, workflow.DeliveryLaunched, ds[0].Status)

	// a genuine replay is still recognized through the wrapper
	require.NoError(t, p.ProcessEnvelope(ctx, orderEnvelope("evt-2", map[string]any{"orderId": float64(7)})))
	ds = f.deliveries(t, trig.ID)
	require.Len(t, ds, 2)
	assert.Equal(t, workflow.DeliverySkipped, ds[0].Status)
}

func TestLaunchFailureMarksDeliveryFailed(t *testing.T) {
	f := newFixture(t)
	trig := f.putTrigger(t, &workflow.EventTrigger{Name: "flaky", EventType: "order.created"})
	f.launcher.fail = true

	err := f.proc.ProcessEnvelope(context.Background(), orderEnvelope("evt-1", nil))
	require.Error(t, err)

	ds := f.deliveries(t, trig.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, workflow.DeliveryFailed, ds[0].Status)
	assert.Contains(t, ds[0].Reason, "launch rejected")
}

func TestSubscribeProcessesBusEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.putTrigger(t, &workflow.EventTrigger{Name: "via-bus", EventType: "order.created"})
	b := businmem.New()
	ctx := context.Background()

	sub, err := f.proc.Subscribe(ctx, b)
	require.NoError(t, err)
	defer sub.Close(ctx) //nolint:errcheck

	require.NoError(t, b.Publish(ctx, orderEnvelope("evt-1", map[string]any{"region": "eu"})))
	assert.Len(t, f.launcher.launched(), 1)
}

func TestPredicateOperators(t *testing.T) {
	doc := map[string]any{
		"payload": map[string]any{
			"region": "eu",
			"amount": float64(120),
			"tags":   []any{"priority", "retail"},
		},
	}
	cases := []struct {
		name string
		pred workflow.Predicate
		want bool
	}{
		{"equals", workflow.Predicate{Path: "$.payload.region", Operator: workflow.OpEquals, Value: "eu"}, true},
		{"equals numeric widening", workflow.Predicate{Path: "$.payload.amount", Operator: workflow.OpEquals, Value: 120}, true},
		{"notEquals", workflow.Predicate{Path: "$.payload.region", Operator: workflow.OpNotEquals, Value: "us"}, true},
		{"notEquals missing path", workflow.Predicate{Path: "$.payload.missing", Operator: workflow.OpNotEquals, Value: "x"}, true},
		{"in", workflow.Predicate{Path: "$.payload.region", Operator: workflow.OpIn, Values: []any{"eu", "us"}}, true},
		{"notIn", workflow.Predicate{Path: "$.payload.region", Operator: workflow.OpNotIn, Values: []any{"apac"}}, true},
		{"exists", workflow.Predicate{Path: "$.payload.tags", Operator: workflow.OpExists}, true},
		{"exists missing", workflow.Predicate{Path: "$.payload.nope", Operator: workflow.OpExists}, false},
		{"greaterThan", workflow.Predicate{Path: "$.payload.amount", Operator: workflow.OpGreaterThan, Value: float64(100)}, true},
		{"lessThan", workflow.Predicate{Path: "$.payload.amount", Operator: workflow.OpLessThan, Value: float64(100)}, false},
		{"matches", workflow.Predicate{Path: "$.payload.region", Operator: workflow.OpMatches, Pattern: "^e"}, true},
		{"matches non-string", workflow.Predicate{Path: "$.payload.amount", Operator: workflow.OpMatches, Pattern: ".*"}, false},
		{"array index", workflow.Predicate{Path: "$.payload.tags[0]", Operator: workflow.OpEquals, Value: "priority"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := matchPredicates(context.Background(), []workflow.Predicate{tc.pred}, doc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
