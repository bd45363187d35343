package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
)

// --- RunStore ---

func (s *Store) CreateWorkflowRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if _, exists := s.wfRuns[run.ID]; exists {
		return store.ErrConflict
	}
	if run.Status == "" {
		run.Status = workflow.RunPending
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Context == nil {
		run.Context = workflow.NewRunContext()
	}
	s.wfRuns[run.ID] = clone(run)
	s.order[run.ID] = s.nextSeq()
	return nil
}

func (s *Store) GetWorkflowRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.wfRuns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(run), nil
}

func (s *Store) UpdateWorkflowRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.wfRuns[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Status.Terminal() {
		return store.ErrTerminal
	}
	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = time.Now().UTC()
	s.wfRuns[run.ID] = clone(run)
	return nil
}

func (s *Store) ListWorkflowRuns(_ context.Context, filter store.RunFilter) ([]*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Run
	for _, run := range s.wfRuns {
		if filter.WorkflowDefinitionID != "" && run.WorkflowDefinitionID != filter.WorkflowDefinitionID {
			continue
		}
		if filter.PartitionKey != "" || filter.HasPartitionKey {
			if run.PartitionKey != filter.PartitionKey {
				continue
			}
		}
		if filter.TriggeredBy != "" && run.TriggeredBy != filter.TriggeredBy {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if run.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, clone(run))
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] > s.order[out[j].ID] })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CreateWorkflowRunStep(_ context.Context, step *workflow.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.ID == "" {
		step.ID = ulid.Make().String()
	}
	key := stepKey(step.WorkflowRunID, step.StepID)
	if _, exists := s.wfSteps[key]; exists {
		return store.ErrConflict
	}
	if step.Status == "" {
		step.Status = workflow.StepPending
	}
	s.wfSteps[key] = clone(step)
	s.order[key] = s.nextSeq()
	return nil
}

func (s *Store) UpdateWorkflowRunStep(_ context.Context, step *workflow.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey(step.WorkflowRunID, step.StepID)
	if _, ok := s.wfSteps[key]; !ok {
		return store.ErrNotFound
	}
	s.wfSteps[key] = clone(step)
	return nil
}

func (s *Store) GetWorkflowRunStep(_ context.Context, runID, stepID string) (*workflow.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.wfSteps[stepKey(runID, stepID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(step), nil
}

func (s *Store) ListWorkflowRunSteps(_ context.Context, runID string) ([]*workflow.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.RunStep
	for key, step := range s.wfSteps {
		if hasPrefixKey(key, runID) {
			out = append(out, clone(step))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[stepKey(runID, out[i].StepID)] < s.order[stepKey(runID, out[j].StepID)]
	})
	return out, nil
}

// --- ScheduleStore ---

func (s *Store) CreateWorkflowSchedule(_ context.Context, sched *workflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if _, exists := s.schedule[sched.ID]; exists {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	s.schedule[sched.ID] = clone(sched)
	s.order[sched.ID] = s.nextSeq()
	return nil
}

func (s *Store) GetWorkflowSchedule(_ context.Context, id string) (*workflow.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedule[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(sched), nil
}

func (s *Store) UpdateWorkflowSchedule(_ context.Context, sched *workflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedule[sched.ID]
	if !ok {
		return store.ErrNotFound
	}
	sched.CreatedAt = stored.CreatedAt
	sched.UpdatedAt = time.Now().UTC()
	s.schedule[sched.ID] = clone(sched)
	return nil
}

func (s *Store) ListDueWorkflowSchedules(_ context.Context, now time.Time, limit int) ([]*store.DueSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.DueSchedule
	for _, sched := range s.schedule {
		if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		def, ok := s.wfDefs[sched.WorkflowDefinitionID]
		if !ok {
			continue
		}
		out = append(out, &store.DueSchedule{Schedule: clone(sched), Definition: cloneDefinition(def)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Schedule.NextRunAt.Before(*out[j].Schedule.NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- TriggerStore ---

func (s *Store) PutEventTrigger(_ context.Context, t *workflow.EventTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.Version = 1
		t.CreatedAt = now
	} else if existing, ok := s.triggers[t.ID]; ok {
		t.Version = existing.Version + 1
		t.CreatedAt = existing.CreatedAt
	}
	if t.Status == "" {
		t.Status = workflow.TriggerActive
	}
	t.UpdatedAt = now
	s.triggers[t.ID] = clone(t)
	s.order[t.ID] = s.nextSeq()
	return nil
}

func (s *Store) GetEventTrigger(_ context.Context, id string) (*workflow.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) ListActiveEventTriggers(_ context.Context, eventType, eventSource string) ([]*workflow.EventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.EventTrigger
	for _, t := range s.triggers {
		if t.Status != workflow.TriggerActive || t.EventType != eventType {
			continue
		}
		if t.EventSource != "" && t.EventSource != eventSource {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func (s *Store) CreateTriggerDelivery(_ context.Context, d *workflow.TriggerDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if _, exists := s.delivers[d.ID]; exists {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.delivers[d.ID] = clone(d)
	s.order[d.ID] = s.nextSeq()
	return nil
}

func (s *Store) UpdateTriggerDelivery(_ context.Context, d *workflow.TriggerDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.delivers[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	d.CreatedAt = stored.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	s.delivers[d.ID] = clone(d)
	return nil
}

func (s *Store) CountRecentLaunches(_ context.Context, triggerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.delivers {
		if d.TriggerID == triggerID && d.Status == workflow.DeliveryLaunched && !d.UpdatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountLiveLaunches(_ context.Context, triggerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.delivers {
		if d.TriggerID != triggerID || d.Status != workflow.DeliveryLaunched || d.WorkflowRunID == "" {
			continue
		}
		run, ok := s.wfRuns[d.WorkflowRunID]
		if !ok {
			continue
		}
		if run.Status == workflow.RunPending || run.Status == workflow.RunRunning {
			count++
		}
	}
	return count, nil
}

func (s *Store) FindDeliveryByIdempotencyKey(_ context.Context, triggerID, key string) (*workflow.TriggerDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.TriggerDelivery
	var latestSeq int64 = -1
	for _, d := range s.delivers {
		if d.TriggerID != triggerID || d.IdempotencyKey != key || d.Status != workflow.DeliveryLaunched {
			continue
		}
		if seq := s.order[d.ID]; seq > latestSeq {
			latest, latestSeq = d, seq
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return clone(latest), nil
}

func (s *Store) ListTriggerDeliveries(_ context.Context, triggerID string, limit int) ([]*workflow.TriggerDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.TriggerDelivery
	for _, d := range s.delivers {
		if d.TriggerID == triggerID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] > s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- AssetStore ---

func (s *Store) RecordAssetMaterializations(_ context.Context, ms []asset.Materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range ms {
		if ms[i].ID == "" {
			ms[i].ID = ulid.Make().String()
		}
		if ms[i].ProducedAt.IsZero() {
			ms[i].ProducedAt = time.Now().UTC()
		}
		raw, err := json.Marshal(&ms[i])
		if err != nil {
			return err
		}
		s.mats = append(s.mats, &matRecord{seq: s.nextSeq(), m: raw})
	}
	return nil
}

func (s *Store) LatestAssetMaterialization(_ context.Context, assetID, partitionKey string) (*asset.Materialization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.mats) - 1; i >= 0; i-- {
		m, err := decodeMat(s.mats[i].m)
		if err != nil {
			return nil, err
		}
		if m.AssetID != assetID {
			continue
		}
		if partitionKey != "" && m.PartitionKey != partitionKey {
			continue
		}
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAssetMaterializations(_ context.Context, assetID string, limit int) ([]*asset.Materialization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asset.Materialization
	for i := len(s.mats) - 1; i >= 0; i-- {
		m, err := decodeMat(s.mats[i].m)
		if err != nil {
			return nil, err
		}
		if m.AssetID != assetID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListAssetPartitions(_ context.Context, assetID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range s.mats {
		m, err := decodeMat(rec.m)
		if err != nil {
			return nil, err
		}
		if m.AssetID != assetID || m.PartitionKey == "" || seen[m.PartitionKey] {
			continue
		}
		seen[m.PartitionKey] = true
		out = append(out, m.PartitionKey)
	}
	return out, nil
}

func decodeMat(raw json.RawMessage) (*asset.Materialization, error) {
	var m asset.Materialization
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- AdvisoryLocker ---

// Locker implements store.AdvisoryLocker with process-local mutual exclusion.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocker returns an empty in-process locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]bool)}
}

var _ store.AdvisoryLocker = (*Locker)(nil)

// TryLock acquires the key if free. The returned release function is
// idempotent.
func (l *Locker) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}
