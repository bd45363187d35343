// Package inmem implements the record store and advisory locker in memory.
// It backs package tests and single-node inline deployments. All records are
// cloned through JSON on the way in and out so callers never share memory
// with the store.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu  sync.RWMutex
	seq int64

	jobDefs  map[string]*job.Definition // by id
	jobRuns  map[string]*job.Run
	bundles  map[string]*job.BundleVersion // by slug@version
	wfDefs   map[string]*workflow.Definition
	wfRuns   map[string]*workflow.Run
	wfSteps  map[string]*workflow.RunStep // by runID/stepID
	order    map[string]int64             // record id -> insertion sequence
	schedule map[string]*workflow.Schedule
	triggers map[string]*workflow.EventTrigger
	delivers map[string]*workflow.TriggerDelivery
	mats     []*matRecord
}

type matRecord struct {
	seq int64
	m   json.RawMessage
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobDefs:  make(map[string]*job.Definition),
		jobRuns:  make(map[string]*job.Run),
		bundles:  make(map[string]*job.BundleVersion),
		wfDefs:   make(map[string]*workflow.Definition),
		wfRuns:   make(map[string]*workflow.Run),
		wfSteps:  make(map[string]*workflow.RunStep),
		order:    make(map[string]int64),
		schedule: make(map[string]*workflow.Schedule),
		triggers: make(map[string]*workflow.EventTrigger),
		delivers: make(map[string]*workflow.TriggerDelivery),
	}
}

var _ store.Store = (*Store)(nil)

// clone round-trips a record through JSON. Records are JSON-shaped by
// construction so the round trip is lossless for persistence purposes.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		cp := *v
		return &cp
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		cp := *v
		return &cp
	}
	return out
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// --- JobStore ---

func (s *Store) UpsertJobDefinition(_ context.Context, def *job.Definition) error {
	if err := job.ValidateDefinition(def); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.jobDefs {
		if existing.Slug == def.Slug {
			def.ID = existing.ID
			def.Version = existing.Version + 1
			def.CreatedAt = existing.CreatedAt
			def.UpdatedAt = now
			s.jobDefs[def.ID] = clone(def)
			return nil
		}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version < 1 {
		def.Version = 1
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	s.jobDefs[def.ID] = clone(def)
	s.order[def.ID] = s.nextSeq()
	return nil
}

func (s *Store) GetJobDefinition(_ context.Context, id string) (*job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.jobDefs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(def), nil
}

func (s *Store) GetJobDefinitionBySlug(_ context.Context, slug string) (*job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, def := range s.jobDefs {
		if def.Slug == slug {
			return clone(def), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobDefinitions(_ context.Context) ([]*job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Definition, 0, len(s.jobDefs))
	for _, def := range s.jobDefs {
		out = append(out, clone(def))
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func (s *Store) CreateJobRun(_ context.Context, run *job.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.jobRuns[run.ID]; exists {
		return store.ErrConflict
	}
	if run.Status == "" {
		run.Status = job.RunPending
	}
	if run.Attempt < 1 {
		run.Attempt = 1
	}
	if run.ScheduledAt.IsZero() {
		run.ScheduledAt = time.Now().UTC()
	}
	s.jobRuns[run.ID] = clone(run)
	s.order[run.ID] = s.nextSeq()
	return nil
}

func (s *Store) GetJobRun(_ context.Context, id string) (*job.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.jobRuns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(run), nil
}

func (s *Store) StartJobRun(_ context.Context, id string, startedAt time.Time) (*job.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.jobRuns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if run.Status == job.RunPending {
		run.Status = job.RunRunning
		t := startedAt.UTC()
		run.StartedAt = &t
		run.LastHeartbeatAt = &t
	}
	return clone(run), nil
}

func (s *Store) UpdateJobRun(_ context.Context, run *job.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobRuns[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Status.Terminal() {
		return store.ErrTerminal
	}
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	run.Status = stored.Status
	run.StartedAt = stored.StartedAt
	s.jobRuns[run.ID] = clone(run)
	return nil
}

func (s *Store) CompleteJobRun(_ context.Context, run *job.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobRuns[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Status.Terminal() {
		return store.ErrTerminal
	}
	if !run.Status.Terminal() {
		return store.ErrConflict
	}
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	if run.StartedAt == nil {
		run.StartedAt = stored.StartedAt
	}
	s.jobRuns[run.ID] = clone(run)
	return nil
}

// --- BundleStore ---

func bundleKey(slug, version string) string { return slug + "@" + version }

func (s *Store) PutBundleVersion(_ context.Context, bv *job.BundleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bundleKey(bv.BundleSlug, bv.Version)
	if existing, ok := s.bundles[key]; ok && existing.Immutable {
		return store.ErrConflict
	}
	if bv.PublishedAt.IsZero() {
		bv.PublishedAt = time.Now().UTC()
	}
	s.bundles[key] = clone(bv)
	s.order[key] = s.nextSeq()
	return nil
}

func (s *Store) GetBundleVersion(_ context.Context, slug, version string) (*job.BundleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bv, ok := s.bundles[bundleKey(slug, version)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(bv), nil
}

func (s *Store) LatestBundleVersion(_ context.Context, slug string) (*job.BundleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *job.BundleVersion
	var latestSeq int64 = -1
	for key, bv := range s.bundles {
		if bv.BundleSlug != slug || bv.Status != job.BundlePublished {
			continue
		}
		if seq := s.order[key]; seq > latestSeq {
			latest, latestSeq = bv, seq
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return clone(latest), nil
}

// --- WorkflowStore ---

func (s *Store) UpsertWorkflowDefinition(_ context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.wfDefs {
		if existing.Slug == def.Slug {
			def.ID = existing.ID
			def.Version = existing.Version + 1
			def.CreatedAt = existing.CreatedAt
			def.UpdatedAt = now
			s.wfDefs[def.ID] = cloneDefinition(def)
			return nil
		}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version < 1 {
		def.Version = 1
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	s.wfDefs[def.ID] = cloneDefinition(def)
	s.order[def.ID] = s.nextSeq()
	return nil
}

// cloneDefinition preserves the computed DAG through the JSON round trip.
func cloneDefinition(def *workflow.Definition) *workflow.Definition {
	cp := clone(def)
	cp.DAG = def.DAG
	return cp
}

func (s *Store) GetWorkflowDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.wfDefs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (s *Store) GetWorkflowDefinitionBySlug(_ context.Context, slug string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, def := range s.wfDefs {
		if def.Slug == slug {
			return cloneDefinition(def), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListWorkflowDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(s.wfDefs))
	for _, def := range s.wfDefs {
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func stepKey(runID, stepID string) string { return runID + "/" + stepID }

func hasPrefixKey(key, runID string) bool { return strings.HasPrefix(key, runID+"/") }
