// Package mongo implements the record store on MongoDB. Each record family
// gets one collection; documents carry the indexed scalar fields the queries
// filter on plus the full record as a JSON blob, so the domain types stay
// free of storage tags. Guarded updates enforce the terminal-status rules
// with conditional filters instead of transactions.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"

	"github.com/google/uuid"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "catalog-mongo"

	collJobDefinitions   = "job_definitions"
	collJobRuns          = "job_runs"
	collBundleVersions   = "bundle_versions"
	collWorkflowDefs     = "workflow_definitions"
	collWorkflowRuns     = "workflow_runs"
	collWorkflowRunSteps = "workflow_run_steps"
	collSchedules        = "workflow_schedules"
	collEventTriggers    = "event_triggers"
	collDeliveries       = "trigger_deliveries"
	collMaterializations = "asset_materializations"
)

type (
	// Options configures the store. Client and Database are required.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Timeout bounds every single store operation.
		Timeout time.Duration
	}

	// Store implements store.Store on MongoDB.
	Store struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New builds the store and ensures the indexes every query depends on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	for coll, models := range map[string][]mongodriver.IndexModel{
		collJobDefinitions: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collJobRuns: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		collBundleVersions: {
			{Keys: bson.D{{Key: "bundle_slug", Value: 1}, {Key: "published_at", Value: -1}}},
		},
		collWorkflowDefs: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collWorkflowRuns: {
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}, {Key: "partition_key", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		collWorkflowRunSteps: {
			{Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "step_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collSchedules: {
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "next_run_at", Value: 1}}},
		},
		collEventTriggers: {
			{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "status", Value: 1}}},
		},
		collDeliveries: {
			{Keys: bson.D{{Key: "trigger_id", Value: 1}, {Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "trigger_id", Value: 1}, {Key: "idempotency_key", Value: 1}}},
		},
		collMaterializations: {
			{Keys: bson.D{{Key: "asset_id", Value: 1}, {Key: "partition_key", Value: 1}, {Key: "produced_at", Value: -1}}},
		},
	} {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("collection %s: %w", coll, err)
		}
	}
	return nil
}

// encodeRecord serializes the domain record for the document's JSON blob.
func encodeRecord(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return raw, nil
}

func decodeRecord[T any](raw []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

func isDuplicateKey(err error) bool {
	return mongodriver.IsDuplicateKeyError(err)
}

// --- JobStore ---

type jobDefDoc struct {
	ID        string    `bson:"_id"`
	Slug      string    `bson:"slug"`
	Version   int       `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
	Record    []byte    `bson:"record"`
}

func (s *Store) UpsertJobDefinition(ctx context.Context, def *job.Definition) error {
	if err := job.ValidateDefinition(def); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	coll := s.db.Collection(collJobDefinitions)
	now := time.Now().UTC()

	var existing jobDefDoc
	err := coll.FindOne(ctx, bson.M{"slug": def.Slug}).Decode(&existing)
	switch {
	case err == nil:
		prior, derr := decodeRecord[job.Definition](existing.Record)
		if derr != nil {
			return derr
		}
		def.ID = prior.ID
		def.Version = prior.Version + 1
		def.CreatedAt = prior.CreatedAt
	case errors.Is(err, mongodriver.ErrNoDocuments):
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		if def.Version < 1 {
			def.Version = 1
		}
		def.CreatedAt = now
	default:
		return err
	}
	def.UpdatedAt = now
	raw, err := encodeRecord(def)
	if err != nil {
		return err
	}
	doc := jobDefDoc{ID: def.ID, Slug: def.Slug, Version: def.Version, UpdatedAt: now, Record: raw}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": def.ID}, doc, options.Replace().SetUpsert(true))
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetJobDefinition(ctx context.Context, id string) (*job.Definition, error) {
	return findRecord[job.Definition](s, ctx, collJobDefinitions, bson.M{"_id": id}, nil)
}

func (s *Store) GetJobDefinitionBySlug(ctx context.Context, slug string) (*job.Definition, error) {
	return findRecord[job.Definition](s, ctx, collJobDefinitions, bson.M{"slug": slug}, nil)
}

func (s *Store) ListJobDefinitions(ctx context.Context) ([]*job.Definition, error) {
	return listRecords[job.Definition](s, ctx, collJobDefinitions, bson.M{},
		options.Find().SetSort(bson.D{{Key: "slug", Value: 1}}))
}

type jobRunDoc struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updated_at"`
	Record    []byte    `bson:"record"`
}

func jobRunDocument(run *job.Run) (jobRunDoc, error) {
	raw, err := encodeRecord(run)
	if err != nil {
		return jobRunDoc{}, err
	}
	return jobRunDoc{ID: run.ID, Status: string(run.Status), UpdatedAt: time.Now().UTC(), Record: raw}, nil
}

func (s *Store) CreateJobRun(ctx context.Context, run *job.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
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
	doc, err := jobRunDocument(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collJobRuns).InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*job.Run, error) {
	return findRecord[job.Run](s, ctx, collJobRuns, bson.M{"_id": id}, nil)
}

func (s *Store) StartJobRun(ctx context.Context, id string, startedAt time.Time) (*job.Run, error) {
	run, err := s.GetJobRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != job.RunPending {
		return run, nil
	}
	t := startedAt.UTC()
	run.Status = job.RunRunning
	run.StartedAt = &t
	run.LastHeartbeatAt = &t
	doc, err := jobRunDocument(run)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collJobRuns).ReplaceOne(ctx,
		bson.M{"_id": id, "status": string(job.RunPending)}, doc)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		// lost the race to another starter; return what is stored now
		return s.GetJobRun(ctx, id)
	}
	return run, nil
}

func (s *Store) UpdateJobRun(ctx context.Context, run *job.Run) error {
	stored, err := s.GetJobRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return store.ErrTerminal
	}
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	run.Status = stored.Status
	run.StartedAt = stored.StartedAt
	return s.replaceNonTerminalJobRun(ctx, run)
}

func (s *Store) CompleteJobRun(ctx context.Context, run *job.Run) error {
	if !run.Status.Terminal() {
		return store.ErrConflict
	}
	stored, err := s.GetJobRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return store.ErrTerminal
	}
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	if run.StartedAt == nil {
		run.StartedAt = stored.StartedAt
	}
	return s.replaceNonTerminalJobRun(ctx, run)
}

// replaceNonTerminalJobRun writes the run guarded by a non-terminal stored
// status, so two racing completers cannot both win.
func (s *Store) replaceNonTerminalJobRun(ctx context.Context, run *job.Run) error {
	doc, err := jobRunDocument(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collJobRuns).ReplaceOne(ctx, bson.M{
		"_id":    run.ID,
		"status": bson.M{"$nin": terminalJobStatuses()},
	}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrTerminal
	}
	return nil
}

func terminalJobStatuses() []string {
	return []string{
		string(job.RunSucceeded),
		string(job.RunFailed),
		string(job.RunCanceled),
		string(job.RunExpired),
	}
}

// --- BundleStore ---

type bundleDoc struct {
	ID          string    `bson:"_id"` // slug@version
	BundleSlug  string    `bson:"bundle_slug"`
	Version     string    `bson:"version"`
	Status      string    `bson:"status"`
	Immutable   bool      `bson:"immutable"`
	PublishedAt time.Time `bson:"published_at"`
	Record      []byte    `bson:"record"`
}

func (s *Store) PutBundleVersion(ctx context.Context, bv *job.BundleVersion) error {
	id := bv.BundleSlug + "@" + bv.Version
	existing, err := s.GetBundleVersion(ctx, bv.BundleSlug, bv.Version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Immutable {
		return store.ErrConflict
	}
	if bv.PublishedAt.IsZero() {
		bv.PublishedAt = time.Now().UTC()
	}
	raw, err := encodeRecord(bv)
	if err != nil {
		return err
	}
	doc := bundleDoc{
		ID:          id,
		BundleSlug:  bv.BundleSlug,
		Version:     bv.Version,
		Status:      string(bv.Status),
		Immutable:   bv.Immutable,
		PublishedAt: bv.PublishedAt,
		Record:      raw,
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collBundleVersions).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetBundleVersion(ctx context.Context, slug, version string) (*job.BundleVersion, error) {
	return findRecord[job.BundleVersion](s, ctx, collBundleVersions,
		bson.M{"_id": slug + "@" + version}, nil)
}

func (s *Store) LatestBundleVersion(ctx context.Context, slug string) (*job.BundleVersion, error) {
	return findRecord[job.BundleVersion](s, ctx, collBundleVersions,
		bson.M{"bundle_slug": slug, "status": string(job.BundlePublished)},
		options.FindOne().SetSort(bson.D{{Key: "published_at", Value: -1}}))
}

// --- WorkflowStore ---

type workflowDefDoc struct {
	ID        string    `bson:"_id"`
	Slug      string    `bson:"slug"`
	Version   int       `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
	Record    []byte    `bson:"record"`
}

func (s *Store) UpsertWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	coll := s.db.Collection(collWorkflowDefs)
	now := time.Now().UTC()

	var existing workflowDefDoc
	err := coll.FindOne(ctx, bson.M{"slug": def.Slug}).Decode(&existing)
	switch {
	case err == nil:
		prior, derr := decodeRecord[workflow.Definition](existing.Record)
		if derr != nil {
			return derr
		}
		def.ID = prior.ID
		def.Version = prior.Version + 1
		def.CreatedAt = prior.CreatedAt
	case errors.Is(err, mongodriver.ErrNoDocuments):
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		if def.Version < 1 {
			def.Version = 1
		}
		def.CreatedAt = now
	default:
		return err
	}
	def.UpdatedAt = now
	raw, err := encodeRecord(def)
	if err != nil {
		return err
	}
	doc := workflowDefDoc{ID: def.ID, Slug: def.Slug, Version: def.Version, UpdatedAt: now, Record: raw}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": def.ID}, doc, options.Replace().SetUpsert(true))
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	def, err := findRecord[workflow.Definition](s, ctx, collWorkflowDefs, bson.M{"_id": id}, nil)
	if err != nil {
		return nil, err
	}
	return rebuildDAG(def), nil
}

func (s *Store) GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (*workflow.Definition, error) {
	def, err := findRecord[workflow.Definition](s, ctx, collWorkflowDefs, bson.M{"slug": slug}, nil)
	if err != nil {
		return nil, err
	}
	return rebuildDAG(def), nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	defs, err := listRecords[workflow.Definition](s, ctx, collWorkflowDefs, bson.M{},
		options.Find().SetSort(bson.D{{Key: "slug", Value: 1}}))
	if err != nil {
		return nil, err
	}
	for i, def := range defs {
		defs[i] = rebuildDAG(def)
	}
	return defs, nil
}

// rebuildDAG recomputes the graph when the stored record predates the
// computed-DAG field. Definitions are validated before storage, so the graph
// builds cleanly.
func rebuildDAG(def *workflow.Definition) *workflow.Definition {
	if len(def.DAG.TopologicalOrder) == len(def.Steps) {
		return def
	}
	if dag, err := workflow.BuildDAG(def.Steps); err == nil {
		def.DAG = dag
	}
	return def
}

// --- generic document access ---

type recordDoc struct {
	Record []byte `bson:"record"`
}

func findRecord[T any](s *Store, ctx context.Context, coll string, filter bson.M, opts options.Lister[options.FindOneOptions]) (*T, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var doc recordDoc
	var err error
	if opts != nil {
		err = s.db.Collection(coll).FindOne(ctx, filter, opts).Decode(&doc)
	} else {
		err = s.db.Collection(coll).FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, mapNotFound(err)
	}
	return decodeRecord[T](doc.Record)
}

func listRecords[T any](s *Store, ctx context.Context, coll string, filter bson.M, opts options.Lister[options.FindOptions]) ([]*T, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var cursor *mongodriver.Cursor
	var err error
	if opts != nil {
		cursor, err = s.db.Collection(coll).Find(ctx, filter, opts)
	} else {
		cursor, err = s.db.Collection(coll).Find(ctx, filter)
	}
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx) //nolint:errcheck
	var out []*T
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := decodeRecord[T](doc.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}
