package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/store"
	"github.com/weftworks/weft/catalog/workflow"
)

// --- RunStore ---

type workflowRunDoc struct {
	ID                   string    `bson:"_id"`
	WorkflowDefinitionID string    `bson:"workflow_definition_id"`
	Status               string    `bson:"status"`
	PartitionKey         string    `bson:"partition_key"`
	TriggeredBy          string    `bson:"triggered_by"`
	CreatedAt            time.Time `bson:"created_at"`
	UpdatedAt            time.Time `bson:"updated_at"`
	Record               []byte    `bson:"record"`
}

func workflowRunDocument(run *workflow.Run) (workflowRunDoc, error) {
	raw, err := encodeRecord(run)
	if err != nil {
		return workflowRunDoc{}, err
	}
	return workflowRunDoc{
		ID:                   run.ID,
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		Status:               string(run.Status),
		PartitionKey:         run.PartitionKey,
		TriggeredBy:          run.TriggeredBy,
		CreatedAt:            run.CreatedAt,
		UpdatedAt:            run.UpdatedAt,
		Record:               raw,
	}, nil
}

func (s *Store) CreateWorkflowRun(ctx context.Context, run *workflow.Run) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
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
	doc, err := workflowRunDocument(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collWorkflowRuns).InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*workflow.Run, error) {
	return findRecord[workflow.Run](s, ctx, collWorkflowRuns, bson.M{"_id": id}, nil)
}

func (s *Store) UpdateWorkflowRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = time.Now().UTC()
	doc, err := workflowRunDocument(run)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collWorkflowRuns).ReplaceOne(ctx, bson.M{
		"_id":    run.ID,
		"status": bson.M{"$nin": terminalRunStatuses()},
	}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetWorkflowRun(ctx, run.ID); err != nil {
		return err
	}
	return store.ErrTerminal
}

func (s *Store) ListWorkflowRuns(ctx context.Context, filter store.RunFilter) ([]*workflow.Run, error) {
	q := bson.M{}
	if filter.WorkflowDefinitionID != "" {
		q["workflow_definition_id"] = filter.WorkflowDefinitionID
	}
	if filter.PartitionKey != "" || filter.HasPartitionKey {
		q["partition_key"] = filter.PartitionKey
	}
	if filter.TriggeredBy != "" {
		q["triggered_by"] = filter.TriggeredBy
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q["status"] = bson.M{"$in": statuses}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	return listRecords[workflow.Run](s, ctx, collWorkflowRuns, q, opts)
}

func terminalRunStatuses() []string {
	return []string{
		string(workflow.RunSucceeded),
		string(workflow.RunFailed),
		string(workflow.RunCanceled),
	}
}

type runStepDoc struct {
	ID            string    `bson:"_id"`
	WorkflowRunID string    `bson:"workflow_run_id"`
	StepID        string    `bson:"step_id"`
	Status        string    `bson:"status"`
	CreatedAt     time.Time `bson:"created_at"`
	Record        []byte    `bson:"record"`
}

func (s *Store) CreateWorkflowRunStep(ctx context.Context, step *workflow.RunStep) error {
	if step.ID == "" {
		step.ID = ulid.Make().String()
	}
	if step.Status == "" {
		step.Status = workflow.StepPending
	}
	raw, err := encodeRecord(step)
	if err != nil {
		return err
	}
	doc := runStepDoc{
		ID:            step.ID,
		WorkflowRunID: step.WorkflowRunID,
		StepID:        step.StepID,
		Status:        string(step.Status),
		CreatedAt:     time.Now().UTC(),
		Record:        raw,
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collWorkflowRunSteps).InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) UpdateWorkflowRunStep(ctx context.Context, step *workflow.RunStep) error {
	raw, err := encodeRecord(step)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collWorkflowRunSteps).UpdateOne(ctx,
		bson.M{"workflow_run_id": step.WorkflowRunID, "step_id": step.StepID},
		bson.M{"$set": bson.M{"status": string(step.Status), "record": raw}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetWorkflowRunStep(ctx context.Context, runID, stepID string) (*workflow.RunStep, error) {
	return findRecord[workflow.RunStep](s, ctx, collWorkflowRunSteps,
		bson.M{"workflow_run_id": runID, "step_id": stepID}, nil)
}

func (s *Store) ListWorkflowRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error) {
	return listRecords[workflow.RunStep](s, ctx, collWorkflowRunSteps,
		bson.M{"workflow_run_id": runID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// --- ScheduleStore ---

type scheduleDoc struct {
	ID        string     `bson:"_id"`
	IsActive  bool       `bson:"is_active"`
	NextRunAt *time.Time `bson:"next_run_at,omitempty"`
	Record    []byte     `bson:"record"`
}

func scheduleDocument(sched *workflow.Schedule) (scheduleDoc, error) {
	raw, err := encodeRecord(sched)
	if err != nil {
		return scheduleDoc{}, err
	}
	return scheduleDoc{ID: sched.ID, IsActive: sched.IsActive, NextRunAt: sched.NextRunAt, Record: raw}, nil
}

func (s *Store) CreateWorkflowSchedule(ctx context.Context, sched *workflow.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	doc, err := scheduleDocument(sched)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collSchedules).InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetWorkflowSchedule(ctx context.Context, id string) (*workflow.Schedule, error) {
	return findRecord[workflow.Schedule](s, ctx, collSchedules, bson.M{"_id": id}, nil)
}

func (s *Store) UpdateWorkflowSchedule(ctx context.Context, sched *workflow.Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	doc, err := scheduleDocument(sched)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collSchedules).ReplaceOne(ctx, bson.M{"_id": sched.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListDueWorkflowSchedules(ctx context.Context, now time.Time, limit int) ([]*store.DueSchedule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	scheds, err := listRecords[workflow.Schedule](s, ctx, collSchedules, bson.M{
		"is_active":   true,
		"next_run_at": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*store.DueSchedule, 0, len(scheds))
	for _, sched := range scheds {
		def, err := s.GetWorkflowDefinition(ctx, sched.WorkflowDefinitionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// schedule orphaned by a deleted definition
				continue
			}
			return nil, err
		}
		out = append(out, &store.DueSchedule{Schedule: sched, Definition: def})
	}
	return out, nil
}

// --- TriggerStore ---

type eventTriggerDoc struct {
	ID          string `bson:"_id"`
	EventType   string `bson:"event_type"`
	EventSource string `bson:"event_source"`
	Status      string `bson:"status"`
	Record      []byte `bson:"record"`
}

func (s *Store) PutEventTrigger(ctx context.Context, t *workflow.EventTrigger) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.Version = 1
		t.CreatedAt = now
	} else if existing, err := s.GetEventTrigger(ctx, t.ID); err == nil {
		t.Version = existing.Version + 1
		t.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if t.Status == "" {
		t.Status = workflow.TriggerActive
	}
	t.UpdatedAt = now
	raw, err := encodeRecord(t)
	if err != nil {
		return err
	}
	doc := eventTriggerDoc{
		ID:          t.ID,
		EventType:   t.EventType,
		EventSource: t.EventSource,
		Status:      string(t.Status),
		Record:      raw,
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collEventTriggers).ReplaceOne(ctx,
		bson.M{"_id": t.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetEventTrigger(ctx context.Context, id string) (*workflow.EventTrigger, error) {
	return findRecord[workflow.EventTrigger](s, ctx, collEventTriggers, bson.M{"_id": id}, nil)
}

func (s *Store) ListActiveEventTriggers(ctx context.Context, eventType, eventSource string) ([]*workflow.EventTrigger, error) {
	// a trigger without a declared source accepts any envelope source
	q := bson.M{
		"event_type": eventType,
		"status":     string(workflow.TriggerActive),
		"$or": []bson.M{
			{"event_source": ""},
			{"event_source": eventSource},
		},
	}
	return listRecords[workflow.EventTrigger](s, ctx, collEventTriggers, q, nil)
}

type deliveryDoc struct {
	ID             string    `bson:"_id"`
	TriggerID      string    `bson:"trigger_id"`
	Status         string    `bson:"status"`
	WorkflowRunID  string    `bson:"workflow_run_id"`
	IdempotencyKey string    `bson:"idempotency_key"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	Record         []byte    `bson:"record"`
}

func deliveryDocument(d *workflow.TriggerDelivery) (deliveryDoc, error) {
	raw, err := encodeRecord(d)
	if err != nil {
		return deliveryDoc{}, err
	}
	return deliveryDoc{
		ID:             d.ID,
		TriggerID:      d.TriggerID,
		Status:         string(d.Status),
		WorkflowRunID:  d.WorkflowRunID,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Record:         raw,
	}, nil
}

func (s *Store) CreateTriggerDelivery(ctx context.Context, d *workflow.TriggerDelivery) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	doc, err := deliveryDocument(d)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.db.Collection(collDeliveries).InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) UpdateTriggerDelivery(ctx context.Context, d *workflow.TriggerDelivery) error {
	d.UpdatedAt = time.Now().UTC()
	doc, err := deliveryDocument(d)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.Collection(collDeliveries).ReplaceOne(ctx, bson.M{"_id": d.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountRecentLaunches(ctx context.Context, triggerID string, since time.Time) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.db.Collection(collDeliveries).CountDocuments(ctx, bson.M{
		"trigger_id": triggerID,
		"status":     string(workflow.DeliveryLaunched),
		"updated_at": bson.M{"$gte": since},
	})
	return int(n), err
}

func (s *Store) CountLiveLaunches(ctx context.Context, triggerID string) (int, error) {
	launched, err := listRecords[workflow.TriggerDelivery](s, ctx, collDeliveries, bson.M{
		"trigger_id":      triggerID,
		"status":          string(workflow.DeliveryLaunched),
		"workflow_run_id": bson.M{"$ne": ""},
	}, nil)
	if err != nil {
		return 0, err
	}
	if len(launched) == 0 {
		return 0, nil
	}
	runIDs := make([]string, len(launched))
	for i, d := range launched {
		runIDs[i] = d.WorkflowRunID
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.db.Collection(collWorkflowRuns).CountDocuments(ctx, bson.M{
		"_id":    bson.M{"$in": runIDs},
		"status": bson.M{"$in": []string{string(workflow.RunPending), string(workflow.RunRunning)}},
	})
	return int(n), err
}

func (s *Store) FindDeliveryByIdempotencyKey(ctx context.Context, triggerID, key string) (*workflow.TriggerDelivery, error) {
	return findRecord[workflow.TriggerDelivery](s, ctx, collDeliveries, bson.M{
		"trigger_id":      triggerID,
		"idempotency_key": key,
		"status":          string(workflow.DeliveryLaunched),
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (s *Store) ListTriggerDeliveries(ctx context.Context, triggerID string, limit int) ([]*workflow.TriggerDelivery, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return listRecords[workflow.TriggerDelivery](s, ctx, collDeliveries,
		bson.M{"trigger_id": triggerID}, opts)
}

// --- AssetStore ---

type materializationDoc struct {
	ID           string    `bson:"_id"`
	AssetID      string    `bson:"asset_id"`
	PartitionKey string    `bson:"partition_key"`
	ProducedAt   time.Time `bson:"produced_at"`
	Record       []byte    `bson:"record"`
}

func (s *Store) RecordAssetMaterializations(ctx context.Context, ms []asset.Materialization) error {
	if len(ms) == 0 {
		return nil
	}
	docs := make([]any, 0, len(ms))
	for i := range ms {
		if ms[i].ID == "" {
			ms[i].ID = ulid.Make().String()
		}
		if ms[i].ProducedAt.IsZero() {
			ms[i].ProducedAt = time.Now().UTC()
		}
		raw, err := encodeRecord(&ms[i])
		if err != nil {
			return err
		}
		docs = append(docs, materializationDoc{
			ID:           ms[i].ID,
			AssetID:      ms[i].AssetID,
			PartitionKey: ms[i].PartitionKey,
			ProducedAt:   ms[i].ProducedAt,
			Record:       raw,
		})
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.Collection(collMaterializations).InsertMany(ctx, docs)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) LatestAssetMaterialization(ctx context.Context, assetID, partitionKey string) (*asset.Materialization, error) {
	q := bson.M{"asset_id": assetID}
	if partitionKey != "" {
		q["partition_key"] = partitionKey
	}
	return findRecord[asset.Materialization](s, ctx, collMaterializations, q,
		options.FindOne().SetSort(bson.D{{Key: "produced_at", Value: -1}}))
}

func (s *Store) ListAssetMaterializations(ctx context.Context, assetID string, limit int) ([]*asset.Materialization, error) {
	opts := options.Find().SetSort(bson.D{{Key: "produced_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return listRecords[asset.Materialization](s, ctx, collMaterializations,
		bson.M{"asset_id": assetID}, opts)
}

func (s *Store) ListAssetPartitions(ctx context.Context, assetID string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.Collection(collMaterializations).Distinct(ctx, "partition_key",
		bson.M{"asset_id": assetID, "partition_key": bson.M{"$ne": ""}})
	var keys []string
	if err := res.Decode(&keys); err != nil {
		return nil, err
	}
	return keys, nil
}
