// Package mongo implements the MongoDB-backed task queue. Claims use a
// single FindOneAndUpdate on the queued status so two workers can never hold
// the same task.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/task"
)

type (
	// Options configures the Mongo task queue.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Queue implements task.Queue on a MongoDB collection.
	Queue struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	taskDocument struct {
		TaskID                string             `bson:"task_id"`
		Actor                 string             `bson:"actor"`
		Payload               map[string]any     `bson:"payload,omitempty"`
		Status                string             `bson:"status"`
		Priority              int                `bson:"priority"`
		ConcurrencyIdentifier string             `bson:"concurrency_identifier,omitempty"`
		ConcurrencyLimit      int                `bson:"concurrency_limit,omitempty"`
		RetryCount            int                `bson:"retry_count"`
		MaxRetries            int                `bson:"max_retries"`
		CreatedAt             time.Time          `bson:"created_at"`
		StartedAt             *time.Time         `bson:"started_at,omitempty"`
		CompletedAt           *time.Time         `bson:"completed_at,omitempty"`
		HeartbeatAt           *time.Time         `bson:"heartbeat_at,omitempty"`
		WorkerID              string             `bson:"worker_id,omitempty"`
		Progress              progressDocument   `bson:"progress"`
		Result                map[string]any     `bson:"result,omitempty"`
		Error                 *taskErrorDocument `bson:"error,omitempty"`
	}

	progressDocument struct {
		ElapsedMS int64     `bson:"elapsed_ms"`
		Message   string    `bson:"message"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	taskErrorDocument struct {
		Type       string         `bson:"type"`
		Message    string         `bson:"message"`
		Details    map[string]any `bson:"details,omitempty"`
		StackTrace string         `bson:"stack_trace,omitempty"`
	}
)

const (
	defaultCollection = "task_queue"
	defaultTimeout    = 5 * time.Second
	clientName        = "tasks-mongo"
)

// claimOrder sorts queued tasks by priority descending then created_at
// ascending, matching task.ClaimOrder.
var claimOrder = bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}

// New returns a Queue backed by the provided MongoDB client.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	q := &Queue{
		client:  opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := q.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Name implements health.Pinger.
func (q *Queue) Name() string { return clientName }

// Ping implements health.Pinger.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx, readpref.Primary())
}

// Enqueue implements task.Queue.
func (q *Queue) Enqueue(ctx context.Context, actor string, payload map[string]any, opts task.EnqueueOptions) (*task.Task, error) {
	if actor == "" {
		return nil, errors.New("actor is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = task.DefaultMaxRetries
	}
	now := time.Now().UTC()
	t := &task.Task{
		ID:         ids.NewTaskID(),
		Actor:      actor,
		Payload:    payload,
		Status:     task.StatusQueued,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		Progress:   task.Progress{Message: "Queued", UpdatedAt: now},
	}

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	if _, err := q.coll.InsertOne(ctx, encodeTask(t)); err != nil {
		return nil, err
	}
	return t, nil
}

// PeekNext implements task.Queue.
func (q *Queue) PeekNext(ctx context.Context) (*task.Task, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	err := q.coll.FindOne(ctx, bson.M{"status": string(task.StatusQueued)},
		options.FindOne().SetSort(claimOrder)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(&doc), nil
}

// CountProcessing implements task.Queue.
func (q *Queue) CountProcessing(ctx context.Context, concurrencyIdentifier string) (int, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{
		"status":                 string(task.StatusProcessing),
		"concurrency_identifier": concurrencyIdentifier,
	})
	return int(n), err
}

// Claim implements task.Queue.
func (q *Queue) Claim(ctx context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*task.Task, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	var doc taskDocument
	err := q.coll.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID, "status": string(task.StatusQueued)},
		bson.M{"$set": bson.M{
			"status":                 string(task.StatusProcessing),
			"worker_id":              workerID,
			"concurrency_identifier": concurrencyIdentifier,
			"concurrency_limit":      concurrencyLimit,
			"started_at":             now,
			"heartbeat_at":           now,
			"progress": progressDocument{
				Message:   "Starting",
				UpdatedAt: now,
			},
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		// Lost the race or the task is no longer queued.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(&doc), nil
}

// UpdateProgress implements task.Queue.
func (q *Queue) UpdateProgress(ctx context.Context, taskID string, elapsed time.Duration, message string) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	res, err := q.coll.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": bson.M{
		"progress": progressDocument{
			ElapsedMS: elapsed.Milliseconds(),
			Message:   message,
			UpdatedAt: time.Now().UTC(),
		},
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound
	}
	return nil
}

// UpdateHeartbeat implements task.Queue.
func (q *Queue) UpdateHeartbeat(ctx context.Context, taskID string) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	res, err := q.coll.UpdateOne(ctx,
		bson.M{"task_id": taskID, "status": string(task.StatusProcessing)},
		bson.M{"$set": bson.M{"heartbeat_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound
	}
	return nil
}

// Complete implements task.Queue.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	return q.finish(ctx, taskID, bson.M{
		"status":       string(task.StatusCompleted),
		"result":       result,
		"completed_at": time.Now().UTC(),
	})
}

// Fail implements task.Queue.
func (q *Queue) Fail(ctx context.Context, taskID string, taskErr *task.Error) error {
	update := bson.M{
		"status":       string(task.StatusFailed),
		"completed_at": time.Now().UTC(),
	}
	if taskErr != nil {
		update["error"] = taskErrorDocument{
			Type:       taskErr.Type,
			Message:    taskErr.Message,
			Details:    taskErr.Details,
			StackTrace: taskErr.StackTrace,
		}
	}
	return q.finish(ctx, taskID, update)
}

// finish transitions a non-terminal task to a terminal status.
func (q *Queue) finish(ctx context.Context, taskID string, set bson.M) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	res, err := q.coll.UpdateOne(ctx, bson.M{
		"task_id": taskID,
		"status":  bson.M{"$in": []string{string(task.StatusQueued), string(task.StatusProcessing)}},
	}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Either the task does not exist or it already reached a terminal
		// status.
		var doc taskDocument
		err := q.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is already %s", taskID, doc.Status)
	}
	return nil
}

// RecoverStale implements task.Queue.
func (q *Queue) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	cur, err := q.coll.Find(ctx, bson.M{
		"status":       string(task.StatusProcessing),
		"heartbeat_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	var stale []taskDocument
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, err
		}
		stale = append(stale, doc)
	}
	if err := cur.Err(); err != nil {
		cur.Close(ctx)
		return 0, err
	}
	cur.Close(ctx)

	touched := 0
	now := time.Now().UTC()
	for _, doc := range stale {
		var update bson.M
		if doc.RetryCount < doc.MaxRetries {
			update = bson.M{
				"$set": bson.M{
					"status": string(task.StatusQueued),
					"progress": progressDocument{
						Message:   fmt.Sprintf("Retrying (attempt %d)", doc.RetryCount+1),
						UpdatedAt: now,
					},
				},
				"$inc":   bson.M{"retry_count": 1},
				"$unset": bson.M{"worker_id": "", "concurrency_identifier": "", "concurrency_limit": "", "started_at": "", "heartbeat_at": ""},
			}
		} else {
			update = bson.M{"$set": bson.M{
				"status":       string(task.StatusFailed),
				"completed_at": now,
				"error": taskErrorDocument{
					Type:    task.ErrorTypeMaxRetries,
					Message: fmt.Sprintf("no heartbeat after %d attempts", doc.RetryCount+1),
				},
			}}
		}
		// Guard on the stale heartbeat so a worker that revived in the
		// meantime keeps its claim.
		res, err := q.coll.UpdateOne(ctx, bson.M{
			"task_id":      doc.TaskID,
			"status":       string(task.StatusProcessing),
			"heartbeat_at": doc.HeartbeatAt,
		}, update)
		if err != nil {
			return touched, err
		}
		touched += int(res.ModifiedCount)
	}
	return touched, nil
}

// Get implements task.Queue.
func (q *Queue) Get(ctx context.Context, taskID string) (*task.Task, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	err := q.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(&doc), nil
}

// TasksForRun implements task.Queue.
func (q *Queue) TasksForRun(ctx context.Context, runID string, limit int) ([]*task.Task, error) {
	return q.find(ctx, bson.M{"payload.run_id": runID}, limit)
}

// TasksForInteraction implements task.Queue.
func (q *Queue) TasksForInteraction(ctx context.Context, interactionID string, limit int) ([]*task.Task, error) {
	return q.find(ctx, bson.M{"payload.interaction_id": interactionID}, limit)
}

// QueuedByConcurrency implements task.Queue.
func (q *Queue) QueuedByConcurrency(ctx context.Context, concurrencyIdentifier string, limit int) ([]*task.Task, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(claimOrder)
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := q.coll.Find(ctx, bson.M{
		"status": string(task.StatusQueued),
		"$or": bson.A{
			bson.M{"concurrency_identifier": concurrencyIdentifier},
			bson.M{"concurrency_identifier": bson.M{"$in": bson.A{nil, ""}}, "payload.provider": concurrencyIdentifier},
		},
	}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeTasks(ctx, cur)
}

// UpdateQueuePositions implements task.Queue.
func (q *Queue) UpdateQueuePositions(ctx context.Context, concurrencyIdentifier string) error {
	queued, err := q.QueuedByConcurrency(ctx, concurrencyIdentifier, 0)
	if err != nil {
		return err
	}

	ctx, cancel := q.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	for i, t := range queued {
		_, err := q.coll.UpdateOne(ctx,
			bson.M{"task_id": t.ID, "status": string(task.StatusQueued)},
			bson.M{"$set": bson.M{"progress": progressDocument{
				Message:   fmt.Sprintf("Queued (position %d of %d)", i+1, len(queued)),
				UpdatedAt: now,
			}}},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) find(ctx context.Context, filter bson.M, limit int) ([]*task.Task, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := q.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeTasks(ctx, cur)
}

func (q *Queue) ensureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "task_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "concurrency_identifier", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "heartbeat_at", Value: 1}},
		},
	})
	return err
}

func (q *Queue) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, q.timeout)
}

func encodeTask(t *task.Task) taskDocument {
	doc := taskDocument{
		TaskID:                t.ID,
		Actor:                 t.Actor,
		Payload:               t.Payload,
		Status:                string(t.Status),
		Priority:              t.Priority,
		ConcurrencyIdentifier: t.ConcurrencyIdentifier,
		ConcurrencyLimit:      t.ConcurrencyLimit,
		RetryCount:            t.RetryCount,
		MaxRetries:            t.MaxRetries,
		CreatedAt:             t.CreatedAt,
		StartedAt:             t.StartedAt,
		CompletedAt:           t.CompletedAt,
		HeartbeatAt:           t.HeartbeatAt,
		WorkerID:              t.WorkerID,
		Progress: progressDocument{
			ElapsedMS: t.Progress.ElapsedMS,
			Message:   t.Progress.Message,
			UpdatedAt: t.Progress.UpdatedAt,
		},
		Result: t.Result,
	}
	if t.Error != nil {
		doc.Error = &taskErrorDocument{
			Type:       t.Error.Type,
			Message:    t.Error.Message,
			Details:    t.Error.Details,
			StackTrace: t.Error.StackTrace,
		}
	}
	return doc
}

func decodeTask(doc *taskDocument) *task.Task {
	t := &task.Task{
		ID:                    doc.TaskID,
		Actor:                 doc.Actor,
		Payload:               doc.Payload,
		Status:                task.Status(doc.Status),
		Priority:              doc.Priority,
		ConcurrencyIdentifier: doc.ConcurrencyIdentifier,
		ConcurrencyLimit:      doc.ConcurrencyLimit,
		RetryCount:            doc.RetryCount,
		MaxRetries:            doc.MaxRetries,
		CreatedAt:             doc.CreatedAt,
		StartedAt:             doc.StartedAt,
		CompletedAt:           doc.CompletedAt,
		HeartbeatAt:           doc.HeartbeatAt,
		WorkerID:              doc.WorkerID,
		Progress: task.Progress{
			ElapsedMS: doc.Progress.ElapsedMS,
			Message:   doc.Progress.Message,
			UpdatedAt: doc.Progress.UpdatedAt,
		},
		Result: doc.Result,
	}
	if doc.Error != nil {
		t.Error = &task.Error{
			Type:       doc.Error.Type,
			Message:    doc.Error.Message,
			Details:    doc.Error.Details,
			StackTrace: doc.Error.StackTrace,
		}
	}
	return t
}

func decodeTasks(ctx context.Context, cur *mongodriver.Cursor) ([]*task.Task, error) {
	var tasks []*task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tasks = append(tasks, decodeTask(&doc))
	}
	return tasks, cur.Err()
}
