// Package mongo implements the MongoDB-backed event log.
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

	"github.com/loomworks/loom/runtime/event"
)

type (
	// Options configures the Mongo event store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements event.Store on a MongoDB collection.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	eventDocument struct {
		EventID           string         `bson:"event_id"`
		RunID             string         `bson:"run_id"`
		BranchID          string         `bson:"branch_id"`
		WorkflowVersionID string         `bson:"workflow_version_id,omitempty"`
		Type              string         `bson:"event_type"`
		StepID            string         `bson:"step_id,omitempty"`
		ModuleName        string         `bson:"module_name,omitempty"`
		Data              map[string]any `bson:"data,omitempty"`
		Timestamp         time.Time      `bson:"timestamp"`
	}
)

const (
	defaultCollection = "events"
	defaultTimeout    = 5 * time.Second
	clientName        = "events-mongo"
)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
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

	s := &Store{
		client:  opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Append implements event.Store.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.ID == "" || e.RunID == "" || e.BranchID == "" {
		return errors.New("event id, run id, and branch id are required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, eventDocument{
		EventID:           e.ID,
		RunID:             e.RunID,
		BranchID:          e.BranchID,
		WorkflowVersionID: e.WorkflowVersionID,
		Type:              string(e.Type),
		StepID:            e.StepID,
		ModuleName:        e.ModuleName,
		Data:              e.Data,
		Timestamp:         ts.UTC(),
	})
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("event %s already exists in run %s", e.ID, e.RunID)
	}
	return err
}

// Latest implements event.Store.
func (s *Store) Latest(ctx context.Context, runID string, types ...event.Type) (*event.Event, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	filter := bson.M{"run_id": runID}
	if len(types) > 0 {
		filter["event_type"] = bson.M{"$in": typeStrings(types)}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc eventDocument
	err := s.coll.FindOne(ctx, filter, options.FindOne().
		SetSort(bson.D{{Key: "event_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEvent(&doc), nil
}

// Query implements event.Store.
func (s *Store) Query(ctx context.Context, runID string, f event.Filter, limit int) ([]*event.Event, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	filter := bson.M{"run_id": runID}
	if len(f.BranchIDs) > 0 {
		filter["branch_id"] = bson.M{"$in": f.BranchIDs}
	}
	if len(f.Types) > 0 {
		filter["event_type"] = bson.M{"$in": typeStrings(f.Types)}
	}
	if f.StepID != "" {
		filter["step_id"] = f.StepID
	}
	if f.ModuleName != "" {
		filter["module_name"] = f.ModuleName
	}
	if f.MaxID != "" {
		filter["event_id"] = bson.M{"$lte": f.MaxID}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []*event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, decodeEvent(&doc))
	}
	return events, cur.Err()
}

// DeleteByRun implements event.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID})
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "event_type", Value: 1}, {Key: "branch_id", Value: 1}},
		},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func decodeEvent(doc *eventDocument) *event.Event {
	return &event.Event{
		ID:                doc.EventID,
		RunID:             doc.RunID,
		BranchID:          doc.BranchID,
		WorkflowVersionID: doc.WorkflowVersionID,
		Type:              event.Type(doc.Type),
		StepID:            doc.StepID,
		ModuleName:        doc.ModuleName,
		Data:              doc.Data,
		Timestamp:         doc.Timestamp,
	}
}

func typeStrings(types []event.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
