// Package mongo implements the MongoDB-backed usage store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/loomworks/loom/runtime/usage"
)

type (
	// Options configures the Mongo usage store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements usage.Store on a MongoDB collection.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	usageDocument struct {
		RunID            string    `bson:"run_id"`
		ModuleName       string    `bson:"module_name"`
		Provider         string    `bson:"provider,omitempty"`
		Model            string    `bson:"model,omitempty"`
		PromptTokens     int64     `bson:"prompt_tokens"`
		CompletionTokens int64     `bson:"completion_tokens"`
		CreatedAt        time.Time `bson:"created_at"`
	}
)

const (
	defaultCollection = "token_usage"
	defaultTimeout    = 5 * time.Second
	clientName        = "usage-mongo"
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

// Record implements usage.Store.
func (s *Store) Record(ctx context.Context, rec *usage.Record) error {
	if rec == nil || rec.RunID == "" {
		return errors.New("record with run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.coll.InsertOne(ctx, usageDocument{
		RunID:            rec.RunID,
		ModuleName:       rec.ModuleName,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		CreatedAt:        ts,
	})
	return err
}

// ForRun implements usage.Store.
func (s *Store) ForRun(ctx context.Context, runID string) ([]*usage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []*usage.Record
	for cur.Next(ctx) {
		var doc usageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, &usage.Record{
			RunID:            doc.RunID,
			ModuleName:       doc.ModuleName,
			Provider:         doc.Provider,
			Model:            doc.Model,
			PromptTokens:     doc.PromptTokens,
			CompletionTokens: doc.CompletionTokens,
			CreatedAt:        doc.CreatedAt,
		})
	}
	return records, cur.Err()
}

// TotalsForRun implements usage.Store.
func (s *Store) TotalsForRun(ctx context.Context, runID string) (*usage.Totals, error) {
	records, err := s.ForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	totals := &usage.Totals{}
	for _, r := range records {
		totals.PromptTokens += r.PromptTokens
		totals.CompletionTokens += r.CompletionTokens
		totals.Calls++
	}
	return totals, nil
}

// DeleteByRun implements usage.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID})
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "created_at", Value: 1}},
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
