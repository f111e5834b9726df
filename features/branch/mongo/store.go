// Package mongo implements the MongoDB-backed branch graph store.
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

	"github.com/loomworks/loom/runtime/branch"
	"github.com/loomworks/loom/runtime/ids"
)

type (
	// Options configures the Mongo branch store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements branch.Store on a MongoDB collection.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	branchDocument struct {
		BranchID  string             `bson:"branch_id"`
		RunID     string             `bson:"run_id"`
		Lineage   []ancestorDocument `bson:"lineage"`
		CreatedAt time.Time          `bson:"created_at"`
	}

	ancestorDocument struct {
		BranchID string `bson:"branch_id"`
		Cutoff   string `bson:"cutoff,omitempty"`
	}
)

const (
	defaultCollection = "branches"
	defaultTimeout    = 5 * time.Second
	clientName        = "branches-mongo"
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

// CreateRoot implements branch.Store.
func (s *Store) CreateRoot(ctx context.Context, runID string) (*branch.Branch, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	b := &branch.Branch{
		ID:        ids.NewBranchID(),
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	b.Lineage = []branch.Ancestor{{BranchID: b.ID}}
	if err := s.insert(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateChild implements branch.Store.
func (s *Store) CreateChild(ctx context.Context, runID, parentID, cutoff string) (*branch.Branch, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.RunID != runID {
		return nil, fmt.Errorf("branch %s belongs to run %s, not %s", parentID, parent.RunID, runID)
	}
	child := &branch.Branch{
		ID:        ids.NewBranchID(),
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	child.Lineage = branch.ChildLineage(parent, child.ID, cutoff)
	if err := s.insert(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// Get implements branch.Store.
func (s *Store) Get(ctx context.Context, branchID string) (*branch.Branch, error) {
	if branchID == "" {
		return nil, errors.New("branch id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc branchDocument
	err := s.coll.FindOne(ctx, bson.M{"branch_id": branchID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, branch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBranch(&doc), nil
}

// DeleteByRun implements branch.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID})
	return err
}

func (s *Store) insert(ctx context.Context, b *branch.Branch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	lineage := make([]ancestorDocument, len(b.Lineage))
	for i, a := range b.Lineage {
		lineage[i] = ancestorDocument{BranchID: a.BranchID, Cutoff: a.Cutoff}
	}
	_, err := s.coll.InsertOne(ctx, branchDocument{
		BranchID:  b.ID,
		RunID:     b.RunID,
		Lineage:   lineage,
		CreatedAt: b.CreatedAt,
	})
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "branch_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}},
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

func decodeBranch(doc *branchDocument) *branch.Branch {
	lineage := make([]branch.Ancestor, len(doc.Lineage))
	for i, a := range doc.Lineage {
		lineage[i] = branch.Ancestor{BranchID: a.BranchID, Cutoff: a.Cutoff}
	}
	return &branch.Branch{
		ID:        doc.BranchID,
		RunID:     doc.RunID,
		Lineage:   lineage,
		CreatedAt: doc.CreatedAt,
	}
}
