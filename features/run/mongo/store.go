// Package mongo implements the MongoDB-backed run record store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/loomworks/loom/runtime/run"
)

type (
	// Options configures the Mongo run store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements run.Store on a MongoDB collection.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	runDocument struct {
		RunID             string         `bson:"run_id"`
		UserID            string         `bson:"user_id"`
		ProjectName       string         `bson:"project_name"`
		TemplateName      string         `bson:"template_name"`
		TemplateID        string         `bson:"template_id,omitempty"`
		WorkflowVersionID string         `bson:"workflow_version_id,omitempty"`
		BranchID          string         `bson:"branch_id"`
		Status            string         `bson:"status"`
		CurrentStepID     string         `bson:"current_step_id,omitempty"`
		CurrentStepName   string         `bson:"current_step_name,omitempty"`
		CurrentModule     string         `bson:"current_module,omitempty"`
		Visible           bool           `bson:"visible"`
		AIConfig          map[string]any `bson:"ai_config,omitempty"`
		CreatedAt         time.Time      `bson:"created_at"`
		UpdatedAt         time.Time      `bson:"updated_at"`
		CompletedAt       *time.Time     `bson:"completed_at,omitempty"`
	}
)

const (
	defaultCollection = "workflow_runs"
	defaultTimeout    = 5 * time.Second
	clientName        = "runs-mongo"
)

var terminalStatuses = []string{string(run.StatusCompleted), string(run.StatusError)}

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

// Create implements run.Store.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run with id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, encodeRun(r))
	return err
}

// Get implements run.Store.
func (s *Store) Get(ctx context.Context, runID string) (*run.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(&doc), nil
}

// FindByTriple implements run.Store.
func (s *Store) FindByTriple(ctx context.Context, userID, templateName, projectName string) (*run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{
		"user_id":       userID,
		"template_name": templateName,
		"project_name":  projectName,
		"status":        bson.M{"$nin": terminalStatuses},
		"visible":       true,
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(&doc), nil
}

// Update implements run.Store.
func (s *Store) Update(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run with id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r.UpdatedAt = time.Now().UTC()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"run_id": r.ID}, encodeRun(r))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return run.ErrNotFound
	}
	return nil
}

// List implements run.Store.
func (s *Store) List(ctx context.Context, f run.ListFilter) ([]*run.Run, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.ActiveOnly {
		filter["status"] = bson.M{"$nin": terminalStatuses}
	}
	if !f.IncludeHidden {
		filter["visible"] = true
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*run.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		runs = append(runs, decodeRun(&doc))
	}
	return runs, cur.Err()
}

// Delete implements run.Store.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"run_id": runID})
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "template_name", Value: 1}, {Key: "project_name", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
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

func encodeRun(r *run.Run) runDocument {
	return runDocument{
		RunID:             r.ID,
		UserID:            r.UserID,
		ProjectName:       r.ProjectName,
		TemplateName:      r.TemplateName,
		TemplateID:        r.TemplateID,
		WorkflowVersionID: r.WorkflowVersionID,
		BranchID:          r.BranchID,
		Status:            string(r.Status),
		CurrentStepID:     r.CurrentStepID,
		CurrentStepName:   r.CurrentStepName,
		CurrentModule:     r.CurrentModule,
		Visible:           r.Visible,
		AIConfig:          r.AIConfig,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
	}
}

func decodeRun(doc *runDocument) *run.Run {
	return &run.Run{
		ID:                doc.RunID,
		UserID:            doc.UserID,
		ProjectName:       doc.ProjectName,
		TemplateName:      doc.TemplateName,
		TemplateID:        doc.TemplateID,
		WorkflowVersionID: doc.WorkflowVersionID,
		BranchID:          doc.BranchID,
		Status:            run.Status(doc.Status),
		CurrentStepID:     doc.CurrentStepID,
		CurrentStepName:   doc.CurrentStepName,
		CurrentModule:     doc.CurrentModule,
		Visible:           doc.Visible,
		AIConfig:          doc.AIConfig,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
		CompletedAt:       doc.CompletedAt,
	}
}
