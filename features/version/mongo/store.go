// Package mongo implements the MongoDB-backed template and version store.
// Templates, versions, and run version history each live in their own
// collection; the three are always accessed through one Store so the
// dedup and shadow-template rules stay in one place.
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
	"github.com/loomworks/loom/runtime/version"
)

type (
	// Options configures the Mongo version store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// TemplateCollection defaults to "workflow_templates".
		TemplateCollection string
		// VersionCollection defaults to "workflow_versions".
		VersionCollection string
		// HistoryCollection defaults to "workflow_version_history".
		HistoryCollection string
		Timeout           time.Duration
	}

	// Store implements version.Store on MongoDB collections.
	Store struct {
		client    *mongodriver.Client
		templates *mongodriver.Collection
		versions  *mongodriver.Collection
		history   *mongodriver.Collection
		timeout   time.Duration
	}

	templateDocument struct {
		TemplateID  string    `bson:"template_id"`
		Name        string    `bson:"name"`
		UserID      string    `bson:"user_id"`
		Scope       string    `bson:"scope"`
		Visibility  string    `bson:"visibility"`
		DerivedFrom string    `bson:"derived_from,omitempty"`
		CreatedAt   time.Time `bson:"created_at"`
	}

	versionDocument struct {
		VersionID       string                `bson:"version_id"`
		TemplateID      string                `bson:"template_id"`
		ContentHash     string                `bson:"content_hash"`
		SourceType      string                `bson:"source_type,omitempty"`
		VersionType     string                `bson:"version_type"`
		ParentVersionID string                `bson:"parent_version_id,omitempty"`
		Requires        []version.Requirement `bson:"requires,omitempty"`
		Resolved        map[string]any        `bson:"resolved"`
		CreatedAt       time.Time             `bson:"created_at"`
	}

	historyDocument struct {
		RunID         string    `bson:"run_id"`
		VersionID     string    `bson:"version_id"`
		PrevVersionID string    `bson:"prev_version_id,omitempty"`
		Reason        string    `bson:"reason,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
	}
)

const (
	defaultTemplateCollection = "workflow_templates"
	defaultVersionCollection  = "workflow_versions"
	defaultHistoryCollection  = "workflow_version_history"
	defaultTimeout            = 5 * time.Second
	clientName                = "versions-mongo"
)

var sourceTypes = []string{string(version.TypeRaw), string(version.TypeUnresolved)}

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	tplColl := opts.TemplateCollection
	if tplColl == "" {
		tplColl = defaultTemplateCollection
	}
	verColl := opts.VersionCollection
	if verColl == "" {
		verColl = defaultVersionCollection
	}
	histColl := opts.HistoryCollection
	if histColl == "" {
		histColl = defaultHistoryCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		templates: db.Collection(tplColl),
		versions:  db.Collection(verColl),
		history:   db.Collection(histColl),
		timeout:   timeout,
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

// GetOrCreateTemplate implements version.Store.
func (s *Store) GetOrCreateTemplate(ctx context.Context, name, userID string) (*version.Template, bool, error) {
	return s.getOrCreateTemplate(ctx, &version.Template{
		Name:       name,
		UserID:     userID,
		Scope:      version.ScopeUser,
		Visibility: version.VisibilityVisible,
	})
}

// GetOrCreateGlobalTemplate implements version.Store.
func (s *Store) GetOrCreateGlobalTemplate(ctx context.Context, name, owner string) (*version.Template, bool, error) {
	if owner == "" {
		owner = version.GlobalOwner
	}
	return s.getOrCreateTemplate(ctx, &version.Template{
		Name:       name,
		UserID:     owner,
		Scope:      version.ScopeGlobal,
		Visibility: version.VisibilityPublic,
	})
}

// GetOrCreateHiddenTemplate implements version.Store.
func (s *Store) GetOrCreateHiddenTemplate(ctx context.Context, globalID, userID string) (*version.Template, bool, error) {
	global, err := s.GetTemplate(ctx, globalID)
	if err != nil {
		return nil, false, err
	}
	return s.getOrCreateTemplate(ctx, &version.Template{
		Name:        fmt.Sprintf("%s@%s", global.Name, userID),
		UserID:      userID,
		Scope:       version.ScopeUser,
		Visibility:  version.VisibilityHidden,
		DerivedFrom: global.ID,
	})
}

// getOrCreateTemplate upserts on (name, user_id, scope). The unique index
// makes the upsert race-safe across concurrent starts.
func (s *Store) getOrCreateTemplate(ctx context.Context, t *version.Template) (*version.Template, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"name": t.Name, "user_id": t.UserID, "scope": string(t.Scope)}
	update := bson.M{"$setOnInsert": templateDocument{
		TemplateID:  ids.NewTemplateID(),
		Name:        t.Name,
		UserID:      t.UserID,
		Scope:       string(t.Scope),
		Visibility:  string(t.Visibility),
		DerivedFrom: t.DerivedFrom,
		CreatedAt:   time.Now().UTC(),
	}}

	var before templateDocument
	err := s.templates.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)
	if err == nil {
		return decodeTemplate(&before), false, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, err
	}

	// No prior document: the upsert inserted. Read it back.
	var doc templateDocument
	if err := s.templates.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, false, err
	}
	return decodeTemplate(&doc), true, nil
}

// GetTemplate implements version.Store.
func (s *Store) GetTemplate(ctx context.Context, templateID string) (*version.Template, error) {
	if templateID == "" {
		return nil, errors.New("template id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc templateDocument
	err := s.templates.FindOne(ctx, bson.M{"template_id": templateID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, version.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTemplate(&doc), nil
}

// ListTemplates implements version.Store.
func (s *Store) ListTemplates(ctx context.Context, userID string) ([]*version.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"visibility": bson.M{"$ne": string(version.VisibilityHidden)},
		"$or": bson.A{
			bson.M{"user_id": userID},
			bson.M{"scope": string(version.ScopeGlobal)},
		},
	}
	cur, err := s.templates.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var templates []*version.Template
	for cur.Next(ctx) {
		var doc templateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		templates = append(templates, decodeTemplate(&doc))
	}
	return templates, cur.Err()
}

// InsertVersion implements version.Store.
func (s *Store) InsertVersion(ctx context.Context, v *version.Version) (*version.Version, bool, error) {
	if v == nil || v.TemplateID == "" {
		return nil, false, errors.New("version with template id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c := *v
	if c.ID == "" {
		c.ID = ids.NewVersionID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.versions.InsertOne(ctx, encodeVersion(&c))
	if mongodriver.IsDuplicateKeyError(err) {
		var doc versionDocument
		err := s.versions.FindOne(ctx, bson.M{
			"template_id":  c.TemplateID,
			"content_hash": c.ContentHash,
			"version_type": string(c.VersionType),
		}).Decode(&doc)
		if err != nil {
			return nil, false, err
		}
		return decodeVersion(&doc), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// GetVersion implements version.Store.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*version.Version, error) {
	if versionID == "" {
		return nil, errors.New("version id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{"version_id": versionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, version.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVersion(&doc), nil
}

// FindSourceByHash implements version.Store.
func (s *Store) FindSourceByHash(ctx context.Context, templateID, contentHash string) (*version.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{
		"template_id":  templateID,
		"content_hash": contentHash,
		"version_type": bson.M{"$in": sourceTypes},
	}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, version.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVersion(&doc), nil
}

// LatestSource implements version.Store.
func (s *Store) LatestSource(ctx context.Context, templateID string) (*version.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{
		"template_id":  templateID,
		"version_type": bson.M{"$in": sourceTypes},
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, version.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVersion(&doc), nil
}

// ResolvedChildren implements version.Store.
func (s *Store) ResolvedChildren(ctx context.Context, parentVersionID string) ([]*version.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.versions.Find(ctx, bson.M{
		"parent_version_id": parentVersionID,
		"version_type":      string(version.TypeResolved),
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeVersions(ctx, cur)
}

// PromoteToUnresolved implements version.Store.
func (s *Store) PromoteToUnresolved(ctx context.Context, versionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.versions.UpdateOne(ctx,
		bson.M{"version_id": versionID, "version_type": bson.M{"$in": sourceTypes}},
		bson.M{"$set": bson.M{"version_type": string(version.TypeUnresolved)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return version.ErrNotFound
	}
	return nil
}

// ListSourceVersions implements version.Store.
func (s *Store) ListSourceVersions(ctx context.Context, templateID string) ([]*version.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.versions.Find(ctx, bson.M{
		"template_id":  templateID,
		"version_type": bson.M{"$in": sourceTypes},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeVersions(ctx, cur)
}

// AppendHistory implements version.Store.
func (s *Store) AppendHistory(ctx context.Context, e *version.HistoryEntry) error {
	if e == nil || e.RunID == "" || e.VersionID == "" {
		return errors.New("history entry with run and version ids is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.history.InsertOne(ctx, historyDocument{
		RunID:         e.RunID,
		VersionID:     e.VersionID,
		PrevVersionID: e.PrevVersionID,
		Reason:        e.Reason,
		CreatedAt:     ts,
	})
	return err
}

// History implements version.Store.
func (s *Store) History(ctx context.Context, runID string) ([]*version.HistoryEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.history.Find(ctx, bson.M{"run_id": runID}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []*version.HistoryEntry
	for cur.Next(ctx) {
		var doc historyDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, &version.HistoryEntry{
			RunID:         doc.RunID,
			VersionID:     doc.VersionID,
			PrevVersionID: doc.PrevVersionID,
			Reason:        doc.Reason,
			CreatedAt:     doc.CreatedAt,
		})
	}
	return entries, cur.Err()
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.templates.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "template_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "user_id", Value: 1}, {Key: "scope", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return err
	}
	if _, err := s.versions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "version_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "template_id", Value: 1}, {Key: "content_hash", Value: 1}, {Key: "version_type", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "parent_version_id", Value: 1}},
		},
	}); err != nil {
		return err
	}
	_, err := s.history.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
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

func decodeTemplate(doc *templateDocument) *version.Template {
	return &version.Template{
		ID:          doc.TemplateID,
		Name:        doc.Name,
		UserID:      doc.UserID,
		Scope:       version.Scope(doc.Scope),
		Visibility:  version.Visibility(doc.Visibility),
		DerivedFrom: doc.DerivedFrom,
		CreatedAt:   doc.CreatedAt,
	}
}

func encodeVersion(v *version.Version) versionDocument {
	return versionDocument{
		VersionID:       v.ID,
		TemplateID:      v.TemplateID,
		ContentHash:     v.ContentHash,
		SourceType:      string(v.SourceType),
		VersionType:     string(v.VersionType),
		ParentVersionID: v.ParentVersionID,
		Requires:        v.Requires,
		Resolved:        v.Resolved,
		CreatedAt:       v.CreatedAt,
	}
}

func decodeVersion(doc *versionDocument) *version.Version {
	return &version.Version{
		ID:              doc.VersionID,
		TemplateID:      doc.TemplateID,
		ContentHash:     doc.ContentHash,
		SourceType:      version.SourceType(doc.SourceType),
		VersionType:     version.Type(doc.VersionType),
		ParentVersionID: doc.ParentVersionID,
		Requires:        doc.Requires,
		Resolved:        doc.Resolved,
		CreatedAt:       doc.CreatedAt,
	}
}

func decodeVersions(ctx context.Context, cur *mongodriver.Cursor) ([]*version.Version, error) {
	var versions []*version.Version
	for cur.Next(ctx) {
		var doc versionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		versions = append(versions, decodeVersion(&doc))
	}
	return versions, cur.Err()
}
