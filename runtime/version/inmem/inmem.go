// Package inmem provides an in-memory implementation of version.Store for
// tests and local development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/version"
)

// Store implements version.Store in memory.
type Store struct {
	mu        sync.Mutex
	templates map[string]*version.Template
	versions  map[string]*version.Version
	history   map[string][]*version.HistoryEntry
}

// New returns a new in-memory version store.
func New() *Store {
	return &Store{
		templates: make(map[string]*version.Template),
		versions:  make(map[string]*version.Version),
		history:   make(map[string][]*version.HistoryEntry),
	}
}

// GetOrCreateTemplate implements version.Store.
func (s *Store) GetOrCreateTemplate(_ context.Context, name, userID string) (*version.Template, bool, error) {
	if name == "" || userID == "" {
		return nil, false, fmt.Errorf("template name and user id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.Name == name && t.UserID == userID && t.Scope == version.ScopeUser {
			cp := *t
			return &cp, false, nil
		}
	}
	t := &version.Template{
		ID:         ids.NewTemplateID(),
		Name:       name,
		UserID:     userID,
		Scope:      version.ScopeUser,
		Visibility: version.VisibilityVisible,
		CreatedAt:  time.Now().UTC(),
	}
	s.templates[t.ID] = t
	cp := *t
	return &cp, true, nil
}

// GetOrCreateGlobalTemplate implements version.Store.
func (s *Store) GetOrCreateGlobalTemplate(_ context.Context, name, owner string) (*version.Template, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("template name is required")
	}
	if owner == "" {
		owner = version.GlobalOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.Name == name && t.Scope == version.ScopeGlobal {
			cp := *t
			return &cp, false, nil
		}
	}
	t := &version.Template{
		ID:         ids.NewTemplateID(),
		Name:       name,
		UserID:     owner,
		Scope:      version.ScopeGlobal,
		Visibility: version.VisibilityPublic,
		CreatedAt:  time.Now().UTC(),
	}
	s.templates[t.ID] = t
	cp := *t
	return &cp, true, nil
}

// GetOrCreateHiddenTemplate implements version.Store.
func (s *Store) GetOrCreateHiddenTemplate(_ context.Context, globalID, userID string) (*version.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	global, ok := s.templates[globalID]
	if !ok {
		return nil, false, version.ErrNotFound
	}
	for _, t := range s.templates {
		if t.DerivedFrom == globalID && t.UserID == userID {
			cp := *t
			return &cp, false, nil
		}
	}
	t := &version.Template{
		ID:          ids.NewTemplateID(),
		Name:        fmt.Sprintf("%s@%s", global.Name, userID),
		UserID:      userID,
		Scope:       version.ScopeUser,
		Visibility:  version.VisibilityHidden,
		DerivedFrom: globalID,
		CreatedAt:   time.Now().UTC(),
	}
	s.templates[t.ID] = t
	cp := *t
	return &cp, true, nil
}

// GetTemplate implements version.Store.
func (s *Store) GetTemplate(_ context.Context, templateID string) (*version.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateID]
	if !ok {
		return nil, version.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTemplates implements version.Store.
func (s *Store) ListTemplates(_ context.Context, userID string) ([]*version.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*version.Template
	for _, t := range s.templates {
		owned := t.UserID == userID && t.Visibility == version.VisibilityVisible
		global := t.Scope == version.ScopeGlobal
		if owned || global {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// InsertVersion implements version.Store.
func (s *Store) InsertVersion(_ context.Context, v *version.Version) (*version.Version, bool, error) {
	if v == nil || v.ID == "" || v.TemplateID == "" {
		return nil, false, fmt.Errorf("version with id and template id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.versions {
		if existing.TemplateID == v.TemplateID &&
			existing.ContentHash == v.ContentHash &&
			existing.VersionType == v.VersionType &&
			existing.ParentVersionID == v.ParentVersionID {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.versions[v.ID] = &cp
	out := cp
	return &out, true, nil
}

// GetVersion implements version.Store.
func (s *Store) GetVersion(_ context.Context, versionID string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, version.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// FindSourceByHash implements version.Store.
func (s *Store) FindSourceByHash(_ context.Context, templateID, contentHash string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.TemplateID == templateID && v.ContentHash == contentHash && v.VersionType != version.TypeResolved {
			cp := *v
			return &cp, nil
		}
	}
	return nil, version.ErrNotFound
}

// LatestSource implements version.Store.
func (s *Store) LatestSource(_ context.Context, templateID string) (*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *version.Version
	for _, v := range s.versions {
		if v.TemplateID != templateID || v.VersionType == version.TypeResolved {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, version.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// ResolvedChildren implements version.Store.
func (s *Store) ResolvedChildren(_ context.Context, parentVersionID string) ([]*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*version.Version
	for _, v := range s.versions {
		if v.ParentVersionID == parentVersionID && v.VersionType == version.TypeResolved {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PromoteToUnresolved implements version.Store.
func (s *Store) PromoteToUnresolved(_ context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return version.ErrNotFound
	}
	if v.VersionType == version.TypeRaw {
		v.VersionType = version.TypeUnresolved
	}
	return nil
}

// ListSourceVersions implements version.Store.
func (s *Store) ListSourceVersions(_ context.Context, templateID string) ([]*version.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*version.Version
	for _, v := range s.versions {
		if v.TemplateID == templateID && v.VersionType != version.TypeResolved {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendHistory implements version.Store.
func (s *Store) AppendHistory(_ context.Context, e *version.HistoryEntry) error {
	if e == nil || e.RunID == "" {
		return fmt.Errorf("history entry with run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.history[e.RunID] = append(s.history[e.RunID], &cp)
	return nil
}

// History implements version.Store.
func (s *Store) History(_ context.Context, runID string) ([]*version.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[runID]
	out := make([]*version.HistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
