// Package inmem provides an in-memory implementation of run.Store for tests
// and local development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/run"
)

// Store implements run.Store in memory.
type Store struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

// New returns a new in-memory run store.
func New() *Store {
	return &Store{runs: make(map[string]*run.Run)}
}

// Create implements run.Store.
func (s *Store) Create(_ context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("run with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %q already exists", r.ID)
	}
	now := time.Now().UTC()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.runs[r.ID] = &cp
	return nil
}

// Get implements run.Store.
func (s *Store) Get(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// FindByTriple implements run.Store.
func (s *Store) FindByTriple(_ context.Context, userID, templateName, projectName string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.UserID == userID && r.TemplateName == templateName && r.ProjectName == projectName && !r.Status.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, run.ErrNotFound
}

// Update implements run.Store.
func (s *Store) Update(_ context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("run with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return run.ErrNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = &cp
	return nil
}

// List implements run.Store.
func (s *Store) List(_ context.Context, f run.ListFilter) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*run.Run
	for _, r := range s.runs {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.ActiveOnly && r.Status.Terminal() {
			continue
		}
		if !f.IncludeHidden && !r.Visible {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete implements run.Store.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}
