// Package inmem provides an in-memory implementation of branch.Store for
// tests and local development.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/branch"
	"github.com/loomworks/loom/runtime/ids"
)

// Store implements branch.Store in memory.
type Store struct {
	mu       sync.Mutex
	branches map[string]*branch.Branch
	byRun    map[string][]string
}

// New returns a new in-memory branch store.
func New() *Store {
	return &Store{
		branches: make(map[string]*branch.Branch),
		byRun:    make(map[string][]string),
	}
}

// CreateRoot implements branch.Store.
func (s *Store) CreateRoot(_ context.Context, runID string) (*branch.Branch, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	id := ids.NewBranchID()
	b := &branch.Branch{
		ID:        id,
		RunID:     runID,
		Lineage:   []branch.Ancestor{{BranchID: id}},
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[id] = b
	s.byRun[runID] = append(s.byRun[runID], id)
	return copyBranch(b), nil
}

// CreateChild implements branch.Store.
func (s *Store) CreateChild(_ context.Context, runID, parentID, cutoff string) (*branch.Branch, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.branches[parentID]
	if !ok || parent.RunID != runID {
		return nil, branch.ErrNotFound
	}
	id := ids.NewBranchID()
	b := &branch.Branch{
		ID:        id,
		RunID:     runID,
		Lineage:   branch.ChildLineage(parent, id, cutoff),
		CreatedAt: time.Now().UTC(),
	}
	s.branches[id] = b
	s.byRun[runID] = append(s.byRun[runID], id)
	return copyBranch(b), nil
}

// Get implements branch.Store.
func (s *Store) Get(_ context.Context, branchID string) (*branch.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchID]
	if !ok {
		return nil, branch.ErrNotFound
	}
	return copyBranch(b), nil
}

// DeleteByRun implements branch.Store.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byRun[runID] {
		delete(s.branches, id)
	}
	delete(s.byRun, runID)
	return nil
}

func copyBranch(b *branch.Branch) *branch.Branch {
	cp := *b
	cp.Lineage = append([]branch.Ancestor(nil), b.Lineage...)
	return &cp
}
