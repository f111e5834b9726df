// Package inmem provides the in-memory usage store used by tests.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/usage"
)

// Store is a mutex-guarded usage store.
type Store struct {
	mu      sync.Mutex
	records map[string][]*usage.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string][]*usage.Record)}
}

// Record implements usage.Store.
func (s *Store) Record(_ context.Context, rec *usage.Record) error {
	c := *rec
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.records[c.RunID] = append(s.records[c.RunID], &c)
	s.mu.Unlock()
	return nil
}

// ForRun implements usage.Store.
func (s *Store) ForRun(_ context.Context, runID string) ([]*usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[runID]
	out := make([]*usage.Record, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	return out, nil
}

// TotalsForRun implements usage.Store.
func (s *Store) TotalsForRun(_ context.Context, runID string) (*usage.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := &usage.Totals{}
	for _, r := range s.records[runID] {
		totals.PromptTokens += r.PromptTokens
		totals.CompletionTokens += r.CompletionTokens
		totals.Calls++
	}
	return totals, nil
}

// DeleteByRun implements usage.Store.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.records, runID)
	s.mu.Unlock()
	return nil
}
