// Package inmem provides an in-memory implementation of event.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/runtime/event"
)

// Store implements event.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-run events ordered by append; Query re-sorts by ID.
	events map[string][]*event.Event
	ids    map[string]map[string]struct{}
}

// New returns a new in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[string][]*event.Event),
		ids:    make(map[string]map[string]struct{}),
	}
}

// Append implements event.Store.
func (s *Store) Append(_ context.Context, e *event.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if e.BranchID == "" {
		return fmt.Errorf("branch id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.ids[e.RunID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.ids[e.RunID] = seen
	}
	if _, dup := seen[e.ID]; dup {
		return fmt.Errorf("duplicate event id %q for run %q", e.ID, e.RunID)
	}
	seen[e.ID] = struct{}{}

	cp := *e
	if e.Data != nil {
		cp.Data = deepCopyMap(e.Data)
	}
	s.events[e.RunID] = append(s.events[e.RunID], &cp)
	return nil
}

// Latest implements event.Store.
func (s *Store) Latest(_ context.Context, runID string, types ...event.Type) (*event.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *event.Event
	for _, e := range s.events[runID] {
		if len(types) > 0 && !typeIn(e.Type, types) {
			continue
		}
		if best == nil || e.ID > best.ID {
			best = e
		}
	}
	if best == nil {
		return nil, event.ErrNotFound
	}
	cp := *best
	cp.Data = deepCopyMap(best.Data)
	return &cp, nil
}

// Query implements event.Store.
func (s *Store) Query(_ context.Context, runID string, f event.Filter, limit int) ([]*event.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*event.Event
	for _, e := range s.events[runID] {
		if !f.Matches(e) {
			continue
		}
		cp := *e
		cp.Data = deepCopyMap(e.Data)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteByRun implements event.Store.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, runID)
	delete(s.ids, runID)
	return nil
}

func typeIn(t event.Type, types []event.Type) bool {
	for _, c := range types {
		if t == c {
			return true
		}
	}
	return false
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
