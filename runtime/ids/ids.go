// Package ids generates the identifiers used across the engine.
//
// Event identifiers are UUIDv7 strings: the leading bits encode a millisecond
// timestamp, so the lexical order of the canonical hex encoding equals time
// order. Total order within a run therefore equals string order, which the
// state deriver relies on when merging events across branches.
//
// UUIDv7 alone does not guarantee strict per-run monotonicity when two ids
// are drawn within the same millisecond. The Generator closes that gap for
// the single-writer-per-run discipline: it remembers the last id handed out
// per run and redraws until the new id sorts strictly higher.
package ids

import (
	"sync"

	"github.com/google/uuid"
)

// Generator hands out strictly increasing event ids per run.
// Safe for concurrent use.
type Generator struct {
	mu   sync.Mutex
	last map[string]string
}

// NewGenerator returns a Generator with no per-run history.
func NewGenerator() *Generator {
	return &Generator{last: make(map[string]string)}
}

// EventID returns a time-sortable id strictly greater than any id previously
// returned for runID by this generator.
func (g *Generator) EventID(runID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := newV7()
		if id > g.last[runID] {
			g.last[runID] = id
			return id
		}
	}
}

// Observe records an externally produced id (for example one read back from
// the store on resume) so subsequent EventID calls sort after it.
func (g *Generator) Observe(runID, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.last[runID] {
		g.last[runID] = id
	}
}

// Forget drops the per-run history, releasing memory for completed runs.
func (g *Generator) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, runID)
}

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is exhausted; fall back to
		// the always-available v4 with a zero time prefix rather than panic.
		return uuid.New().String()
	}
	return id.String()
}

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }

// NewBranchID returns a fresh branch identifier.
func NewBranchID() string { return "br-" + uuid.NewString() }

// NewInteractionID returns a fresh interaction identifier.
func NewInteractionID() string { return "int-" + uuid.NewString() }

// NewExecutionID returns a fresh sub-action execution identifier.
func NewExecutionID() string { return "exec-" + uuid.NewString() }

// NewTaskID returns a fresh queue task identifier.
func NewTaskID() string { return "task-" + uuid.NewString() }

// NewVersionID returns a fresh workflow version identifier.
func NewVersionID() string { return "wfv-" + uuid.NewString() }

// NewTemplateID returns a fresh workflow template identifier.
func NewTemplateID() string { return "wft-" + uuid.NewString() }
