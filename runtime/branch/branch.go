// Package branch defines the branch graph: partial viewports onto a run's
// event log. A branch carries an ordered lineage of ancestors, each with an
// inclusive cutoff event id; replaying the lineage with cutoffs applied
// yields the branch's total-ordered history. Branches are never mutated
// after creation; time travel forks new branches instead.
package branch

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a branch lookup misses.
var ErrNotFound = errors.New("branch not found")

type (
	// Ancestor is one entry of a branch's lineage.
	Ancestor struct {
		// BranchID identifies the ancestor branch.
		BranchID string
		// Cutoff is the inclusive upper bound on event ids contributed by
		// this ancestor. Empty means "every event on the branch". The final
		// lineage entry (the branch itself) always has an empty cutoff.
		Cutoff string
	}

	// Branch is a viewport onto a run's event log.
	Branch struct {
		// ID is the branch identifier.
		ID string
		// RunID is the run the branch belongs to.
		RunID string
		// Lineage lists ancestors from root to self. The last entry is the
		// branch itself with an empty cutoff.
		Lineage []Ancestor
		// CreatedAt is the creation time.
		CreatedAt time.Time
	}

	// Store persists the branch graph.
	Store interface {
		// CreateRoot creates the run's root branch with lineage [(self, "")].
		CreateRoot(ctx context.Context, runID string) (*Branch, error)

		// CreateChild forks a child of parentID. The child's lineage is the
		// parent's lineage with the parent's own entry assigned the given
		// cutoff (empty for "everything so far") followed by (self, "").
		CreateChild(ctx context.Context, runID, parentID, cutoff string) (*Branch, error)

		// Get returns the branch with the given id.
		Get(ctx context.Context, branchID string) (*Branch, error)

		// DeleteByRun removes every branch for the run.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// ChildLineage computes the lineage of a child forked from parent at cutoff.
// Store implementations share this so the fork rule lives in one place.
func ChildLineage(parent *Branch, childID, cutoff string) []Ancestor {
	lineage := make([]Ancestor, 0, len(parent.Lineage)+1)
	for _, a := range parent.Lineage {
		if a.BranchID == parent.ID {
			a.Cutoff = cutoff
		}
		lineage = append(lineage, a)
	}
	return append(lineage, Ancestor{BranchID: childID})
}

// Includes reports whether an event with the given branch id and event id is
// visible through the branch's lineage.
func (b *Branch) Includes(branchID, eventID string) bool {
	for _, a := range b.Lineage {
		if a.BranchID != branchID {
			continue
		}
		return a.Cutoff == "" || eventID <= a.Cutoff
	}
	return false
}

// BranchIDs returns the lineage's branch ids from root to self.
func (b *Branch) BranchIDs() []string {
	out := make([]string, len(b.Lineage))
	for i, a := range b.Lineage {
		out[i] = a.BranchID
	}
	return out
}
