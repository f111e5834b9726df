package branch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/branch"
)

func TestChildLineageAssignsParentCutoff(t *testing.T) {
	parent := &branch.Branch{
		ID:    "br-b",
		RunID: "run-1",
		Lineage: []branch.Ancestor{
			{BranchID: "br-a", Cutoff: "05"},
			{BranchID: "br-b"},
		},
	}

	lineage := branch.ChildLineage(parent, "br-c", "09")
	require.Equal(t, []branch.Ancestor{
		{BranchID: "br-a", Cutoff: "05"},
		{BranchID: "br-b", Cutoff: "09"},
		{BranchID: "br-c"},
	}, lineage)

	// The parent's lineage is not mutated by the fork.
	require.Empty(t, parent.Lineage[1].Cutoff)
}

func TestChildLineageEmptyCutoffInheritsEverything(t *testing.T) {
	parent := &branch.Branch{
		ID:      "br-a",
		RunID:   "run-1",
		Lineage: []branch.Ancestor{{BranchID: "br-a"}},
	}

	lineage := branch.ChildLineage(parent, "br-b", "")
	require.Equal(t, []branch.Ancestor{
		{BranchID: "br-a"},
		{BranchID: "br-b"},
	}, lineage)
}

func TestIncludesHonorsCutoffs(t *testing.T) {
	b := &branch.Branch{
		ID:    "br-c",
		RunID: "run-1",
		Lineage: []branch.Ancestor{
			{BranchID: "br-a", Cutoff: "05"},
			{BranchID: "br-b", Cutoff: "09"},
			{BranchID: "br-c"},
		},
	}

	require.True(t, b.Includes("br-a", "03"))
	require.True(t, b.Includes("br-a", "05"), "cutoff is inclusive")
	require.False(t, b.Includes("br-a", "06"))
	require.True(t, b.Includes("br-b", "09"))
	require.False(t, b.Includes("br-b", "10"))
	require.True(t, b.Includes("br-c", "99"), "own events are unbounded")
	require.False(t, b.Includes("br-x", "01"), "foreign branches are invisible")
}

func TestBranchIDs(t *testing.T) {
	b := &branch.Branch{
		Lineage: []branch.Ancestor{
			{BranchID: "br-a", Cutoff: "05"},
			{BranchID: "br-b"},
		},
	}
	require.Equal(t, []string{"br-a", "br-b"}, b.BranchIDs())
}
