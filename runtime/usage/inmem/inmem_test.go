package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/usage"
	"github.com/loomworks/loom/runtime/usage/inmem"
)

func TestRecordAndTotals(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID: "run-1", ModuleName: "drafter", Provider: "anthropic", Model: "claude",
		PromptTokens: 100, CompletionTokens: 40,
	}))
	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID: "run-1", ModuleName: "outliner", Provider: "openai", Model: "gpt",
		PromptTokens: 50, CompletionTokens: 10,
	}))
	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID: "run-2", ModuleName: "drafter", Provider: "anthropic", Model: "claude",
		PromptTokens: 999, CompletionTokens: 999,
	}))

	recs, err := s.ForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "drafter", recs[0].ModuleName)
	require.Equal(t, "outliner", recs[1].ModuleName)
	require.False(t, recs[0].CreatedAt.IsZero())

	totals, err := s.TotalsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), totals.PromptTokens)
	require.Equal(t, int64(50), totals.CompletionTokens)
	require.Equal(t, int64(2), totals.Calls)
	require.Equal(t, int64(200), totals.TotalTokens())
}

func TestTotalsForEmptyRun(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	totals, err := s.TotalsForRun(ctx, "run-none")
	require.NoError(t, err)
	require.Zero(t, totals.Calls)
	require.Zero(t, totals.TotalTokens())
}

func TestDeleteByRun(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	require.NoError(t, s.Record(ctx, &usage.Record{RunID: "run-1", ModuleName: "m", PromptTokens: 1}))
	require.NoError(t, s.Record(ctx, &usage.Record{RunID: "run-2", ModuleName: "m", PromptTokens: 1}))

	require.NoError(t, s.DeleteByRun(ctx, "run-1"))

	recs, err := s.ForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Empty(t, recs)

	recs, err = s.ForRun(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
