package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/loomworks/loom/runtime/usage"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("LOOM_MONGO_URI")
	if uri == "" {
		t.Skip("LOOM_MONGO_URI not set, skipping MongoDB test")
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(context.Background(), readpref.Primary()))
	require.NoError(t, client.Database("loom_test").Collection(t.Name()).Drop(context.Background()))

	s, err := New(Options{Client: client, Database: "loom_test", Collection: t.Name()})
	require.NoError(t, err)
	return s
}

func TestRecordAndTotals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.EqualError(t, s.Record(ctx, nil), "record with run id is required")
	require.EqualError(t, s.Record(ctx, &usage.Record{ModuleName: "text"}), "record with run id is required")

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID:            "run-1",
		ModuleName:       "text_generation",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     1200,
		CompletionTokens: 450,
		CreatedAt:        base.Add(-time.Minute),
	}))
	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID:            "run-1",
		ModuleName:       "summary",
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		PromptTokens:     300,
		CompletionTokens: 80,
		CreatedAt:        base,
	}))
	require.NoError(t, s.Record(ctx, &usage.Record{
		RunID:        "run-2",
		ModuleName:   "text_generation",
		PromptTokens: 999,
	}))

	records, err := s.ForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "text_generation", records[0].ModuleName, "oldest first")
	require.Equal(t, "anthropic", records[0].Provider)
	require.Equal(t, int64(1200), records[0].PromptTokens)
	require.Equal(t, "summary", records[1].ModuleName)

	totals, err := s.TotalsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(1500), totals.PromptTokens)
	require.Equal(t, int64(530), totals.CompletionTokens)
	require.Equal(t, int64(2), totals.Calls)

	require.NoError(t, s.DeleteByRun(ctx, "run-1"))
	records, err = s.ForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Empty(t, records)

	// Other runs are untouched.
	totals, err = s.TotalsForRun(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Calls)
}
