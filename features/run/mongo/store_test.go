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

	"github.com/loomworks/loom/runtime/run"
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

func newRun(id, userID string) *run.Run {
	return &run.Run{
		ID:           id,
		UserID:       userID,
		ProjectName:  "project",
		TemplateName: "article",
		BranchID:     "br-" + id,
		Status:       run.StatusProcessing,
		Visible:      true,
	}
}

func TestCreateGetUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := newRun("run-1", "user-1")
	r.AIConfig = map[string]any{"provider": "anthropic"}
	require.NoError(t, s.Create(ctx, r))
	require.False(t, r.CreatedAt.IsZero(), "create should stamp created_at")

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)
	require.Equal(t, r.UserID, got.UserID)
	require.Equal(t, r.TemplateName, got.TemplateName)
	require.Equal(t, r.BranchID, got.BranchID)
	require.Equal(t, run.StatusProcessing, got.Status)
	require.Equal(t, map[string]any{"provider": "anthropic"}, got.AIConfig)
	require.True(t, got.Visible)
	require.Nil(t, got.CompletedAt)
	require.WithinDuration(t, r.CreatedAt, got.CreatedAt, time.Second)

	got.Status = run.StatusAwaitingInput
	got.CurrentStepID = "angle"
	got.CurrentModule = "loom.selection"
	require.NoError(t, s.Update(ctx, got))

	updated, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingInput, updated.Status)
	require.Equal(t, "angle", updated.CurrentStepID)
	require.Equal(t, "loom.selection", updated.CurrentModule)

	require.ErrorIs(t, s.Update(ctx, newRun("run-missing", "user-1")), run.ErrNotFound)
	_, err = s.Get(ctx, "run-missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestFindByTriple(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	done := newRun("run-done", "user-1")
	done.Status = run.StatusCompleted
	require.NoError(t, s.Create(ctx, done))

	hidden := newRun("run-hidden", "user-1")
	hidden.Visible = false
	require.NoError(t, s.Create(ctx, hidden))

	active := newRun("run-active", "user-1")
	require.NoError(t, s.Create(ctx, active))

	got, err := s.FindByTriple(ctx, "user-1", "article", "project")
	require.NoError(t, err)
	require.Equal(t, "run-active", got.ID, "terminal and hidden runs must not match")

	_, err = s.FindByTriple(ctx, "user-2", "article", "project")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	active := newRun("run-a", "user-1")
	require.NoError(t, s.Create(ctx, active))
	done := newRun("run-b", "user-1")
	done.Status = run.StatusCompleted
	require.NoError(t, s.Create(ctx, done))
	hidden := newRun("run-c", "user-1")
	hidden.Visible = false
	require.NoError(t, s.Create(ctx, hidden))
	other := newRun("run-d", "user-2")
	require.NoError(t, s.Create(ctx, other))

	mine, err := s.List(ctx, run.ListFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2, "hidden runs stay out without IncludeHidden")

	activeOnly, err := s.List(ctx, run.ListFilter{UserID: "user-1", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	require.Equal(t, "run-a", activeOnly[0].ID)

	withHidden, err := s.List(ctx, run.ListFilter{UserID: "user-1", IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, withHidden, 3)

	everyone, err := s.List(ctx, run.ListFilter{})
	require.NoError(t, err)
	require.Len(t, everyone, 3)
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRun("run-1", "user-1")))
	require.NoError(t, s.Delete(ctx, "run-1"))
	_, err := s.Get(ctx, "run-1")
	require.ErrorIs(t, err, run.ErrNotFound)

	// Deleting an absent run is not an error.
	require.NoError(t, s.Delete(ctx, "run-1"))
}
