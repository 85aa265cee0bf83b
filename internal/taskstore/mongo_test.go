package taskstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// newMongoTestStore connects to MONGO_URI (default localhost) with a
// throwaway database, skipping when no server answers.
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB test in short mode")
	}
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	database := "conductor_test_" + NewTaskID()
	store, err := NewMongoStore(ctx, uri, database, zap.NewNop())
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.client.Database(database).Drop(ctx)
		_ = store.Close(ctx)
	})
	return store
}

func TestMongoStore_InsertNilTask(t *testing.T) {
	store := &MongoStore{logger: zap.NewNop()}

	var err error
	require.NotPanics(t, func() {
		err = store.InsertTask(context.Background(), nil)
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMongoStore_IdempotencyIndex(t *testing.T) {
	store := newMongoTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertTask(ctx, validTask("t1", "c1", messages.SourceDispatchAPI, now)))

	dup := validTask("t2", "c1", messages.SourceDispatchAPI, now)
	dup.IdempotencyKey = "key-t1"
	err := store.InsertTask(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	found, err := store.FindTaskByIdempotencyKey(ctx, "key-t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", found.ID)

	// Tasks without a key are outside the partial index.
	for _, id := range []string{"t3", "t4"} {
		task := validTask(id, "c1", messages.SourceDispatchAPI, now)
		task.IdempotencyKey = ""
		require.NoError(t, store.InsertTask(ctx, task))
	}

	_, err = store.GetTask(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMongoStore_RecentTaskSourcesNewestFirst(t *testing.T) {
	store := newMongoTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	sources := []messages.Source{
		messages.SourceDispatchAPI,
		messages.SourceAgentChain,
		messages.SourceAgentChain,
		messages.SourceAgentChain,
	}
	for i, src := range sources {
		id := NewTaskID()
		require.NoError(t, store.InsertTask(ctx, validTask(id, "c1", src, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, store.InsertTask(ctx, validTask(NewTaskID(), "other", messages.SourceDispatchAPI, base)))

	got, err := store.RecentTaskSources(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []messages.Source{
		messages.SourceAgentChain,
		messages.SourceAgentChain,
		messages.SourceAgentChain,
		messages.SourceDispatchAPI,
	}, got)

	got, err = store.RecentTaskSources(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMongoStore_SquadMembers(t *testing.T) {
	store := newMongoTestStore(t)
	ctx := context.Background()

	members, err := store.SquadMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, members)

	for _, agent := range []string{"Planner", "Coder", "Planner"} {
		require.NoError(t, store.AddAgentInstance(ctx, &models.AgentInstance{
			InstanceID:     models.NewInstanceID("queue", time.Now()),
			AgentID:        agent,
			ConversationID: "c1",
			CreatedAt:      time.Now().UTC(),
		}))
	}
	members, err = store.SquadMembers(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Planner", "Coder"}, members)
}

func TestMongoStore_ConversationSettings(t *testing.T) {
	store := newMongoTestStore(t)
	ctx := context.Background()

	_, err := store.UpdateConversationSettings(ctx, "c1", models.SettingsUpdate{})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.EnsureConversation(ctx, "c1"))
	require.NoError(t, store.EnsureConversation(ctx, "c1"))

	depth, auto := 3, false
	conv, err := store.UpdateConversationSettings(ctx, "c1", models.SettingsUpdate{MaxChainDepth: &depth, AutoDelegate: &auto})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationSettings{MaxChainDepth: 3, AutoDelegate: false}, conv.Resolve(10))

	reset := 0
	_, err = store.UpdateConversationSettings(ctx, "c1", models.SettingsUpdate{MaxChainDepth: &reset})
	require.NoError(t, err)
	conv, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, conv.MaxChainDepth)
	assert.Equal(t, 10, conv.Resolve(10).MaxChainDepth)
}

func TestMongoStore_CompleteTask(t *testing.T) {
	store := newMongoTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertTask(ctx, validTask("t1", "c1", messages.SourceDispatchAPI, time.Now().UTC())))
	require.NoError(t, store.CompleteTask(ctx, "t1", "all good", 0, 2*time.Second))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, models.SeveritySuccess, task.Severity)

	assert.True(t, errors.Is(store.CompleteTask(ctx, "missing", "", 1, 0), ErrNotFound))
}
