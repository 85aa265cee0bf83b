package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/prompt"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

type recordingBuilder struct {
	requests []prompt.Request
	prompt   string
	err      error
}

func (b *recordingBuilder) Build(ctx context.Context, req prompt.Request) (string, error) {
	b.requests = append(b.requests, req)
	return b.prompt, b.err
}

func newTestDispatcher(t *testing.T, builder prompt.Builder) (*Dispatcher, *taskstore.MemoryStore, *messagebus.MemoryBus) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	catalog := agents.NewStaticCatalog(
		&agents.Definition{ID: "DevOps_Agent", Name: "DevOps", Provider: "gemini", Timeout: 900},
		&agents.Definition{ID: "Support_Agent", Name: "Support"},
	)
	pool := worker.NewPool(2, zap.NewNop())
	t.Cleanup(pool.StopAll)
	bus := messagebus.NewMemoryBus()

	d := NewDispatcher(catalog, store, builder, pool,
		WithEvents(bus),
		WithMetrics(metrics.NewMetrics()),
		WithWorkingDir("/srv/ops"),
		WithLogger(zap.NewNop()))
	return d, store, bus
}

func TestDispatch_NewConversation(t *testing.T) {
	builder := &recordingBuilder{prompt: "<prompt>investigate</prompt>"}
	d, store, bus := newTestDispatcher(t, builder)

	res, err := d.Dispatch(context.Background(), Request{TargetAgentID: "DevOps_Agent", Input: "disk full on node-3"})
	require.NoError(t, err)

	assert.Equal(t, "pending", res.Status)
	assert.Equal(t, "DevOps_Agent", res.TargetAgentID)
	assert.NotEmpty(t, res.ConversationID)
	assert.Regexp(t, regexp.MustCompile(`^dispatch-\d+-[a-z]{6}$`), res.InstanceID)

	require.Len(t, builder.requests, 1)
	assert.False(t, builder.requests[0].IncludeHistory, "a fresh conversation has no history")
	assert.Equal(t, "disk full on node-3", builder.requests[0].Input)

	task, err := store.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "gemini", task.Provider)
	assert.Equal(t, 900, task.Timeout)
	assert.Equal(t, "/srv/ops", task.CWD)
	assert.Equal(t, messages.SourceDispatchAPI, task.Source)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "<prompt>investigate</prompt>", task.Prompt)

	sp, err := store.GetScreenplay(context.Background(), res.ScreenplayID)
	require.NoError(t, err)
	assert.Equal(t, "[Pulse] DevOps_Agent", sp.Title)

	_, err = store.GetConversation(context.Background(), res.ConversationID)
	assert.NoError(t, err)
	assert.Len(t, bus.Events(messages.EventTaskDispatched), 1)
}

func TestDispatch_ContinuesConversation(t *testing.T) {
	builder := &recordingBuilder{prompt: "p"}
	d, _, _ := newTestDispatcher(t, builder)

	res, err := d.Dispatch(context.Background(), Request{
		TargetAgentID:  "Support_Agent",
		Input:          "follow up",
		ConversationID: "conv-9",
		ScreenplayID:   "sp-9",
	})
	require.NoError(t, err)

	assert.Equal(t, "conv-9", res.ConversationID)
	assert.Equal(t, "sp-9", res.ScreenplayID)
	require.Len(t, builder.requests, 1)
	assert.True(t, builder.requests[0].IncludeHistory)
}

func TestDispatch_CouncilorIsStateless(t *testing.T) {
	builder := &recordingBuilder{prompt: "<alert/>"}
	d, store, _ := newTestDispatcher(t, builder)

	res, err := d.Dispatch(context.Background(), Request{
		TargetAgentID:  "Support_Agent",
		Input:          "PROACTIVE SYSTEM ALERT",
		ConversationID: "ignored",
		Source:         messages.SourcePulse,
		Councilor:      true,
	})
	require.NoError(t, err)

	assert.Empty(t, res.ConversationID)
	assert.Empty(t, res.ScreenplayID)
	require.Len(t, builder.requests, 1)
	assert.False(t, builder.requests[0].IncludeHistory)

	task, err := store.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.True(t, task.IsCouncilorExecution)
	assert.Equal(t, messages.SourcePulse, task.Source)
	assert.Empty(t, task.ConversationID)
	assert.Empty(t, task.ScreenplayID)
	assert.NotEmpty(t, task.InstanceID)

	_, err = store.GetConversation(context.Background(), "ignored")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestDispatch_UnknownAgent(t *testing.T) {
	d, store, _ := newTestDispatcher(t, &recordingBuilder{prompt: "p"})
	before := testutil.ToFloat64(metrics.NewMetrics().DispatchTotal.WithLabelValues(ResultNotFound))

	_, err := d.Dispatch(context.Background(), Request{TargetAgentID: "Ghost", Input: "x"})

	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperr.HTTPStatus(err))
	assert.Zero(t, store.TaskCount())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NewMetrics().DispatchTotal.WithLabelValues(ResultNotFound)))
}

func TestDispatch_Validation(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &recordingBuilder{prompt: "p"})

	_, err := d.Dispatch(context.Background(), Request{TargetAgentID: "DevOps_Agent"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = d.Dispatch(context.Background(), Request{Input: "x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDispatch_EmptyPrompt(t *testing.T) {
	d, store, _ := newTestDispatcher(t, &recordingBuilder{prompt: ""})

	_, err := d.Dispatch(context.Background(), Request{TargetAgentID: "DevOps_Agent", Input: "x"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, prompt.ErrEmptyPrompt))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
	assert.Zero(t, store.TaskCount())
}

func TestDispatch_PromptServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream restarting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, prompt.NewHTTPBuilder(srv.URL, 0))

	_, err := d.Dispatch(context.Background(), Request{TargetAgentID: "DevOps_Agent", Input: "x"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		label string
		kind  apperr.Kind
	}{
		{apperr.NotFound("agent x"), ResultNotFound, apperr.KindNotFound},
		{apperr.New(apperr.KindValidation, "bad"), ResultInvalid, apperr.KindValidation},
		{fmt.Errorf("insert: %w", errors.New("dial tcp 10.0.0.1:27017: connection refused")), ResultUnavailable, apperr.KindUnavailable},
		{errors.New("boom"), ResultError, apperr.KindInternal},
	}
	for _, tc := range tests {
		label, err := classify(tc.err)
		assert.Equal(t, tc.label, label, tc.err.Error())
		assert.Equal(t, tc.kind, apperr.KindOf(err), tc.err.Error())
	}
}
