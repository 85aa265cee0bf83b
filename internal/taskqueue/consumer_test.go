package taskqueue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/idempotency"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/prompt"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

type builderFunc func(ctx context.Context, req prompt.Request) (string, error)

func (f builderFunc) Build(ctx context.Context, req prompt.Request) (string, error) { return f(ctx, req) }

type consumerHarness struct {
	store    *taskstore.MemoryStore
	redis    *miniredis.Miniredis
	claimer  *idempotency.RedisClaimer
	bus      *messagebus.MemoryBus
	stats    *Stats
	broker   *fakeBroker
	consumer *Consumer
}

func newConsumerHarness(t *testing.T, prompts prompt.Builder) *consumerHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := taskstore.NewMemoryStore()
	catalog := agents.NewStaticCatalog(
		&agents.Definition{ID: "Coder", Name: "Coder", Provider: "gemini", Timeout: 600},
		&agents.Definition{ID: "Support_Agent", Name: "Support"},
	)
	if prompts == nil {
		prompts = prompt.NewTemplateBuilder(catalog, store, 0)
	}

	h := &consumerHarness{
		store:   store,
		redis:   mr,
		claimer: idempotency.NewRedisClaimerFromClient(client, idempotency.Config{}, zap.NewNop()),
		bus:     messagebus.NewMemoryBus(),
		stats:   NewStats(metrics.NewMetrics()),
		broker:  &fakeBroker{},
	}
	pool := worker.NewPool(4, zap.NewNop())
	t.Cleanup(pool.StopAll)

	h.consumer = NewConsumer(ConsumerConfig{
		Topology:     NewTopology("amqp://test", WithDialer(h.broker.dial)),
		Store:        store,
		Claimer:      h.claimer,
		Catalog:      catalog,
		Prompts:      prompts,
		Pool:         pool,
		Events:       h.bus,
		Stats:        h.stats,
		Metrics:      metrics.NewMetrics(),
		WorkingDir:   "/srv/work",
		RetryDelay:   10 * time.Millisecond,
		RequeueDelay: time.Millisecond,
		Logger:       zap.NewNop(),
	})
	return h
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, msg *messages.TaskMessage) amqp.Delivery {
	t.Helper()
	body, err := msg.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, MessageId: msg.IdempotencyKey, Body: body}
}

func TestHandle_SubmitsTask(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}

	msg := messages.NewTaskMessage("t-1", "Coder", "refactor the parser")
	msg.Source = messages.SourceAgentChain
	msg.ParentTaskID = "t-0"

	outcome := h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg))
	require.Equal(t, metrics.OutcomeConsumed, outcome)

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	task, err := h.store.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "gemini", task.Provider)
	assert.Equal(t, 600, task.Timeout)
	assert.Equal(t, "/srv/work", task.CWD)
	assert.Equal(t, msg.ConversationID, task.ConversationID)
	assert.Equal(t, msg.IdempotencyKey, task.IdempotencyKey)
	assert.Equal(t, messages.SourceAgentChain, task.Source)
	assert.Equal(t, "t-0", task.ParentTaskID)
	assert.Regexp(t, regexp.MustCompile(`^queue-\d+-[a-z]{6}$`), task.InstanceID)

	sp, err := h.store.GetScreenplay(context.Background(), task.ScreenplayID)
	require.NoError(t, err)
	assert.Equal(t, "[TaskQueue] Coder", sp.Title)
	assert.Equal(t, "/srv/work", sp.WorkingDirectory)

	assert.Contains(t, task.Prompt, "refactor the parser")
	assert.Contains(t, task.Prompt, `parent_task_id: "t-1"`)
	assert.Contains(t, task.Prompt, `screenplay_id: "`+task.ScreenplayID+`"`)

	conv, err := h.store.GetConversation(context.Background(), msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationID, conv.ConversationID)

	owner, err := h.claimer.Owner(context.Background(), msg.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "t-1", owner)

	assert.Equal(t, int64(1), h.stats.Snapshot(true, true).Consumed)
	assert.Len(t, h.bus.Events(messages.EventTaskSubmitted), 1)
}

func TestHandle_RedeliveryIsDeduplicated(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-1", "Coder", "x")

	assert.Equal(t, metrics.OutcomeConsumed, h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg)))
	assert.Equal(t, metrics.OutcomeDeduplicated, h.consumer.Handle(context.Background(), delivery(t, ack, 2, msg)))

	assert.Equal(t, 1, h.store.TaskCount())
	acks, nacks := ack.counts()
	assert.Equal(t, 2, acks)
	assert.Zero(t, nacks)

	snap := h.stats.Snapshot(true, true)
	assert.Equal(t, int64(1), snap.Consumed)
	assert.Equal(t, int64(1), snap.Deduplicated)
	assert.Len(t, h.bus.Events(messages.EventTaskDeduplicated), 1)
}

func TestHandle_RedeliveryAfterCrashResumes(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-crash", "Coder", "x")

	// The previous consumer claimed the key and died before inserting.
	claimed, err := h.claimer.Claim(context.Background(), msg.IdempotencyKey, msg.TaskID)
	require.NoError(t, err)
	require.True(t, claimed)

	d := delivery(t, ack, 1, msg)
	d.Redelivered = true
	assert.Equal(t, metrics.OutcomeConsumed, h.consumer.Handle(context.Background(), d))

	_, err = h.store.GetTask(context.Background(), "t-crash")
	require.NoError(t, err)
	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
}

func TestHandle_ClaimHeldByUnfinishedTaskRequeues(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-1", "Coder", "x")

	claimed, err := h.claimer.Claim(context.Background(), msg.IdempotencyKey, "other-task")
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, metrics.OutcomeRequeued, h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg)))

	acks, nacks := ack.counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, []bool{true}, ack.requeued)
	assert.Zero(t, h.store.TaskCount())
	assert.Empty(t, h.bus.Events(messages.EventTaskDeduplicated))
	assert.Empty(t, h.bus.Events(messages.EventTaskDeadLettered))

	owner, err := h.claimer.Owner(context.Background(), msg.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "other-task", owner)
}

func TestHandle_TimeoutReleasesClaim(t *testing.T) {
	h := newConsumerHarness(t, builderFunc(func(ctx context.Context, req prompt.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	h.consumer.handleTimeout = 50 * time.Millisecond
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-slow", "Coder", "x")

	assert.Equal(t, metrics.OutcomeFailed, h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg)))

	owner, err := h.claimer.Owner(context.Background(), msg.IdempotencyKey)
	require.NoError(t, err)
	assert.Empty(t, owner, "claim must not outlive a timed out delivery")
}

func TestHandle_RedisDownFallsBackToStore(t *testing.T) {
	h := newConsumerHarness(t, nil)
	h.redis.Close()
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-1", "Coder", "x")

	assert.Equal(t, metrics.OutcomeConsumed, h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg)))
	assert.Equal(t, metrics.OutcomeDeduplicated, h.consumer.Handle(context.Background(), delivery(t, ack, 2, msg)))
	assert.Equal(t, 1, h.store.TaskCount())
}

func TestHandle_UnknownAgentDeadLetters(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-1", "Ghost_Agent", "x")

	assert.Equal(t, metrics.OutcomeFailed, h.consumer.Handle(context.Background(), delivery(t, ack, 7, msg)))

	acks, nacks := ack.counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, []bool{false}, ack.requeued)
	assert.Zero(t, h.store.TaskCount())

	owner, err := h.claimer.Owner(context.Background(), msg.IdempotencyKey)
	require.NoError(t, err)
	assert.Empty(t, owner, "claim is released so a corrected redelivery can run")

	assert.Equal(t, int64(1), h.stats.Snapshot(true, true).Failed)
	require.Len(t, h.bus.Events(messages.EventTaskDeadLettered), 1)
}

func TestHandle_UndecodableBody(t *testing.T) {
	h := newConsumerHarness(t, nil)
	ack := &fakeAcknowledger{}

	outcome := h.consumer.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{not json")})

	assert.Equal(t, metrics.OutcomeFailed, outcome)
	_, nacks := ack.counts()
	assert.Equal(t, 1, nacks)
}

func TestHandle_EmptyPromptDeadLetters(t *testing.T) {
	h := newConsumerHarness(t, builderFunc(func(ctx context.Context, req prompt.Request) (string, error) {
		return "   ", nil
	}))
	ack := &fakeAcknowledger{}

	outcome := h.consumer.Handle(context.Background(), delivery(t, ack, 1, messages.NewTaskMessage("t-1", "Coder", "x")))

	assert.Equal(t, metrics.OutcomeFailed, outcome)
	assert.Zero(t, h.store.TaskCount())
	events := h.bus.Events(messages.EventTaskDeadLettered)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Event.Description, "empty prompt")
}

func TestHandle_BuildsPromptWithHistory(t *testing.T) {
	var got prompt.Request
	h := newConsumerHarness(t, builderFunc(func(ctx context.Context, req prompt.Request) (string, error) {
		got = req
		return "<prompt/>", nil
	}))
	ack := &fakeAcknowledger{}

	msg := messages.NewTaskMessage("t-1", "Support_Agent", "check the logs")
	msg.ScreenplayID = "sp-existing"
	msg.InstanceID = "inst-42"

	require.Equal(t, metrics.OutcomeConsumed, h.consumer.Handle(context.Background(), delivery(t, ack, 1, msg)))

	assert.True(t, got.IncludeHistory)
	assert.Equal(t, "sp-existing", got.ScreenplayID)
	assert.Equal(t, msg.ConversationID, got.ConversationID)
	assert.Contains(t, got.Input, "check the logs\n\n---\n")

	task, err := h.store.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-42", task.InstanceID)
	assert.Equal(t, "sp-existing", task.ScreenplayID)
	assert.Equal(t, agents.DefaultProvider, task.Provider)
	assert.Equal(t, models.DefaultTaskTimeout, task.Timeout)
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	h := newConsumerHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return h.broker.last() != nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.consumer.Running, time.Second, 5*time.Millisecond)

	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-run", "Coder", "x")
	select {
	case h.broker.last().deliveries <- delivery(t, ack, 1, msg):
	case <-time.After(time.Second):
		t.Fatal("consumer never started consuming")
	}

	require.Eventually(t, func() bool { return h.store.TaskCount() == 1 }, time.Second, 5*time.Millisecond)
	conn := h.broker.last()
	assert.Equal(t, 1, conn.channel(1).prefetch)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.consumer.Running())
	acks, _ := ack.counts()
	assert.Equal(t, 1, acks)
}

func TestRun_FinishesInFlightDeliveryOnShutdown(t *testing.T) {
	building := make(chan struct{})
	release := make(chan struct{})
	h := newConsumerHarness(t, builderFunc(func(ctx context.Context, req prompt.Request) (string, error) {
		close(building)
		<-release
		return "<prompt/>", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return h.broker.last() != nil }, time.Second, 5*time.Millisecond)

	ack := &fakeAcknowledger{}
	msg := messages.NewTaskMessage("t-shutdown", "Coder", "x")
	select {
	case h.broker.last().deliveries <- delivery(t, ack, 1, msg):
	case <-time.After(time.Second):
		t.Fatal("consumer never started consuming")
	}

	select {
	case <-building:
	case <-time.After(time.Second):
		t.Fatal("prompt build never started")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight delivery was settled")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the delivery finished")
	}

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Equal(t, 1, h.store.TaskCount())
}
