package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/idempotency"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/prompt"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/telemetry"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

const (
	consumerTag = "conductor-task-consumer"

	// DefaultHandleTimeout bounds the work done for one delivery
	DefaultHandleTimeout = 2 * time.Minute
	// DefaultRequeueDelay is the pause before a delivery whose key is held by
	// an unfinished task goes back to the broker
	DefaultRequeueDelay = time.Second

	releaseTimeout = 5 * time.Second

	// ScreenplayTitlePrefix titles screenplays the consumer creates
	ScreenplayTitlePrefix = "[TaskQueue] "
	// InstancePrefix prefixes instance ids the consumer generates
	InstancePrefix = "queue"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// ConsumerConfig wires a Consumer. Claimer, Events and Logger are optional.
type ConsumerConfig struct {
	Topology      *Topology
	Store         taskstore.Store
	Claimer       idempotency.Claimer
	Catalog       agents.Catalog
	Prompts       prompt.Builder
	Pool          *worker.Pool
	Events        messagebus.EventPublisher
	Stats         *Stats
	Metrics       *metrics.Metrics
	WorkingDir    string
	RetryDelay    time.Duration
	HandleTimeout time.Duration
	RequeueDelay  time.Duration
	Logger        *zap.Logger
}

// Consumer turns queued task messages into task documents. It processes one
// delivery at a time.
type Consumer struct {
	topology      *Topology
	store         taskstore.Store
	claimer       idempotency.Claimer
	catalog       agents.Catalog
	prompts       prompt.Builder
	pool          *worker.Pool
	events        messagebus.EventPublisher
	stats         *Stats
	metrics       *metrics.Metrics
	cwd           string
	retryDelay    time.Duration
	handleTimeout time.Duration
	requeueDelay  time.Duration
	logger        *zap.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewConsumer creates a consumer from cfg
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		topology:      cfg.Topology,
		store:         cfg.Store,
		claimer:       cfg.Claimer,
		catalog:       cfg.Catalog,
		prompts:       cfg.Prompts,
		pool:          cfg.Pool,
		events:        cfg.Events,
		stats:         cfg.Stats,
		metrics:       cfg.Metrics,
		cwd:           cfg.WorkingDir,
		retryDelay:    cfg.RetryDelay,
		handleTimeout: cfg.HandleTimeout,
		requeueDelay:  cfg.RequeueDelay,
		logger:        cfg.Logger,
		now:           time.Now,
	}
	if c.claimer == nil {
		c.claimer = idempotency.Noop{}
	}
	if c.events == nil {
		c.events = messagebus.Noop{}
	}
	if c.stats == nil {
		c.stats = NewStats(cfg.Metrics)
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultReconnectDelay
	}
	if c.handleTimeout <= 0 {
		c.handleTimeout = DefaultHandleTimeout
	}
	if c.requeueDelay <= 0 {
		c.requeueDelay = DefaultRequeueDelay
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "consumer"))
	return c
}

// Running reports whether Run is active
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is done, reconnecting after RetryDelay whenever the
// channel is lost. A delivery being handled when ctx ends is still acked or
// nacked before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		c.logger.Warn("consumer connection lost, retrying",
			zap.Duration("delay", c.retryDelay), zap.Error(err))

		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return nil
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.topology.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", QueueName, err)
	}
	c.logger.Info("consumer listening", zap.String("queue", QueueName))

	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.Handle(handleCtx, d)
		}
	}
}

// Handle processes one delivery, acks or nacks it, and returns the outcome
// (metrics.OutcomeConsumed, OutcomeDeduplicated, OutcomeRequeued or
// OutcomeFailed).
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) string {
	start := c.now()
	ctx, cancel := context.WithTimeout(extractTrace(ctx, d.Headers), c.handleTimeout)
	defer cancel()

	msg, err := messages.DecodeTaskMessage(d.Body)
	if err != nil {
		c.logger.Error("undecodable task message, dead-lettering",
			zap.String("message_id", d.MessageId), zap.Error(err))
		c.settle(d, metrics.OutcomeFailed, nil)
		return c.finish(metrics.OutcomeFailed, start)
	}

	ctx, span := telemetry.StartSpan(ctx, "taskqueue.consume",
		telemetry.AttrTaskID.String(msg.TaskID),
		telemetry.AttrAgentID.String(msg.AgentID),
		telemetry.AttrConversationID.String(msg.ConversationID),
		telemetry.AttrIdempotencyKey.String(msg.IdempotencyKey),
		telemetry.AttrSource.String(string(msg.Source)),
	)
	defer span.End()

	logger := c.logger.With(
		zap.String("task_id", msg.TaskID),
		zap.String("agent_id", msg.AgentID),
		zap.String("idempotency_key", msg.IdempotencyKey))
	logger.Info("consuming task")

	outcome, err := c.process(ctx, msg, logger)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task failed, dead-lettering", zap.Error(err))
	}
	if outcome == metrics.OutcomeRequeued {
		select {
		case <-ctx.Done():
		case <-time.After(c.requeueDelay):
		}
	}
	c.settle(d, outcome, logger)

	switch outcome {
	case metrics.OutcomeDeduplicated:
		c.emit(ctx, messages.TaskDeduplicated(msg, eventSource))
	case metrics.OutcomeFailed:
		reason := "unknown"
		if err != nil {
			reason = err.Error()
		}
		c.emit(ctx, messages.TaskDeadLettered(msg, eventSource, reason))
	}
	return c.finish(outcome, start)
}

func (c *Consumer) process(ctx context.Context, msg *messages.TaskMessage, logger *zap.Logger) (string, error) {
	if c.alreadyStored(ctx, msg, logger) {
		logger.Info("duplicate task skipped")
		return metrics.OutcomeDeduplicated, nil
	}

	holdsClaim := false
	claimed, err := c.claimer.Claim(ctx, msg.IdempotencyKey, msg.TaskID)
	switch {
	case err != nil:
		logger.Warn("idempotency claim unavailable, relying on store index", zap.Error(err))
	case claimed:
		holdsClaim = true
	default:
		outcome, proceed := c.claimHeld(ctx, msg, logger)
		if !proceed {
			return outcome, nil
		}
		holdsClaim = true
	}

	instanceID, screenplayID, err := c.submit(ctx, msg)
	if errors.Is(err, taskstore.ErrDuplicateKey) {
		logger.Info("duplicate task skipped, already stored")
		return metrics.OutcomeDeduplicated, nil
	}
	if err != nil {
		if holdsClaim {
			c.release(ctx, msg.IdempotencyKey, logger)
		}
		return metrics.OutcomeFailed, err
	}

	logger.Info("task submitted",
		zap.String("instance_id", instanceID),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("screenplay_id", screenplayID))
	c.emit(ctx, messages.TaskSubmitted(msg, instanceID, screenplayID, eventSource))
	return metrics.OutcomeConsumed, nil
}

// claimHeld decides what to do when the idempotency key is already claimed.
// A claim owned by msg's own task id is a redelivery after a crash between
// claim and insert, so processing continues and the store index guards the
// write. A claim owned by another task is only a duplicate once that task is
// stored; until then the delivery is requeued.
func (c *Consumer) claimHeld(ctx context.Context, msg *messages.TaskMessage, logger *zap.Logger) (string, bool) {
	owner, err := c.claimer.Owner(ctx, msg.IdempotencyKey)
	if err != nil {
		logger.Warn("idempotency owner lookup failed", zap.Error(err))
	}
	if err == nil && owner == msg.TaskID {
		logger.Info("resuming task after interrupted delivery")
		return "", true
	}
	if c.alreadyStored(ctx, msg, logger) {
		logger.Info("duplicate task skipped, key already claimed", zap.String("owner", owner))
		return metrics.OutcomeDeduplicated, false
	}
	logger.Info("key claimed by an unfinished task, requeueing", zap.String("owner", owner))
	return metrics.OutcomeRequeued, false
}

// release drops the claim with its own deadline so an expired handle context
// does not leave the key blocked until the claim TTL runs out.
func (c *Consumer) release(ctx context.Context, key string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.claimer.Release(ctx, key); err != nil {
		logger.Warn("failed to release idempotency claim", zap.Error(err))
	}
}

// alreadyStored reports whether a task with msg's idempotency key exists.
// A failed lookup counts as not stored.
func (c *Consumer) alreadyStored(ctx context.Context, msg *messages.TaskMessage, logger *zap.Logger) bool {
	_, err := worker.Submit(ctx, c.pool, func(ctx context.Context) (*models.TaskDocument, error) {
		return c.store.FindTaskByIdempotencyKey(ctx, msg.IdempotencyKey)
	})
	if err == nil {
		return true
	}
	if !errors.Is(err, taskstore.ErrNotFound) {
		logger.Warn("dedup lookup failed", zap.Error(err))
	}
	return false
}

func (c *Consumer) submit(ctx context.Context, msg *messages.TaskMessage) (string, string, error) {
	agent, err := c.catalog.Get(ctx, msg.AgentID)
	if err != nil {
		return "", "", fmt.Errorf("agent lookup: %w", err)
	}

	screenplayID, err := worker.Submit(ctx, c.pool, func(ctx context.Context) (string, error) {
		return taskstore.EnsureScreenplay(ctx, c.store, msg.ScreenplayID, ScreenplayTitlePrefix+msg.AgentID, msg.AgentID, c.cwd)
	})
	if err != nil {
		return "", "", err
	}

	input := prompt.WithDelegationContext(msg.Input, msg.TaskID, msg.ConversationID, screenplayID)
	text, err := worker.Submit(ctx, c.pool, func(ctx context.Context) (string, error) {
		return c.prompts.Build(ctx, prompt.Request{
			AgentID:        msg.AgentID,
			Input:          input,
			ConversationID: msg.ConversationID,
			ScreenplayID:   screenplayID,
			IncludeHistory: true,
		})
	})
	if err != nil {
		return "", screenplayID, fmt.Errorf("prompt build: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", screenplayID, prompt.ErrEmptyPrompt
	}

	now := c.now().UTC()
	instanceID := msg.InstanceID
	if instanceID == "" {
		instanceID = models.NewInstanceID(InstancePrefix, now)
	}

	if err := c.pool.Do(ctx, func(ctx context.Context) error {
		return c.store.EnsureConversation(ctx, msg.ConversationID)
	}); err != nil {
		c.logger.Warn("failed to record conversation", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}

	task := models.NewPendingTask(msg.TaskID, msg.AgentID, now)
	task.Provider = agent.ProviderOrDefault()
	task.Prompt = text
	task.CWD = c.cwd
	task.Timeout = agent.TimeoutOrDefault()
	task.InstanceID = instanceID
	task.ConversationID = msg.ConversationID
	task.ScreenplayID = screenplayID
	task.Source = msg.Source
	task.ParentTaskID = msg.ParentTaskID
	task.IdempotencyKey = msg.IdempotencyKey
	task.Context = map[string]interface{}{
		"priority":    msg.Priority,
		"enqueued_at": msg.EnqueuedAt,
	}

	err = c.pool.Do(ctx, func(ctx context.Context) error {
		return c.store.InsertTask(ctx, task)
	})
	if err != nil {
		return instanceID, screenplayID, fmt.Errorf("task insert: %w", err)
	}
	return instanceID, screenplayID, nil
}

func (c *Consumer) settle(d amqp.Delivery, outcome string, logger *zap.Logger) {
	if logger == nil {
		logger = c.logger
	}
	var err error
	switch outcome {
	case metrics.OutcomeFailed:
		err = d.Nack(false, false)
	case metrics.OutcomeRequeued:
		err = d.Nack(false, true)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		logger.Warn("failed to settle delivery", zap.String("outcome", outcome), zap.Error(err))
	}
}

func (c *Consumer) finish(outcome string, start time.Time) string {
	c.stats.record(outcome)
	if c.metrics != nil {
		c.metrics.ConsumeDuration.Observe(c.now().Sub(start).Seconds())
	}
	return outcome
}

func (c *Consumer) emit(ctx context.Context, event *messages.EventMessage) {
	if err := c.events.PublishEvent(ctx, event); err != nil {
		c.logger.Debug("failed to publish event", zap.String("event_type", event.Type), zap.Error(err))
	}
}
