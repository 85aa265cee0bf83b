package taskqueue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/telemetry"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

const eventSource = "taskqueue"

// Publisher puts admitted task messages on the agent task exchange.
type Publisher struct {
	topology *Topology
	stats    *Stats
	events   messagebus.EventPublisher
	logger   *zap.Logger
}

// NewPublisher creates a publisher. events may be nil.
func NewPublisher(topology *Topology, stats *Stats, events messagebus.EventPublisher, logger *zap.Logger) *Publisher {
	if events == nil {
		events = messagebus.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		topology: topology,
		stats:    stats,
		events:   events,
		logger:   logger.With(zap.String("component", "publisher")),
	}
}

// Publish sends msg as a persistent message and returns true once the broker
// accepted it. It returns false when the broker is unreachable; the caller
// reports that as 503 and nothing is retried here.
func (p *Publisher) Publish(ctx context.Context, msg *messages.TaskMessage) bool {
	ctx, span := telemetry.StartSpan(ctx, "taskqueue.publish",
		telemetry.AttrTaskID.String(msg.TaskID),
		telemetry.AttrAgentID.String(msg.AgentID),
		telemetry.AttrConversationID.String(msg.ConversationID),
		telemetry.AttrIdempotencyKey.String(msg.IdempotencyKey),
	)
	defer span.End()

	body, err := msg.Marshal()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("failed to encode task message", zap.String("task_id", msg.TaskID), zap.Error(err))
		return false
	}

	ch, err := p.topology.PublishChannel(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("broker unavailable, task not published",
			zap.String("task_id", msg.TaskID), zap.Error(err))
		return false
	}

	err = ch.PublishWithContext(ctx, ExchangeName, RoutingKey, false, false, amqp.Publishing{
		Headers:      injectTrace(ctx),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(messages.ClampPriority(msg.Priority)),
		MessageId:    msg.IdempotencyKey,
		Timestamp:    msg.EnqueuedAt,
		Type:         RoutingKey,
		AppId:        "conductor",
		Body:         body,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.topology.Invalidate(err)
		p.logger.Error("failed to publish task", zap.String("task_id", msg.TaskID), zap.Error(err))
		return false
	}

	p.stats.record(metrics.OutcomePublished)
	p.logger.Info("published task",
		zap.String("task_id", msg.TaskID),
		zap.String("agent_id", msg.AgentID),
		zap.Int("priority", msg.Priority),
		zap.String("idempotency_key", msg.IdempotencyKey))

	if err := p.events.PublishEvent(ctx, messages.TaskQueued(msg, eventSource)); err != nil {
		p.logger.Debug("failed to publish queued event", zap.Error(err))
	}
	return true
}
