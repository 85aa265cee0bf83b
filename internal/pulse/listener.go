package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/dispatch"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/taskqueue"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

const (
	// DeadLetterQueue collects everything routed through the dead letter exchange
	DeadLetterQueue = "primoia.dead-letters"

	DefaultRetryDelay   = 30 * time.Second
	DefaultAlertAgentID = "Support_Agent"

	consumerTag = "conductor-pulse"
	prefetch    = 10
)

// Alerter forwards an event to someone who can act on it
type Alerter interface {
	Alert(ctx context.Context, e *Event) error
}

// Dispatcher is the part of dispatch.Dispatcher the alerter needs
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// DispatchAlerter hands each event to an agent through the dispatch fallback
// as a stateless councilor execution.
type DispatchAlerter struct {
	dispatcher Dispatcher
	agentID    string
}

func NewDispatchAlerter(d Dispatcher, agentID string) *DispatchAlerter {
	if agentID == "" {
		agentID = DefaultAlertAgentID
	}
	return &DispatchAlerter{dispatcher: d, agentID: agentID}
}

func (a *DispatchAlerter) Alert(ctx context.Context, e *Event) error {
	_, err := a.dispatcher.Dispatch(ctx, dispatch.Request{
		TargetAgentID: a.agentID,
		Input:         AlertPrompt(e),
		Source:        messages.SourcePulse,
		Councilor:     true,
	})
	return err
}

// AlertPrompt is the input an alerted agent receives
func AlertPrompt(e *Event) string {
	return "PROACTIVE SYSTEM ALERT:\n\n" + e.PromptText() + "\n\n" +
		"Please analyze this event and determine:\n" +
		"1. Impact assessment\n" +
		"2. Recommended actions\n" +
		"3. Whether to escalate\n"
}

// Status is the JSON shape of GET /pulse/status
type Status struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"rabbitmq_available"`
	Queue     string `json:"queue"`
	Buffered  int    `json:"buffered_events"`
	Total     int64  `json:"total_events"`
}

// Listener consumes the dead letter queue and records every message as an Event
type Listener struct {
	topology   *taskqueue.Topology
	history    *History
	alerter    Alerter
	events     messagebus.EventPublisher
	metrics    *metrics.Metrics
	retryDelay time.Duration
	logger     *zap.Logger

	running   atomic.Bool
	connected atomic.Bool
}

// Option configures a Listener
type Option func(*Listener)

func WithAlerter(a Alerter) Option {
	return func(l *Listener) { l.alerter = a }
}

func WithEvents(p messagebus.EventPublisher) Option {
	return func(l *Listener) { l.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Listener) { l.retryDelay = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

func WithHistory(h *History) Option {
	return func(l *Listener) { l.history = h }
}

func NewListener(topology *taskqueue.Topology, opts ...Option) *Listener {
	l := &Listener{
		topology:   topology,
		events:     messagebus.Noop{},
		retryDelay: DefaultRetryDelay,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.history == nil {
		l.history = NewHistory(DefaultCapacity)
	}
	l.logger = l.logger.With(zap.String("component", "pulse"))
	return l
}

// Recent returns up to limit events, newest first
func (l *Listener) Recent(limit int) []Event {
	return l.history.Recent(limit)
}

func (l *Listener) Status() Status {
	return Status{
		Running:   l.running.Load(),
		Connected: l.connected.Load(),
		Queue:     DeadLetterQueue,
		Buffered:  l.history.Len(),
		Total:     l.history.Total(),
	}
}

// DeclareDeadLetterQueue declares the dead letter exchange and queue and binds them
func DeclareDeadLetterQueue(ch taskqueue.Channel) error {
	if err := ch.ExchangeDeclare(taskqueue.DLXExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", taskqueue.DLXExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", taskqueue.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}

// Run listens until ctx is done, retrying after the retry delay whenever
// the broker is unreachable or the channel drops.
func (l *Listener) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		err := l.listen(ctx)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("dead letter queue connection lost, retrying",
			zap.Duration("delay", l.retryDelay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	ch, err := l.topology.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareDeadLetterQueue(ch); err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(DeadLetterQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", DeadLetterQueue, err)
	}
	l.connected.Store(true)
	l.logger.Info("listening for dead letters", zap.String("queue", DeadLetterQueue))

	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			l.Handle(handleCtx, d)
		}
	}
}

// Handle records one dead-lettered delivery, forwards it and acks it.
func (l *Listener) Handle(ctx context.Context, d amqp.Delivery) *Event {
	e := FromDelivery(d, time.Now().UTC())
	l.history.Add(*e)
	if l.metrics != nil {
		l.metrics.DeadLetters.Inc()
	}
	l.logger.Warn("dead letter received",
		zap.String("title", e.Title),
		zap.Any("reason", e.Metadata["reason"]),
		zap.Any("queue", e.Metadata["queue"]))

	if err := l.events.PublishEvent(ctx, messages.PulseDeadLetter(e.Title, e.Detail, e.Metadata)); err != nil {
		l.logger.Debug("failed to publish dead letter event", zap.Error(err))
	}
	if l.alerter != nil {
		alertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := l.alerter.Alert(alertCtx, e); err != nil {
			l.logger.Warn("could not raise alert", zap.String("title", e.Title), zap.Error(err))
		}
		cancel()
	}

	if err := d.Ack(false); err != nil {
		l.logger.Warn("failed to ack dead letter", zap.Error(err))
	}
	return e
}

// FromDelivery builds the event for a dead-lettered delivery. Task messages
// contribute their task, agent and idempotency key to the metadata.
func FromDelivery(d amqp.Delivery, now time.Time) *Event {
	routingKey := d.RoutingKey
	if routingKey == "" {
		routingKey = "unknown"
	}
	meta := map[string]interface{}{
		"routing_key": routingKey,
		"exchange":    headerString(d.Headers, "x-first-death-exchange"),
		"reason":      headerString(d.Headers, "x-first-death-reason"),
		"queue":       headerString(d.Headers, "x-first-death-queue"),
	}

	var task struct {
		TaskID         string `json:"task_id"`
		AgentID        string `json:"agent_id"`
		ConversationID string `json:"conversation_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(d.Body, &task); err == nil && task.TaskID != "" {
		meta["task_id"] = task.TaskID
		meta["agent_id"] = task.AgentID
		meta["conversation_id"] = task.ConversationID
		meta["idempotency_key"] = task.IdempotencyKey
	}

	return &Event{
		Source:    SourceDLQ,
		Severity:  SeverityWarning,
		Title:     "Dead-lettered message from " + routingKey,
		Detail:    truncate(string(d.Body), maxDetailLength),
		Timestamp: now,
		Metadata:  meta,
	}
}

func headerString(h amqp.Table, key string) string {
	if v, ok := h[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
