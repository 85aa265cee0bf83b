package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/pkg/messages"
)

// SubjectPrefix roots every subject the conductor stream captures.
const SubjectPrefix = "conductor"

// EventSubject returns the subject an event type is published on, e.g.
// "task.queued" becomes "conductor.events.task.queued".
func EventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, strings.Trim(eventType, "."))
}

// NatsMessageBus publishes lifecycle events to NATS JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	mu             sync.Mutex
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
	logger         *zap.Logger
}

// Config holds NATS configuration
type Config struct {
	URL            string        `yaml:"url"`             // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        `yaml:"stream_name"`     // JetStream stream name (default: "CONDUCTOR")
	Timeout        time.Duration `yaml:"timeout"`         // Connection timeout
	ConsumerPrefix string        `yaml:"consumer_prefix"` // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus creates a new NATS message bus with JetStream
func NewNatsMessageBus(cfg Config, logger *zap.Logger) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "CONDUCTOR"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "messagebus"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name("conductor"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
		logger:         logger,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", cfg.URL), zap.String("stream", cfg.StreamName))
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets
// several dashboards consume the same events.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		mb.logger.Info("created JetStream stream", zap.String("stream", mb.streamName))
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event message on its type's subject
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := EventSubject(event.Type)
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents subscribes durably to events matching eventType
// ("task.*", "pulse.dead_letter", ">").
func (mb *NatsMessageBus) SubscribeEvents(eventType string, handler func(*messages.EventMessage)) error {
	subject := EventSubject(eventType)
	consumerName := "events-" + strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(eventType)
	if mb.consumerPrefix != "" {
		consumerName = mb.consumerPrefix + "-" + consumerName
	}

	sub, err := mb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			mb.logger.Warn("failed to unmarshal event message", zap.Error(err))
			_ = msg.Term()
			return
		}
		handler(&event)
		_ = msg.Ack()
	},
		nats.Durable(consumerName),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	mb.logger.Info("subscribed to events", zap.String("subject", subject), zap.String("consumer", consumerName))
	return nil
}

// Close closes all subscriptions and the NATS connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	for subject, sub := range mb.subscriptions {
		_ = sub.Unsubscribe()
		delete(mb.subscriptions, subject)
	}
	mb.mu.Unlock()

	mb.conn.Close()
	mb.logger.Info("closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
