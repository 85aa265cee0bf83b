package messagebus

import (
	"context"
	"sync"

	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *messages.EventMessage) error
}

// Verify implementations at compile time.
var (
	_ EventPublisher = (*NatsMessageBus)(nil)
	_ EventPublisher = (*MemoryBus)(nil)
	_ EventPublisher = Noop{}
	_ EventPublisher = (*Counted)(nil)
)

// Noop drops every event. Used when no NATS URL is configured.
type Noop struct{}

func (Noop) PublishEvent(ctx context.Context, event *messages.EventMessage) error { return nil }

// Counted counts successfully published events per type
type Counted struct {
	next    EventPublisher
	metrics *metrics.Metrics
}

// WithMetrics wraps p so every published event is counted
func WithMetrics(p EventPublisher, m *metrics.Metrics) *Counted {
	return &Counted{next: p, metrics: m}
}

func (c *Counted) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	if err := c.next.PublishEvent(ctx, event); err != nil {
		return err
	}
	c.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

// MemoryBus keeps published events in process and fans them out to local
// handlers.
type MemoryBus struct {
	mu       sync.RWMutex
	events   []*messages.EventMessage
	handlers []func(*messages.EventMessage)
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	handlers := append(([]func(*messages.EventMessage))(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers a handler for every subsequent event
func (b *MemoryBus) Subscribe(handler func(*messages.EventMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Events returns the published events of the given type, or all when eventType is empty.
func (b *MemoryBus) Events(eventType string) []*messages.EventMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*messages.EventMessage
	for _, e := range b.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
