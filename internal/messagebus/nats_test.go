package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if cfg.URL != "" {
		t.Error("URL should default to empty")
	}
	if cfg.StreamName != "" {
		t.Error("StreamName should default to empty")
	}
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		eventType, want string
	}{
		{messages.EventTaskQueued, "conductor.events.task.queued"},
		{messages.EventPulseDeadLetter, "conductor.events.pulse.dead_letter"},
		{"task.*", "conductor.events.task.*"},
		{".odd.", "conductor.events.odd"},
	}

	for _, tc := range tests {
		if got := EventSubject(tc.eventType); got != tc.want {
			t.Errorf("EventSubject(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}

func TestNewNatsMessageBus_BadURL(t *testing.T) {
	_, err := NewNatsMessageBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	}, nil)
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()

	var seen []string
	bus.Subscribe(func(e *messages.EventMessage) { seen = append(seen, e.Type) })

	msg := messages.NewTaskMessage("t1", "Coder", "hi")
	_ = bus.PublishEvent(context.Background(), messages.TaskQueued(msg, "test"))
	_ = bus.PublishEvent(context.Background(), messages.TaskDeduplicated(msg, "test"))

	if len(seen) != 2 {
		t.Fatalf("handler saw %d events, want 2", len(seen))
	}
	if got := bus.Events(messages.EventTaskQueued); len(got) != 1 {
		t.Errorf("got %d queued events, want 1", len(got))
	}
	if got := bus.Events(""); len(got) != 2 {
		t.Errorf("got %d events, want 2", len(got))
	}
}

func TestNoop(t *testing.T) {
	var p EventPublisher = Noop{}
	if err := p.PublishEvent(context.Background(), &messages.EventMessage{Type: "x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCounted(t *testing.T) {
	m := metrics.NewMetrics()
	bus := NewMemoryBus()
	p := WithMetrics(bus, m)

	counter := m.EventsPublished.WithLabelValues(messages.EventTaskQueued)
	before := testutil.ToFloat64(counter)

	msg := messages.NewTaskMessage("t1", "Coder", "hi")
	if err := p.PublishEvent(context.Background(), messages.TaskQueued(msg, "test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("counted %v events, want 1", got)
	}
	if len(bus.Events(messages.EventTaskQueued)) != 1 {
		t.Error("event was not forwarded")
	}
}
