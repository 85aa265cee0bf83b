package pulse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/dispatch"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/taskqueue"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

type stubChannel struct {
	conn *stubConnection

	mu       sync.Mutex
	bindings []string
	prefetch int
}

func (c *stubChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *stubChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"->"+name)
	return nil
}

func (c *stubChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *stubChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (c *stubChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.conn.deliveries, nil
}

func (c *stubChannel) Close() error { return nil }

type stubConnection struct {
	deliveries chan amqp.Delivery

	mu       sync.Mutex
	channels []*stubChannel
}

func (c *stubConnection) Channel() (taskqueue.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &stubChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *stubConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }
func (c *stubConnection) IsClosed() bool                                        { return false }
func (c *stubConnection) Close() error                                          { return nil }

type ackRecorder struct {
	mu    sync.Mutex
	acked int
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}
func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *ackRecorder) Reject(tag uint64, requeue bool) error         { return nil }

func (a *ackRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Result{TaskID: "alert-1", Status: "pending"}, nil
}

func deadLetter(ack amqp.Acknowledger) amqp.Delivery {
	msg := messages.NewTaskMessage("t-dead", "Ghost_Agent", "do something")
	body, _ := msg.Marshal()
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		RoutingKey:   taskqueue.RoutingKey,
		Headers: amqp.Table{
			"x-first-death-exchange": taskqueue.ExchangeName,
			"x-first-death-reason":   "rejected",
			"x-first-death-queue":    taskqueue.QueueName,
		},
		Body: body,
	}
}

func TestFromDelivery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := FromDelivery(deadLetter(nil), now)

	assert.Equal(t, SourceDLQ, e.Source)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, "Dead-lettered message from agent.task", e.Title)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "rejected", e.Metadata["reason"])
	assert.Equal(t, taskqueue.QueueName, e.Metadata["queue"])
	assert.Equal(t, taskqueue.ExchangeName, e.Metadata["exchange"])
	assert.Equal(t, "t-dead", e.Metadata["task_id"])
	assert.Equal(t, "Ghost_Agent", e.Metadata["agent_id"])
}

func TestFromDelivery_OpaqueBody(t *testing.T) {
	e := FromDelivery(amqp.Delivery{Body: []byte(strings.Repeat("x", 800))}, time.Now())

	assert.Equal(t, "Dead-lettered message from unknown", e.Title)
	assert.Len(t, e.Detail, maxDetailLength)
	assert.Equal(t, "unknown", e.Metadata["reason"])
	assert.NotContains(t, e.Metadata, "task_id")
}

func TestHandle_RecordsPublishesAlertsAndAcks(t *testing.T) {
	bus := messagebus.NewMemoryBus()
	disp := &fakeDispatcher{}
	l := NewListener(nil,
		WithEvents(bus),
		WithMetrics(metrics.NewMetrics()),
		WithAlerter(NewDispatchAlerter(disp, "")),
		WithLogger(zap.NewNop()))
	ack := &ackRecorder{}

	l.Handle(context.Background(), deadLetter(ack))

	assert.Equal(t, 1, ack.count())
	require.Len(t, l.Recent(10), 1)

	events := bus.Events(messages.EventPulseDeadLetter)
	require.Len(t, events, 1)
	assert.Equal(t, "t-dead", events[0].EntityID)

	require.Len(t, disp.requests, 1)
	req := disp.requests[0]
	assert.Equal(t, DefaultAlertAgentID, req.TargetAgentID)
	assert.Equal(t, messages.SourcePulse, req.Source)
	assert.True(t, req.Councilor)
	assert.Contains(t, req.Input, "[SYSTEM EVENT - WARNING]")
	assert.Contains(t, req.Input, "Dead-lettered message from agent.task")
}

func TestHandle_AlertFailureStillAcks(t *testing.T) {
	l := NewListener(nil, WithAlerter(NewDispatchAlerter(&fakeDispatcher{err: errors.New("no agent")}, "Ops")))
	ack := &ackRecorder{}

	l.Handle(context.Background(), deadLetter(ack))

	assert.Equal(t, 1, ack.count())
	assert.Equal(t, 1, l.Status().Buffered)
}

func TestRun_ConsumesDeadLetterQueue(t *testing.T) {
	conn := &stubConnection{deliveries: make(chan amqp.Delivery)}
	topo := taskqueue.NewTopology("amqp://test",
		taskqueue.WithDialer(func(string) (taskqueue.Connection, error) { return conn, nil }))
	l := NewListener(topo, WithRetryDelay(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ack := &ackRecorder{}
	select {
	case conn.deliveries <- deadLetter(ack):
	case <-time.After(time.Second):
		t.Fatal("listener never consumed")
	}
	require.Eventually(t, func() bool { return ack.count() == 1 }, time.Second, 5*time.Millisecond)

	status := l.Status()
	assert.True(t, status.Running)
	assert.True(t, status.Connected)
	assert.Equal(t, DeadLetterQueue, status.Queue)
	assert.Equal(t, int64(1), status.Total)

	conn.mu.Lock()
	listenCh := conn.channels[len(conn.channels)-1]
	conn.mu.Unlock()
	assert.Contains(t, listenCh.bindings, taskqueue.DLXExchange+"->"+DeadLetterQueue)
	assert.Equal(t, prefetch, listenCh.prefetch)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, l.Status().Running)
}
