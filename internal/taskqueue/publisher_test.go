package taskqueue

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

func newTestPublisher(broker *fakeBroker) (*Publisher, *Topology, *Stats, *messagebus.MemoryBus) {
	topo := NewTopology("amqp://test", WithDialer(broker.dial))
	stats := NewStats(nil)
	bus := messagebus.NewMemoryBus()
	return NewPublisher(topo, stats, bus, zap.NewNop()), topo, stats, bus
}

func TestPublish_MessageProperties(t *testing.T) {
	broker := &fakeBroker{}
	pub, _, stats, bus := newTestPublisher(broker)

	msg := messages.NewTaskMessage("t-1", "Coder", "write tests")
	msg.Priority = 8
	msg.EnqueuedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.True(t, pub.Publish(context.Background(), msg))

	published := broker.last().channel(0).publishedMessages()
	require.Len(t, published, 1)
	p := published[0]
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, uint8(8), p.Priority)
	assert.Equal(t, msg.IdempotencyKey, p.MessageId)
	assert.Equal(t, msg.EnqueuedAt, p.Timestamp)

	decoded, err := messages.DecodeTaskMessage(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "t-1", decoded.TaskID)
	assert.Equal(t, "write tests", decoded.Input)

	assert.Equal(t, int64(1), stats.Snapshot(true, true).Published)
	assert.Len(t, bus.Events(messages.EventTaskQueued), 1)
}

func TestPublish_BrokerUnavailable(t *testing.T) {
	broker := &fakeBroker{down: true}
	pub, _, stats, bus := newTestPublisher(broker)

	ok := pub.Publish(context.Background(), messages.NewTaskMessage("t-1", "Coder", "x"))

	assert.False(t, ok)
	assert.Zero(t, stats.Snapshot(false, false).Published)
	assert.Empty(t, bus.Events(""))
}

func TestPublish_ChannelErrorInvalidates(t *testing.T) {
	broker := &fakeBroker{}
	pub, topo, _, _ := newTestPublisher(broker)
	require.NoError(t, topo.Ensure(context.Background()))
	broker.last().channel(0).publishErr = amqp.ErrClosed

	assert.False(t, pub.Publish(context.Background(), messages.NewTaskMessage("t-1", "Coder", "x")))
	assert.False(t, topo.Available())

	// next publish reconnects
	assert.True(t, pub.Publish(context.Background(), messages.NewTaskMessage("t-2", "Coder", "x")))
	assert.Equal(t, 2, broker.dialCount())
}
