package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/metrics"
)

// Broker objects
const (
	ExchangeName  = "conductor.agent-tasks"
	DLXExchange   = "primoia.dlx"
	QueueName     = "conductor.agent-task-queue"
	RoutingKey    = "agent.task"
	QueueMaxLevel = 10

	DefaultReconnectDelay = 10 * time.Second
)

// Topology owns the broker connection and the publish channel, declares the
// exchanges and queue on every (re)connect, and hands out channels.
type Topology struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics

	mu        sync.Mutex
	conn      Connection
	ch        Channel
	available atomic.Bool
}

// TopologyOption configures a Topology
type TopologyOption func(*Topology)

// WithDialer replaces DialAMQP
func WithDialer(d Dialer) TopologyOption {
	return func(t *Topology) { t.dial = d }
}

// WithReconnectDelay sets the backoff between reconnect attempts
func WithReconnectDelay(d time.Duration) TopologyOption {
	return func(t *Topology) { t.reconnectDelay = d }
}

// WithTopologyLogger sets the logger
func WithTopologyLogger(l *zap.Logger) TopologyOption {
	return func(t *Topology) { t.logger = l }
}

// WithTopologyMetrics reports availability
func WithTopologyMetrics(m *metrics.Metrics) TopologyOption {
	return func(t *Topology) { t.metrics = m }
}

// NewTopology creates a topology for the broker at url. Nothing is dialed
// until Ensure or Run is called.
func NewTopology(url string, opts ...TopologyOption) *Topology {
	t := &Topology{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: DefaultReconnectDelay,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "topology"))
	return t
}

// Declare declares the task exchange, the dead letter exchange and the
// priority queue, and binds them. Re-declaring existing objects is a no-op.
func Declare(ch Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(DLXExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DLXExchange, err)
	}
	_, err := ch.QueueDeclare(QueueName, true, false, false, false, amqp.Table{
		"x-max-priority":         int32(QueueMaxLevel),
		"x-dead-letter-exchange": DLXExchange,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueName, err)
	}
	if err := ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueName, err)
	}
	return nil
}

// Ensure connects and declares the topology unless it is already up.
// It returns an apperr.KindUnavailable error when the broker is unreachable.
func (t *Topology) Ensure(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(ctx)
}

func (t *Topology) ensureLocked(ctx context.Context) error {
	if t.conn != nil && !t.conn.IsClosed() && t.ch != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.teardownLocked()

	conn, err := t.dial(t.url)
	if err != nil {
		t.setAvailable(false)
		return apperr.Wrap(apperr.KindUnavailable, err, "cannot connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.setAvailable(false)
		return apperr.Wrap(apperr.KindUnavailable, err, "cannot open broker channel")
	}
	if err := Declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		t.setAvailable(false)
		return apperr.Wrap(apperr.KindUnavailable, err, "cannot declare broker topology")
	}

	t.conn, t.ch = conn, ch
	t.setAvailable(true)
	t.logger.Info("broker topology established", zap.String("exchange", ExchangeName), zap.String("queue", QueueName))
	return nil
}

// PublishChannel returns the shared publish channel, connecting if needed.
func (t *Topology) PublishChannel(ctx context.Context) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return t.ch, nil
}

// OpenChannel opens a dedicated channel on the current connection. The
// caller owns and closes it.
func (t *Topology) OpenChannel(ctx context.Context) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLocked(ctx); err != nil {
		return nil, err
	}
	ch, err := t.conn.Channel()
	if err != nil {
		t.teardownLocked()
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "cannot open broker channel")
	}
	return ch, nil
}

// Invalidate drops the connection and channel after a broker error so the
// next Ensure reconnects.
func (t *Topology) Invalidate(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil && t.ch == nil {
		return
	}
	t.logger.Warn("broker connection invalidated", zap.Error(cause))
	t.teardownLocked()
}

func (t *Topology) teardownLocked() {
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		if !t.conn.IsClosed() {
			_ = t.conn.Close()
		}
		t.conn = nil
	}
	t.setAvailable(false)
}

// Available reports whether the topology is currently established.
func (t *Topology) Available() bool {
	return t.available.Load()
}

func (t *Topology) setAvailable(v bool) {
	t.available.Store(v)
	if t.metrics != nil {
		t.metrics.SetQueueAvailable(v)
	}
}

func (t *Topology) notifyClose() chan *amqp.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Run keeps the topology established until ctx is done. After a failed
// attempt or a lost connection it waits reconnectDelay and tries again.
func (t *Topology) Run(ctx context.Context) {
	for {
		if err := t.Ensure(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Info("broker unavailable, retrying", zap.Duration("delay", t.reconnectDelay), zap.Error(err))
		} else if closed := t.notifyClose(); closed != nil {
			select {
			case <-ctx.Done():
				return
			case amqpErr, ok := <-closed:
				var cause error = fmt.Errorf("connection closed")
				if ok && amqpErr != nil {
					cause = amqpErr
				}
				t.Invalidate(cause)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.reconnectDelay):
		}
	}
}

// Close tears down the connection
func (t *Topology) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
}
