package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue outcome label values
const (
	OutcomePublished    = "published"
	OutcomeConsumed     = "consumed"
	OutcomeFailed       = "failed"
	OutcomeDeduplicated = "deduplicated"
	// OutcomeRequeued is a delivery handed back to the broker for a retry
	OutcomeRequeued = "requeued"
)

// Metrics holds all Prometheus metrics for the conductor
type Metrics struct {
	// Queue metrics
	QueueMessages     *prometheus.CounterVec
	QueueAvailable    prometheus.Gauge
	ConsumeDuration   prometheus.Histogram
	EnqueueRejections *prometheus.CounterVec
	ChainDepth        prometheus.Histogram

	// Fallback and dead letters
	DispatchTotal *prometheus.CounterVec
	DeadLetters   prometheus.Counter

	// System metrics
	EventsPublished     *prometheus.CounterVec
	StoreCallsInFlight  prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			QueueMessages: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_queue_messages_total",
					Help: "Agent task queue messages by outcome",
				},
				[]string{"outcome"},
			),
			QueueAvailable: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_queue_available",
					Help: "1 if the broker topology is established, 0 otherwise",
				},
			),
			ConsumeDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conductor_queue_consume_duration_seconds",
					Help:    "Time to process one delivery from receipt to ack/nack",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to 10s
				},
			),
			EnqueueRejections: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_enqueue_rejections_total",
					Help: "Enqueue requests rejected before publishing",
				},
				[]string{"reason"},
			),
			ChainDepth: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conductor_enqueue_chain_depth",
					Help:    "Chain depth of admitted enqueue requests",
					Buckets: prometheus.LinearBuckets(0, 1, 11),
				},
			),
			DispatchTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_dispatch_total",
					Help: "Synchronous fallback dispatches by result",
				},
				[]string{"result"},
			),
			DeadLetters: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "conductor_dead_letters_total",
					Help: "Messages observed on the dead letter queue",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_events_published_total",
					Help: "Total number of lifecycle events published",
				},
				[]string{"event_type"},
			),
			StoreCallsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_store_calls_in_flight",
					Help: "Blocking store calls currently running on the worker pool",
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordQueueOutcome counts one queue message outcome
func (m *Metrics) RecordQueueOutcome(outcome string) {
	m.QueueMessages.WithLabelValues(outcome).Inc()
}

// RecordRejection counts an enqueue request refused by a guard
func (m *Metrics) RecordRejection(reason string) {
	m.EnqueueRejections.WithLabelValues(reason).Inc()
}

// SetQueueAvailable records broker availability
func (m *Metrics) SetQueueAvailable(available bool) {
	if available {
		m.QueueAvailable.Set(1)
	} else {
		m.QueueAvailable.Set(0)
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
