package taskqueue

import (
	"sync/atomic"

	"github.com/primoia/conductor-sub000/internal/metrics"
)

// Stats are process-local counters shared by the publisher and consumer.
// They are for observability only and reset on restart.
type Stats struct {
	published    atomic.Int64
	consumed     atomic.Int64
	failed       atomic.Int64
	deduplicated atomic.Int64

	metrics *metrics.Metrics
}

// NewStats creates counters that also feed m when it is non-nil
func NewStats(m *metrics.Metrics) *Stats {
	return &Stats{metrics: m}
}

// Snapshot is the JSON shape of GET /agents/queue/stats
type Snapshot struct {
	RabbitMQAvailable bool  `json:"rabbitmq_available"`
	Running           bool  `json:"running"`
	Published         int64 `json:"published"`
	Consumed          int64 `json:"consumed"`
	Failed            int64 `json:"failed"`
	Deduplicated      int64 `json:"deduplicated"`
}

func (s *Stats) record(outcome string) {
	switch outcome {
	case metrics.OutcomePublished:
		s.published.Add(1)
	case metrics.OutcomeConsumed:
		s.consumed.Add(1)
	case metrics.OutcomeFailed:
		s.failed.Add(1)
	case metrics.OutcomeDeduplicated:
		s.deduplicated.Add(1)
	}
	if s.metrics != nil {
		s.metrics.RecordQueueOutcome(outcome)
	}
}

// Snapshot returns the current counters
func (s *Stats) Snapshot(available, running bool) Snapshot {
	return Snapshot{
		RabbitMQAvailable: available,
		Running:           running,
		Published:         s.published.Load(),
		Consumed:          s.consumed.Load(),
		Failed:            s.failed.Load(),
		Deduplicated:      s.deduplicated.Load(),
	}
}
