package taskqueue

import (
	"context"

	"github.com/primoia/conductor-sub000/pkg/messages"
)

// Queue bundles one process's topology, publisher and consumer.
type Queue struct {
	Topology  *Topology
	Publisher *Publisher
	Consumer  *Consumer
	Stats     *Stats
}

// Publish delegates to the publisher
func (q *Queue) Publish(ctx context.Context, msg *messages.TaskMessage) bool {
	return q.Publisher.Publish(ctx, msg)
}

// Snapshot reports counters together with broker and consumer state
func (q *Queue) Snapshot() Snapshot {
	running := q.Consumer != nil && q.Consumer.Running()
	return q.Stats.Snapshot(q.Topology.Available(), running)
}
