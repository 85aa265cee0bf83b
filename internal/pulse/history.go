package pulse

import "sync"

// DefaultCapacity is how many events History keeps
const DefaultCapacity = 200

// DefaultLimit is the page size when the caller gives none
const DefaultLimit = 50

// History is a bounded, concurrency safe event log.
type History struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	total    int64
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity}
}

// Add appends e, dropping the oldest event when full
func (h *History) Add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	if len(h.events) > h.capacity {
		h.events = append([]Event(nil), h.events[len(h.events)-h.capacity:]...)
	}
	h.total++
}

// Recent returns up to limit events, newest first
func (h *History) Recent(limit int) []Event {
	if limit <= 0 {
		limit = DefaultLimit
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit > len(h.events) {
		limit = len(h.events)
	}
	out := make([]Event, 0, limit)
	for i := len(h.events) - 1; i >= len(h.events)-limit; i-- {
		out = append(out, h.events[i])
	}
	return out
}

// Len returns how many events are buffered
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Total returns how many events were ever added
func (h *History) Total() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
