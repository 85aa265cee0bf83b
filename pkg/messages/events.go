package messages

import "time"

// EventMessage represents a task lifecycle event sent via NATS
type EventMessage struct {
	Type           string                 `json:"type"`   // "task.queued", "task.submitted", "task.dead_lettered", ...
	Source         string                 `json:"source"` // Component that generated the event
	ConversationID string                 `json:"conversation_id,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"` // Task ID, agent ID, etc.
	Event          EventData              `json:"event"`
	CorrelationID  string                 `json:"correlation_id,omitempty"` // Idempotency key when known
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "queued", "submitted", "dispatched", "dead_lettered"
	Category    string                 `json:"category"` // "task", "pulse", "system"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTaskQueued       = "task.queued"
	EventTaskSubmitted    = "task.submitted"
	EventTaskDispatched   = "task.dispatched"
	EventTaskDeduplicated = "task.deduplicated"
	EventTaskDeadLettered = "task.dead_lettered"
	EventPulseDeadLetter  = "pulse.dead_letter"
)

// TaskQueued creates a task.queued event for a message accepted by the broker
func TaskQueued(msg *TaskMessage, source string) *EventMessage {
	return taskEvent(EventTaskQueued, "queued", msg, source, map[string]interface{}{
		"agent_id": msg.AgentID,
		"priority": msg.Priority,
		"source":   string(msg.Source),
	})
}

// TaskSubmitted creates a task.submitted event once the consumer wrote the task document
func TaskSubmitted(msg *TaskMessage, instanceID, screenplayID, source string) *EventMessage {
	return taskEvent(EventTaskSubmitted, "submitted", msg, source, map[string]interface{}{
		"agent_id":      msg.AgentID,
		"instance_id":   instanceID,
		"screenplay_id": screenplayID,
	})
}

// TaskDeduplicated creates a task.deduplicated event for a redelivered message
func TaskDeduplicated(msg *TaskMessage, source string) *EventMessage {
	return taskEvent(EventTaskDeduplicated, "deduplicated", msg, source, nil)
}

// TaskDeadLettered creates a task.dead_lettered event for a message rejected without requeue
func TaskDeadLettered(msg *TaskMessage, source, reason string) *EventMessage {
	ev := taskEvent(EventTaskDeadLettered, "dead_lettered", msg, source, map[string]interface{}{
		"agent_id": msg.AgentID,
	})
	ev.Event.Description = reason
	return ev
}

// TaskDispatched creates a task.dispatched event for the synchronous fallback path
func TaskDispatched(taskID, agentID, conversationID, screenplayID, source string) *EventMessage {
	return &EventMessage{
		Type:           EventTaskDispatched,
		Source:         source,
		ConversationID: conversationID,
		EntityID:       taskID,
		Event: EventData{
			Action:   "dispatched",
			Category: "task",
			Data: map[string]interface{}{
				"agent_id":      agentID,
				"screenplay_id": screenplayID,
			},
		},
		Timestamp: time.Now(),
	}
}

// SystemError creates a system.error event
func SystemError(source, description string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:   "system.error",
		Source: source,
		Event: EventData{
			Action:      "error",
			Category:    "system",
			Description: description,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}

func taskEvent(eventType, action string, msg *TaskMessage, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:           eventType,
		Source:         source,
		ConversationID: msg.ConversationID,
		EntityID:       msg.TaskID,
		Event: EventData{
			Action:   action,
			Category: "task",
			Data:     data,
		},
		CorrelationID: msg.IdempotencyKey,
		Timestamp:     time.Now(),
	}
}

// PulseDeadLetter creates a pulse.dead_letter event for a message read from the dead letter queue
func PulseDeadLetter(title, detail string, metadata map[string]interface{}) *EventMessage {
	ev := &EventMessage{
		Type:   EventPulseDeadLetter,
		Source: "pulse",
		Event: EventData{
			Action:      "dead_letter",
			Category:    "pulse",
			Description: title,
			Data:        metadata,
		},
		Timestamp: time.Now(),
	}
	if id, ok := metadata["task_id"].(string); ok {
		ev.EntityID = id
	}
	if key, ok := metadata["idempotency_key"].(string); ok {
		ev.CorrelationID = key
	}
	ev.Metadata = map[string]interface{}{"detail": detail}
	return ev
}
