package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source records who asked for a task. Chain depth only counts SourceAgentChain.
type Source string

const (
	SourceDispatchAPI Source = "dispatch_api"
	SourceAgentChain  Source = "agent_chain"
	SourcePulse       Source = "pulse"
)

// Valid reports whether s is one of the known provenance values.
func (s Source) Valid() bool {
	switch s {
	case SourceDispatchAPI, SourceAgentChain, SourcePulse:
		return true
	}
	return false
}

// Priority bounds as understood by the broker queue (x-max-priority=10 gives 0..9).
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 5
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// TaskMessage is the envelope published to the agent task queue.
// It never carries a built prompt; the consumer builds it fresh so history is current.
type TaskMessage struct {
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	InstanceID     string    `json:"instance_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	ScreenplayID   string    `json:"screenplay_id,omitempty"`
	Input          string    `json:"input"`
	Priority       int       `json:"priority"`
	Source         Source    `json:"source"`
	ParentTaskID   string    `json:"parent_task_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewTaskMessage builds a message for agentID and fills every defaulted field:
// a fresh conversation id, a fresh idempotency key, the default priority and source.
func NewTaskMessage(taskID, agentID, input string) *TaskMessage {
	msg := &TaskMessage{
		TaskID:   taskID,
		AgentID:  agentID,
		Input:    input,
		Priority: DefaultPriority,
		Source:   SourceDispatchAPI,
	}
	msg.ApplyDefaults()
	return msg
}

// NewConversationID returns a fresh conversation id.
func NewConversationID() string {
	return uuid.NewString()
}

// ApplyDefaults fills a missing conversation id, idempotency key, source and
// enqueue time, and clamps the priority.
func (m *TaskMessage) ApplyDefaults() {
	if m.ConversationID == "" {
		m.ConversationID = NewConversationID()
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	if m.Source == "" {
		m.Source = SourceDispatchAPI
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	m.Priority = ClampPriority(m.Priority)
}

// Validate checks the fields a consumer cannot work without.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if m.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if m.Input == "" {
		return fmt.Errorf("input is required")
	}
	if !m.Source.Valid() {
		return fmt.Errorf("unknown source %q", m.Source)
	}
	return nil
}

// Marshal encodes the message body published to the broker.
func (m *TaskMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTaskMessage parses a broker body. Missing optional fields get the same
// defaults NewTaskMessage would assign, and the priority is re-clamped.
func DecodeTaskMessage(body []byte) (*TaskMessage, error) {
	var wire struct {
		TaskMessage
		Priority *int `json:"priority"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task message: %w", err)
	}
	msg := wire.TaskMessage
	msg.Priority = DefaultPriority
	if wire.Priority != nil {
		msg.Priority = *wire.Priority
	}
	msg.ApplyDefaults()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
