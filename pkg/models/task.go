package models

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/primoia/conductor-sub000/pkg/messages"
)

// TaskStatus represents the execution state of a task document
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

// IsTerminal returns true if the watcher is done with the task
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Severity classifies a finished task's result text
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DefaultTaskTimeout is used when an agent definition does not set one (seconds).
const DefaultTaskTimeout = 300

// TaskDocument is the durable record the execution watcher picks up.
// Non-councilor documents must carry Prompt, InstanceID, ConversationID and ScreenplayID.
type TaskDocument struct {
	ID string `json:"task_id" bson:"_id"`

	// Execution inputs
	AgentID  string `json:"agent_id" bson:"agent_id"`
	Provider string `json:"provider" bson:"provider"`
	Prompt   string `json:"prompt" bson:"prompt"`
	CWD      string `json:"cwd" bson:"cwd"`
	Timeout  int    `json:"timeout" bson:"timeout"`

	// Context
	InstanceID     string                 `json:"instance_id,omitempty" bson:"instance_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	ScreenplayID   string                 `json:"screenplay_id,omitempty" bson:"screenplay_id,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty" bson:"context,omitempty"`

	// Lineage
	Source         messages.Source `json:"source" bson:"source"`
	ParentTaskID   string          `json:"parent_task_id,omitempty" bson:"parent_task_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`

	// Lifecycle
	Status    TaskStatus `json:"status" bson:"status"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`

	// Outcome, written by the watcher
	Result   string   `json:"result" bson:"result"`
	ExitCode *int     `json:"exit_code" bson:"exit_code"`
	Duration *float64 `json:"duration" bson:"duration"`
	Severity Severity `json:"severity,omitempty" bson:"severity,omitempty"`

	IsCouncilorExecution bool `json:"is_councilor_execution" bson:"is_councilor_execution"`
}

// NewPendingTask returns a document ready for insertion with lifecycle fields set.
func NewPendingTask(taskID, agentID string, now time.Time) *TaskDocument {
	return &TaskDocument{
		ID:        taskID,
		AgentID:   agentID,
		Timeout:   DefaultTaskTimeout,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MissingRequiredFields lists the required fields that are empty.
// Councilor executions are exempt from the conversation/screenplay/instance requirement.
func (t *TaskDocument) MissingRequiredFields() []string {
	if t.IsCouncilorExecution {
		return nil
	}
	var missing []string
	if strings.TrimSpace(t.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if t.InstanceID == "" {
		missing = append(missing, "instance_id")
	}
	if t.ConversationID == "" {
		missing = append(missing, "conversation_id")
	}
	if t.ScreenplayID == "" {
		missing = append(missing, "screenplay_id")
	}
	return missing
}

var errorMarkers = []string{"error", "failed", "failure", "exception", "traceback", "fatal"}
var warningMarkers = []string{"warning", "warn:", "deprecated"}

// DeriveSeverity classifies a finished task. A non-zero exit code is always an error;
// otherwise the result text is scanned for error and then warning markers.
func DeriveSeverity(result string, exitCode int) Severity {
	if exitCode != 0 {
		return SeverityError
	}
	lower := strings.ToLower(result)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return SeverityError
		}
	}
	for _, m := range warningMarkers {
		if strings.Contains(lower, m) {
			return SeverityWarning
		}
	}
	return SeveritySuccess
}

const instanceSuffixLetters = "abcdefghijklmnopqrstuvwxyz"

// NewInstanceID returns "<prefix>-<unix seconds>-<6 lowercase letters>".
func NewInstanceID(prefix string, now time.Time) string {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		b.WriteByte(instanceSuffixLetters[rand.Intn(len(instanceSuffixLetters))])
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.Unix(), b.String())
}
