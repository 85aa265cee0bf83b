// Package taskstore persists task documents and the conversation state the
// delegation guards read (settings, squad membership, chain history).
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a task id or idempotency key is already stored
	ErrDuplicateKey = errors.New("duplicate key")
)

// ValidationError reports a task document rejected before any write.
type ValidationError struct {
	TaskID  string
	AgentID string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s for agent %s is missing required fields: %s",
		e.TaskID, e.AgentID, strings.Join(e.Missing, ", "))
}

// Unwrap lets apperr.KindOf classify the error as a validation failure.
func (e *ValidationError) Unwrap() error {
	return apperr.New(apperr.KindValidation, "task document validation failed")
}

// Store is the document store the queue, governor and dispatcher share.
type Store interface {
	// InsertTask validates and writes a new task document. A reused id or
	// idempotency key returns ErrDuplicateKey.
	InsertTask(ctx context.Context, task *models.TaskDocument) error
	GetTask(ctx context.Context, taskID string) (*models.TaskDocument, error)
	FindTaskByIdempotencyKey(ctx context.Context, key string) (*models.TaskDocument, error)
	// RecentTaskSources returns the source of up to limit tasks in the
	// conversation, newest first.
	RecentTaskSources(ctx context.Context, conversationID string, limit int) ([]messages.Source, error)
	// ConversationHistory returns up to limit finished tasks, oldest first.
	ConversationHistory(ctx context.Context, conversationID string, limit int) ([]*models.TaskDocument, error)
	CompleteTask(ctx context.Context, taskID, result string, exitCode int, duration time.Duration) error

	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	EnsureConversation(ctx context.Context, conversationID string) error
	UpdateConversationSettings(ctx context.Context, conversationID string, update models.SettingsUpdate) (*models.Conversation, error)

	SquadMembers(ctx context.Context, conversationID string) ([]string, error)
	AddAgentInstance(ctx context.Context, instance *models.AgentInstance) error

	CreateScreenplay(ctx context.Context, sp *models.Screenplay) error
	GetScreenplay(ctx context.Context, id string) (*models.Screenplay, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewTaskID returns a new task id in the store's native format.
func NewTaskID() string {
	return bson.NewObjectID().Hex()
}

// ValidateTask rejects a non-councilor task that lacks any of prompt,
// instance_id, conversation_id or screenplay_id.
func ValidateTask(task *models.TaskDocument) error {
	if task == nil {
		return apperr.New(apperr.KindValidation, "task document is nil")
	}
	if missing := task.MissingRequiredFields(); len(missing) > 0 {
		return &ValidationError{TaskID: task.ID, AgentID: task.AgentID, Missing: missing}
	}
	return nil
}

// EnsureScreenplay returns screenplayID when set, otherwise creates a new
// screenplay titled title in workDir and returns its id.
func EnsureScreenplay(ctx context.Context, s Store, screenplayID, title, agentID, workDir string) (string, error) {
	if screenplayID != "" {
		return screenplayID, nil
	}
	now := time.Now().UTC()
	sp := &models.Screenplay{
		ID:               NewTaskID(),
		Title:            title,
		Content:          fmt.Sprintf("# %s\n\nAuto-created for agent %s.\n", title, agentID),
		WorkingDirectory: workDir,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.CreateScreenplay(ctx, sp); err != nil {
		return "", fmt.Errorf("failed to create screenplay: %w", err)
	}
	return sp.ID, nil
}

// ChainDepth counts consecutive agent_chain tasks at the head of the
// conversation's newest-first history. Any other source ends the count.
func ChainDepth(sources []messages.Source) int {
	depth := 0
	for _, s := range sources {
		if s != messages.SourceAgentChain {
			break
		}
		depth++
	}
	return depth
}

func completionStatus(exitCode int) models.TaskStatus {
	if exitCode != 0 {
		return models.TaskStatusError
	}
	return models.TaskStatusCompleted
}
