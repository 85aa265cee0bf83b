package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and by `serve --memory-store`.
type MemoryStore struct {
	mu            sync.RWMutex
	tasks         map[string]*models.TaskDocument
	byIdemKey     map[string]string
	order         []string
	conversations map[string]*models.Conversation
	instances     []*models.AgentInstance
	screenplays   map[string]*models.Screenplay
	closed        bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         make(map[string]*models.TaskDocument),
		byIdemKey:     make(map[string]string),
		conversations: make(map[string]*models.Conversation),
		screenplays:   make(map[string]*models.Screenplay),
	}
}

func (m *MemoryStore) InsertTask(ctx context.Context, task *models.TaskDocument) error {
	if err := ValidateTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateKey)
	}
	if task.IdempotencyKey != "" {
		if _, exists := m.byIdemKey[task.IdempotencyKey]; exists {
			return fmt.Errorf("idempotency key %s: %w", task.IdempotencyKey, ErrDuplicateKey)
		}
		m.byIdemKey[task.IdempotencyKey] = task.ID
	}
	cp := *task
	m.tasks[task.ID] = &cp
	m.order = append(m.order, task.ID)
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.TaskDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *MemoryStore) FindTaskByIdempotencyKey(ctx context.Context, key string) (*models.TaskDocument, error) {
	m.mu.RLock()
	id, ok := m.byIdemKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetTask(ctx, id)
}

// conversationTasks returns the conversation's tasks oldest first. Ties on
// CreatedAt keep insertion order. Caller holds the read lock.
func (m *MemoryStore) conversationTasks(conversationID string) []*models.TaskDocument {
	var out []*models.TaskDocument
	for _, id := range m.order {
		if t := m.tasks[id]; t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) RecentTaskSources(ctx context.Context, conversationID string, limit int) ([]messages.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := m.conversationTasks(conversationID)
	var sources []messages.Source
	for i := len(tasks) - 1; i >= 0; i-- {
		if limit > 0 && len(sources) >= limit {
			break
		}
		sources = append(sources, tasks[i].Source)
	}
	return sources, nil
}

func (m *MemoryStore) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]*models.TaskDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var finished []*models.TaskDocument
	for _, t := range m.conversationTasks(conversationID) {
		if t.Status.IsTerminal() {
			cp := *t
			finished = append(finished, &cp)
		}
	}
	if limit > 0 && len(finished) > limit {
		finished = finished[len(finished)-limit:]
	}
	return finished, nil
}

func (m *MemoryStore) CompleteTask(ctx context.Context, taskID, result string, exitCode int, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	secs := duration.Seconds()
	code := exitCode
	task.Result = result
	task.ExitCode = &code
	task.Duration = &secs
	task.Status = completionStatus(exitCode)
	task.Severity = models.DeriveSeverity(result, exitCode)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *MemoryStore) EnsureConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		m.conversations[conversationID] = &models.Conversation{ConversationID: conversationID}
	}
	return nil
}

// PutConversation stores conv as-is, replacing any existing record.
func (m *MemoryStore) PutConversation(conv *models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.conversations[conv.ConversationID] = &cp
}

func (m *MemoryStore) UpdateConversationSettings(ctx context.Context, conversationID string, update models.SettingsUpdate) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if update.MaxChainDepth != nil {
		if *update.MaxChainDepth == 0 {
			conv.MaxChainDepth = nil
		} else {
			depth := *update.MaxChainDepth
			conv.MaxChainDepth = &depth
		}
	}
	if update.AutoDelegate != nil {
		auto := *update.AutoDelegate
		conv.AutoDelegate = &auto
	}
	now := time.Now().UTC()
	conv.UpdatedAt = &now
	cp := *conv
	return &cp, nil
}

func (m *MemoryStore) SquadMembers(ctx context.Context, conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var members []string
	for _, inst := range m.instances {
		if inst.ConversationID == conversationID && !seen[inst.AgentID] {
			seen[inst.AgentID] = true
			members = append(members, inst.AgentID)
		}
	}
	return members, nil
}

func (m *MemoryStore) AddAgentInstance(ctx context.Context, instance *models.AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *instance
	m.instances = append(m.instances, &cp)
	return nil
}

func (m *MemoryStore) CreateScreenplay(ctx context.Context, sp *models.Screenplay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.screenplays[sp.ID]; exists {
		return fmt.Errorf("screenplay %s: %w", sp.ID, ErrDuplicateKey)
	}
	cp := *sp
	m.screenplays[sp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScreenplay(ctx context.Context, id string) (*models.Screenplay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sp, ok := m.screenplays[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sp
	return &cp, nil
}

// TaskCount returns the number of stored task documents
func (m *MemoryStore) TaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
