// Package dispatch is the synchronous fallback for enqueue: it writes the task
// document directly, without the broker and without the delegation guards.
// Callers use it when POST /agents/enqueue answers 503.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/prompt"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/telemetry"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

const (
	// ScreenplayTitlePrefix titles screenplays created by a dispatch
	ScreenplayTitlePrefix = "[Pulse] "
	// InstancePrefix prefixes generated instance ids
	InstancePrefix = "dispatch"

	eventSource = "dispatch"
)

// Request is the body of POST /agents/dispatch
type Request struct {
	TargetAgentID  string `json:"target_agent_id"`
	Input          string `json:"input"`
	ConversationID string `json:"conversation_id,omitempty"`
	ScreenplayID   string `json:"screenplay_id,omitempty"`

	// Source defaults to dispatch_api. Pulse alerts set it to pulse.
	Source messages.Source `json:"-"`
	// Councilor runs the agent stateless: no screenplay, no conversation and
	// no history. The task is written with is_councilor_execution set.
	Councilor bool `json:"-"`
}

// Result describes the task document a dispatch wrote
type Result struct {
	TaskID         string `json:"task_id"`
	TargetAgentID  string `json:"target_agent_id"`
	InstanceID     string `json:"instance_id"`
	ConversationID string `json:"conversation_id"`
	ScreenplayID   string `json:"screenplay_id"`
	Status         string `json:"status"`
}

// Dispatcher inserts tasks for the execution watcher synchronously.
type Dispatcher struct {
	catalog agents.Catalog
	store   taskstore.Store
	prompts prompt.Builder
	pool    *worker.Pool
	events  messagebus.EventPublisher
	metrics *metrics.Metrics
	cwd     string
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithEvents publishes task.dispatched events
func WithEvents(p messagebus.EventPublisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithMetrics records dispatch results
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithWorkingDir sets the cwd written on tasks and new screenplays
func WithWorkingDir(dir string) Option {
	return func(d *Dispatcher) { d.cwd = dir }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(catalog agents.Catalog, store taskstore.Store, prompts prompt.Builder, pool *worker.Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog: catalog,
		store:   store,
		prompts: prompts,
		pool:    pool,
		events:  messagebus.Noop{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatch"))
	return d
}

// Dispatch validates the target agent, resolves screenplay and conversation,
// builds the prompt and inserts a pending task. History is included only
// when the caller continues an existing conversation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.dispatch",
		telemetry.AttrAgentID.String(req.TargetAgentID),
		telemetry.AttrConversationID.String(req.ConversationID))
	defer span.End()

	res, err := d.dispatch(ctx, req)
	if err != nil {
		label, classified := classify(err)
		if errors.Is(err, worker.ErrPoolClosed) {
			label, classified = ResultUnavailable, apperr.Wrap(apperr.KindUnavailable, err, "dispatcher is shutting down")
		}
		d.record(label)
		d.logger.Error("dispatch failed",
			zap.String("target_agent_id", req.TargetAgentID),
			zap.String("result", label),
			zap.Error(err))
		return nil, classified
	}

	d.record(ResultOK)
	d.logger.Info("dispatched task",
		zap.String("task_id", res.TaskID),
		zap.String("target_agent_id", res.TargetAgentID),
		zap.String("conversation_id", res.ConversationID),
		zap.String("screenplay_id", res.ScreenplayID))
	if err := d.events.PublishEvent(ctx, messages.TaskDispatched(res.TaskID, res.TargetAgentID, res.ConversationID, res.ScreenplayID, eventSource)); err != nil {
		d.logger.Debug("failed to publish dispatched event", zap.Error(err))
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.TargetAgentID) == "" {
		return nil, apperr.New(apperr.KindValidation, "target_agent_id is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, apperr.New(apperr.KindValidation, "input is required")
	}

	agent, err := d.catalog.Get(ctx, req.TargetAgentID)
	if err != nil {
		return nil, err
	}

	var screenplayID, conversationID string
	if !req.Councilor {
		screenplayID, err = worker.Submit(ctx, d.pool, func(ctx context.Context) (string, error) {
			return taskstore.EnsureScreenplay(ctx, d.store, req.ScreenplayID, ScreenplayTitlePrefix+req.TargetAgentID, req.TargetAgentID, d.cwd)
		})
		if err != nil {
			return nil, err
		}

		conversationID = req.ConversationID
		if conversationID == "" {
			conversationID = messages.NewConversationID()
		}
		if err := d.pool.Do(ctx, func(ctx context.Context) error {
			return d.store.EnsureConversation(ctx, conversationID)
		}); err != nil {
			d.logger.Warn("failed to record conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	text, err := worker.Submit(ctx, d.pool, func(ctx context.Context) (string, error) {
		return d.prompts.Build(ctx, prompt.Request{
			AgentID:        req.TargetAgentID,
			Input:          req.Input,
			ConversationID: conversationID,
			ScreenplayID:   screenplayID,
			IncludeHistory: !req.Councilor && req.ConversationID != "",
		})
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, prompt.ErrEmptyPrompt
	}

	now := d.now().UTC()
	task := models.NewPendingTask(taskstore.NewTaskID(), req.TargetAgentID, now)
	task.Provider = agent.ProviderOrDefault()
	task.Prompt = text
	task.CWD = d.cwd
	task.Timeout = agent.TimeoutOrDefault()
	task.InstanceID = models.NewInstanceID(InstancePrefix, now)
	task.ConversationID = conversationID
	task.ScreenplayID = screenplayID
	task.IsCouncilorExecution = req.Councilor
	task.Source = req.Source
	if !task.Source.Valid() {
		task.Source = messages.SourceDispatchAPI
	}

	if err := d.pool.Do(ctx, func(ctx context.Context) error {
		return d.store.InsertTask(ctx, task)
	}); err != nil {
		return nil, err
	}

	return &Result{
		TaskID:         task.ID,
		TargetAgentID:  task.AgentID,
		InstanceID:     task.InstanceID,
		ConversationID: conversationID,
		ScreenplayID:   screenplayID,
		Status:         string(models.TaskStatusPending),
	}, nil
}

func (d *Dispatcher) record(result string) {
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(result).Inc()
	}
}
