// Package governor decides whether an enqueue request may become a queued
// task. Every decision is made before anything reaches the broker.
package governor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// Rejection reasons, used as metric labels
const (
	ReasonUnknownAgent = "unknown_agent"
	ReasonSquad        = "squad"
	ReasonAutoDelegate = "auto_delegate"
	ReasonChainDepth   = "chain_depth"
	ReasonInvalid      = "invalid"
)

// Request is an enqueue request as received from a caller
type Request struct {
	TargetAgentID  string
	Input          string
	ConversationID string
	ScreenplayID   string
	Priority       *int
	Source         messages.Source
	ParentTaskID   string
	InstanceID     string
	IdempotencyKey string
}

// Decision is the outcome of an admitted request
type Decision struct {
	Message *messages.TaskMessage
	// ChainDepth is the depth the new task will have once stored.
	ChainDepth    int
	MaxChainDepth int
	AutoDelegate  bool
	// Existing is set when the request's idempotency key already produced a
	// stored task. Message is nil and nothing must be published.
	Existing *models.TaskDocument
}

// Governor applies context inheritance and the squad, auto-delegate and
// chain-depth guards.
type Governor struct {
	catalog         agents.Catalog
	store           taskstore.Store
	pool            *worker.Pool
	defaultMaxDepth int
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// Option configures a Governor
type Option func(*Governor)

// WithMetrics records rejections and admitted depths
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a governor. Store calls run on pool.
func New(catalog agents.Catalog, store taskstore.Store, pool *worker.Pool, defaultMaxDepth int, opts ...Option) *Governor {
	if defaultMaxDepth <= 0 {
		defaultMaxDepth = models.DefaultMaxChainDepth
	}
	g := &Governor{
		catalog:         catalog,
		store:           store,
		pool:            pool,
		defaultMaxDepth: defaultMaxDepth,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "governor"))
	return g
}

// Admit runs the guards in order and builds the message to publish.
// Rejections are *apperr.Error values: NotFound, Authorization, RateLimited
// or Validation.
func (g *Governor) Admit(ctx context.Context, req Request) (*Decision, error) {
	if strings.TrimSpace(req.TargetAgentID) == "" || strings.TrimSpace(req.Input) == "" {
		g.reject(ReasonInvalid)
		return nil, apperr.New(apperr.KindValidation, "target_agent_id and input are required")
	}
	if req.Source == "" {
		req.Source = messages.SourceDispatchAPI
	}
	if !req.Source.Valid() {
		g.reject(ReasonInvalid)
		return nil, apperr.New(apperr.KindValidation, "unknown source %q", req.Source)
	}

	if _, err := g.catalog.Get(ctx, req.TargetAgentID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			g.reject(ReasonUnknownAgent)
		}
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := worker.Submit(ctx, g.pool, func(ctx context.Context) (*models.TaskDocument, error) {
			return g.store.FindTaskByIdempotencyKey(ctx, req.IdempotencyKey)
		})
		if err == nil {
			g.logger.Info("idempotency key already stored",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("task_id", existing.ID))
			return &Decision{Existing: existing}, nil
		}
		if abort := g.aborted(ctx, err); abort != nil {
			return nil, abort
		}
	}

	conversationID, screenplayID, err := g.inheritContext(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := g.checkSquad(ctx, conversationID, req.TargetAgentID); err != nil {
		return nil, err
	}

	settings, err := g.settings(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !settings.AutoDelegate && req.Source == messages.SourceAgentChain {
		g.reject(ReasonAutoDelegate)
		g.logger.Info("agent chain blocked, auto_delegate disabled",
			zap.String("conversation_id", conversationID),
			zap.String("target_agent_id", req.TargetAgentID))
		return nil, apperr.Forbidden(
			"auto-delegation is disabled for conversation %s; enable auto_delegate via PATCH /conversations/%s/settings to allow agents to chain autonomously",
			conversationID, conversationID)
	}

	depth, err := g.chainDepth(ctx, conversationID, settings.MaxChainDepth)
	if err != nil {
		return nil, err
	}
	if depth >= settings.MaxChainDepth {
		g.reject(ReasonChainDepth)
		g.logger.Warn("chain depth limit reached",
			zap.String("conversation_id", conversationID),
			zap.String("target_agent_id", req.TargetAgentID),
			zap.Int("depth", depth),
			zap.Int("limit", settings.MaxChainDepth))
		return nil, apperr.RateLimited(
			"chain depth limit reached (%d/%d) in conversation %s; adjust via PATCH /conversations/%s/settings",
			depth, settings.MaxChainDepth, conversationID, conversationID).
			WithCode(apperr.CodeChainDepthExceeded)
	}

	msg := &messages.TaskMessage{
		TaskID:         taskstore.NewTaskID(),
		AgentID:        req.TargetAgentID,
		InstanceID:     req.InstanceID,
		ConversationID: conversationID,
		ScreenplayID:   screenplayID,
		Input:          req.Input,
		Priority:       messages.DefaultPriority,
		Source:         req.Source,
		ParentTaskID:   req.ParentTaskID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Priority != nil {
		msg.Priority = *req.Priority
	}
	msg.ApplyDefaults()

	if g.metrics != nil {
		g.metrics.ChainDepth.Observe(float64(depth))
	}
	return &Decision{
		Message:       msg,
		ChainDepth:    depth + 1,
		MaxChainDepth: settings.MaxChainDepth,
		AutoDelegate:  settings.AutoDelegate,
	}, nil
}

// inheritContext forces the parent's conversation and screenplay onto the
// request. A failed parent lookup falls back to the caller's values.
func (g *Governor) inheritContext(ctx context.Context, req Request) (string, string, error) {
	conversationID := req.ConversationID
	screenplayID := req.ScreenplayID

	if req.ParentTaskID != "" {
		parent, err := worker.Submit(ctx, g.pool, func(ctx context.Context) (*models.TaskDocument, error) {
			return g.store.GetTask(ctx, req.ParentTaskID)
		})
		switch {
		case err == nil:
			if parent.ConversationID != "" {
				if conversationID != "" && conversationID != parent.ConversationID {
					g.logger.Info("overriding conversation_id from parent task",
						zap.String("requested", conversationID),
						zap.String("inherited", parent.ConversationID),
						zap.String("parent_task_id", req.ParentTaskID))
				}
				conversationID = parent.ConversationID
			}
			if parent.ScreenplayID != "" {
				screenplayID = parent.ScreenplayID
			}
		default:
			if abort := g.aborted(ctx, err); abort != nil {
				return "", "", abort
			}
			g.logger.Warn("parent task lookup failed",
				zap.String("parent_task_id", req.ParentTaskID), zap.Error(err))
		}
	}

	if conversationID == "" {
		conversationID = messages.NewConversationID()
	}
	return conversationID, screenplayID, nil
}

func (g *Governor) checkSquad(ctx context.Context, conversationID, agentID string) error {
	squad, err := worker.Submit(ctx, g.pool, func(ctx context.Context) ([]string, error) {
		return g.store.SquadMembers(ctx, conversationID)
	})
	if err != nil {
		if abort := g.aborted(ctx, err); abort != nil {
			return abort
		}
		g.logger.Warn("squad lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	if len(squad) == 0 {
		return nil
	}
	for _, member := range squad {
		if member == agentID {
			return nil
		}
	}
	g.reject(ReasonSquad)
	g.logger.Warn("agent not in conversation squad",
		zap.String("conversation_id", conversationID),
		zap.String("target_agent_id", agentID),
		zap.Strings("squad", squad))
	return apperr.Forbidden("agent %q is not in this conversation's squad; instantiated agents: %v", agentID, squad)
}

// settings resolves conversation settings. A missing conversation uses the
// defaults; a failed lookup keeps the default depth but disables auto-delegation.
func (g *Governor) settings(ctx context.Context, conversationID string) (models.ConversationSettings, error) {
	conv, err := worker.Submit(ctx, g.pool, func(ctx context.Context) (*models.Conversation, error) {
		return g.store.GetConversation(ctx, conversationID)
	})
	switch {
	case err == nil:
		return conv.Resolve(g.defaultMaxDepth), nil
	case errors.Is(err, taskstore.ErrNotFound):
		return (*models.Conversation)(nil).Resolve(g.defaultMaxDepth), nil
	default:
		if abort := g.aborted(ctx, err); abort != nil {
			return models.ConversationSettings{}, abort
		}
		g.logger.Warn("conversation settings lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return models.ConversationSettings{MaxChainDepth: g.defaultMaxDepth, AutoDelegate: false}, nil
	}
}

// chainDepth counts the trailing agent_chain tasks; a failed scan counts as 0.
func (g *Governor) chainDepth(ctx context.Context, conversationID string, limit int) (int, error) {
	sources, err := worker.Submit(ctx, g.pool, func(ctx context.Context) ([]messages.Source, error) {
		return g.store.RecentTaskSources(ctx, conversationID, limit)
	})
	if err != nil {
		if abort := g.aborted(ctx, err); abort != nil {
			return 0, abort
		}
		g.logger.Warn("chain depth check failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return 0, nil
	}
	return taskstore.ChainDepth(sources), nil
}

// aborted turns a lookup failure caused by the caller going away or the pool
// shutting down into an error; other lookup failures degrade instead.
func (g *Governor) aborted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, worker.ErrPoolClosed) {
		return apperr.Wrap(apperr.KindUnavailable, err, "store worker pool unavailable")
	}
	return nil
}

func (g *Governor) reject(reason string) {
	if g.metrics != nil {
		g.metrics.RecordRejection(reason)
	}
}
