package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/dispatch"
	"github.com/primoia/conductor-sub000/internal/governor"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

// EnqueueRequest is the body of POST /agents/enqueue
type EnqueueRequest struct {
	TargetAgentID  string          `json:"target_agent_id"`
	Input          string          `json:"input"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ScreenplayID   string          `json:"screenplay_id,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
	Source         messages.Source `json:"source,omitempty"`
	ParentTaskID   string          `json:"parent_task_id,omitempty"`
	InstanceID     string          `json:"instance_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// EnqueueResponse is returned once a task is on the queue
type EnqueueResponse struct {
	TaskID         string `json:"task_id"`
	TargetAgentID  string `json:"target_agent_id"`
	InstanceID     string `json:"instance_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ChainDepth     int    `json:"chain_depth"`
	MaxChainDepth  int    `json:"max_chain_depth"`
	AutoDelegate   bool   `json:"auto_delegate"`
	Status         string `json:"status"`
}

const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// handleEnqueue handles POST /agents/enqueue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}

	var req EnqueueRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	decision, err := s.Governor.Admit(r.Context(), governor.Request{
		TargetAgentID:  req.TargetAgentID,
		Input:          req.Input,
		ConversationID: req.ConversationID,
		ScreenplayID:   req.ScreenplayID,
		Priority:       req.Priority,
		Source:         req.Source,
		ParentTaskID:   req.ParentTaskID,
		InstanceID:     req.InstanceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	if existing := decision.Existing; existing != nil {
		s.respondJSON(w, http.StatusOK, EnqueueResponse{
			TaskID:         existing.ID,
			TargetAgentID:  existing.AgentID,
			InstanceID:     existing.InstanceID,
			ConversationID: existing.ConversationID,
			IdempotencyKey: existing.IdempotencyKey,
			Status:         StatusDuplicate,
		})
		return
	}

	msg := decision.Message
	if !s.Queue.Publish(r.Context(), msg) {
		s.logger.Warn("enqueue refused, broker unavailable",
			zap.String("task_id", msg.TaskID),
			zap.String("target_agent_id", msg.AgentID))
		s.respondError(w, http.StatusServiceUnavailable, ErrQueueUnavailable.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, EnqueueResponse{
		TaskID:         msg.TaskID,
		TargetAgentID:  msg.AgentID,
		InstanceID:     msg.InstanceID,
		ConversationID: msg.ConversationID,
		IdempotencyKey: msg.IdempotencyKey,
		ChainDepth:     decision.ChainDepth,
		MaxChainDepth:  decision.MaxChainDepth,
		AutoDelegate:   decision.AutoDelegate,
		Status:         StatusQueued,
	})
}

// handleDispatch handles POST /agents/dispatch
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}

	var req dispatch.Request
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleQueueStats handles GET /agents/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.Queue.Snapshot())
}
