package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/auth"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// SettingsResponse is the resolved settings of one conversation
type SettingsResponse struct {
	ConversationID string `json:"conversation_id"`
	models.ConversationSettings
}

// AddAgentRequest embodies an agent in a conversation
type AddAgentRequest struct {
	AgentID    string `json:"agent_id"`
	InstanceID string `json:"instance_id,omitempty"`
}

// handleConversation routes /conversations/{id}/settings and /conversations/{id}/agents
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	parts := s.pathParts(r.URL.Path, "/conversations/")
	if len(parts) != 2 {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	conversationID := parts[0]

	switch parts[1] {
	case "settings":
		switch r.Method {
		case http.MethodGet:
			if s.allowed(w, r, auth.PermReadTasks) {
				s.getSettings(w, r, conversationID)
			}
		case http.MethodPatch, http.MethodPut:
			if s.allowed(w, r, auth.PermConversation) {
				s.updateSettings(w, r, conversationID)
			}
		default:
			s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		}
	case "agents":
		switch r.Method {
		case http.MethodGet:
			if s.allowed(w, r, auth.PermReadTasks) {
				s.listSquad(w, r, conversationID)
			}
		case http.MethodPost:
			if s.allowed(w, r, auth.PermConversation) {
				s.addAgent(w, r, conversationID)
			}
		default:
			s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		}
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request, conversationID string) {
	conv, err := worker.Submit(r.Context(), s.Pool, func(ctx context.Context) (*models.Conversation, error) {
		return s.Store.GetConversation(ctx, conversationID)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "conversation %s", conversationID))
		return
	}
	s.respondJSON(w, http.StatusOK, SettingsResponse{
		ConversationID:       conversationID,
		ConversationSettings: conv.Resolve(s.maxChainDepth()),
	})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request, conversationID string) {
	var update models.SettingsUpdate
	if err := s.parseJSON(r, &update); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if d := update.MaxChainDepth; d != nil && (*d < 0 || *d > models.MaxChainDepthCeiling) {
		s.respondError(w, http.StatusBadRequest, "max_chain_depth must be between 0 and 100")
		return
	}

	_, err := worker.Submit(r.Context(), s.Pool, func(ctx context.Context) (*models.Conversation, error) {
		return s.Store.UpdateConversationSettings(ctx, conversationID, update)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "conversation %s", conversationID))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Settings updated",
	})
}

func (s *Server) listSquad(w http.ResponseWriter, r *http.Request, conversationID string) {
	members, err := worker.Submit(r.Context(), s.Pool, func(ctx context.Context) ([]string, error) {
		return s.Store.SquadMembers(ctx, conversationID)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "conversation %s", conversationID))
		return
	}
	if members == nil {
		members = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"agents":          members,
	})
}

func (s *Server) addAgent(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req AddAgentRequest
	if err := s.parseJSON(r, &req); err != nil || strings.TrimSpace(req.AgentID) == "" {
		s.respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	now := time.Now().UTC()
	instance := &models.AgentInstance{
		InstanceID:     req.InstanceID,
		AgentID:        req.AgentID,
		ConversationID: conversationID,
		CreatedAt:      now,
	}
	if instance.InstanceID == "" {
		instance.InstanceID = models.NewInstanceID("instance", now)
	}

	err := s.Pool.Do(r.Context(), func(ctx context.Context) error {
		if err := s.Store.EnsureConversation(ctx, conversationID); err != nil {
			return err
		}
		return s.Store.AddAgentInstance(ctx, instance)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "conversation %s", conversationID))
		return
	}
	s.respondJSON(w, http.StatusCreated, instance)
}

// maxChainDepth is the global default used to resolve settings
func (s *Server) maxChainDepth() int {
	if s.config.MaxChainDepth > 0 {
		return s.config.MaxChainDepth
	}
	return models.DefaultMaxChainDepth
}

// storeError gives task store failures an error kind
func storeError(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, format, args...)
	case errors.Is(err, taskstore.ErrDuplicateKey):
		return apperr.Wrap(apperr.KindDuplicate, err, format, args...)
	case errors.Is(err, worker.ErrPoolClosed):
		return apperr.Wrap(apperr.KindUnavailable, err, "store unavailable")
	default:
		return err
	}
}
