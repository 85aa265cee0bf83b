package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/auth"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// CompleteTaskRequest is posted by the execution watcher when a task ends
type CompleteTaskRequest struct {
	Result          string  `json:"result"`
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration"`
}

// handleTask routes GET /tasks/{id} and POST /tasks/{id}/complete
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	parts := s.pathParts(r.URL.Path, "/tasks/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
			return
		}
		if s.allowed(w, r, auth.PermReadTasks) {
			s.getTask(w, r, parts[0])
		}
	case len(parts) == 2 && parts[1] == "complete":
		if r.Method != http.MethodPost {
			s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
			return
		}
		if s.allowed(w, r, auth.PermDispatch) {
			s.completeTask(w, r, parts[0])
		}
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := worker.Submit(r.Context(), s.Pool, func(ctx context.Context) (*models.TaskDocument, error) {
		return s.Store.GetTask(ctx, taskID)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "task %s", taskID))
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req CompleteTaskRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	duration := time.Duration(req.DurationSeconds * float64(time.Second))

	task, err := worker.Submit(r.Context(), s.Pool, func(ctx context.Context) (*models.TaskDocument, error) {
		if err := s.Store.CompleteTask(ctx, taskID, req.Result, req.ExitCode, duration); err != nil {
			return nil, err
		}
		return s.Store.GetTask(ctx, taskID)
	})
	if err != nil {
		s.respondAppError(w, storeError(err, "task %s", taskID))
		return
	}
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("severity", string(task.Severity)))
	s.respondJSON(w, http.StatusOK, task)
}
