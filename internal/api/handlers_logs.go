package api

import (
	"net/http"
	"strconv"
)

// handleLogsRecent returns recent log entries
func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}
	if s.Logs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "log buffer is disabled")
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	level := r.URL.Query().Get("level")

	logs := s.Logs.GetRecent(limit, level)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}
