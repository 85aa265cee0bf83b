package api

import (
	"net/http"
	"strconv"

	"github.com/primoia/conductor-sub000/internal/pulse"
)

// handlePulseEvents handles GET /pulse/events?limit=
func (s *Server) handlePulseEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}
	if s.Pulse == nil {
		s.respondError(w, http.StatusServiceUnavailable, "pulse listener is disabled")
		return
	}

	limit := pulse.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}

	events := s.Pulse.Recent(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handlePulseStatus handles GET /pulse/status
func (s *Server) handlePulseStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}
	if s.Pulse == nil {
		s.respondError(w, http.StatusServiceUnavailable, "pulse listener is disabled")
		return
	}
	s.respondJSON(w, http.StatusOK, s.Pulse.Status())
}
