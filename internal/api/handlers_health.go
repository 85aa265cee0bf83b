package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp    time.Time              `json:"timestamp"`
	Uptime       int64                  `json:"uptime_seconds"`
	Version      string                 `json:"version,omitempty"`
	Dependencies map[string]DepHealth   `json:"dependencies"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

var startTime = time.Now()

// handleHealth handles GET /health. An unhealthy critical dependency
// answers 503, any other failure only degrades the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, ErrMethodNotAllowed.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := s.checkDependencies(ctx)

	overall := "healthy"
	for name, dep := range deps {
		if dep.Status == "healthy" {
			continue
		}
		if s.isCritical(name) {
			overall = "unhealthy"
			break
		}
		overall = "degraded"
	}

	status := HealthStatus{
		Status:       overall,
		Timestamp:    time.Now().UTC(),
		Uptime:       int64(time.Since(startTime).Seconds()),
		Version:      s.config.Version,
		Dependencies: deps,
		Metrics:      s.healthMetrics(),
	}

	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// checkDependencies runs every registered check concurrently
func (s *Server) checkDependencies(ctx context.Context) map[string]DepHealth {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]DepHealth, len(s.Health))
	)
	for name, check := range s.Health {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			start := time.Now()
			dep := DepHealth{Status: "healthy"}
			if err := check(ctx); err != nil {
				dep.Status = "unhealthy"
				dep.Message = err.Error()
			}
			dep.Latency = time.Since(start).Milliseconds()
			mu.Lock()
			out[name] = dep
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return out
}

func (s *Server) isCritical(name string) bool {
	for _, c := range s.Critical {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Server) healthMetrics() map[string]interface{} {
	m := make(map[string]interface{})
	if s.Queue != nil {
		m["queue"] = s.Queue.Snapshot()
	}
	if s.Pool != nil {
		m["store_pool"] = s.Pool.GetPoolStats()
	}
	if s.Pulse != nil {
		m["pulse"] = s.Pulse.Status()
	}
	return m
}
