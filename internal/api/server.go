package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/auth"
	"github.com/primoia/conductor-sub000/internal/dispatch"
	"github.com/primoia/conductor-sub000/internal/governor"
	"github.com/primoia/conductor-sub000/internal/logging"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/pulse"
	"github.com/primoia/conductor-sub000/internal/taskqueue"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/messages"
)

// Queue is what the enqueue and stats handlers need from the task queue
type Queue interface {
	Publish(ctx context.Context, msg *messages.TaskMessage) bool
	Snapshot() taskqueue.Snapshot
}

// Dispatcher runs the synchronous fallback
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// PulseSource exposes the dead letter history
type PulseSource interface {
	Recent(limit int) []pulse.Event
	Status() pulse.Status
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Config holds the HTTP surface settings
type Config struct {
	AllowedOrigins []string
	EnqueueRPS     float64
	EnqueueBurst   int
	// MaxChainDepth is the global default reported for conversations
	// without an override
	MaxChainDepth int
	Version       string
}

// Deps are the collaborators of the server. Auth, Pulse, Logs and Metrics
// are optional.
type Deps struct {
	Governor   *governor.Governor
	Queue      Queue
	Dispatcher Dispatcher
	Store      taskstore.Store
	Pool       *worker.Pool
	Pulse      PulseSource
	Logs       *logging.Manager
	Auth       *auth.Manager
	Metrics    *metrics.Metrics
	Health     map[string]HealthCheck
	// Critical names the health checks that make the service unready
	Critical []string
	Logger   *zap.Logger
}

// Server represents the HTTP API server
type Server struct {
	Deps
	config Config
	logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Deps:   deps,
		config: cfg,
		logger: logger.With(zap.String("component", "api")),
	}
}

// SetupRoutes configures HTTP routes. ctx bounds background work such as
// rate limiter cleanup.
func (s *Server) SetupRoutes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Delegation queue
	enqueueLimiter := rateLimiter(ctx, s.config.EnqueueRPS, s.config.EnqueueBurst, s.logger)
	mux.Handle("/agents/enqueue", enqueueLimiter(s.require(auth.PermEnqueue, s.handleEnqueue)))
	mux.Handle("/agents/dispatch", s.require(auth.PermDispatch, s.handleDispatch))
	mux.Handle("/agents/queue/stats", s.require(auth.PermReadTasks, s.handleQueueStats))

	// Conversations
	mux.Handle("/conversations/", s.require("", s.handleConversation))

	// Tasks
	mux.Handle("/tasks/", s.require("", s.handleTask))

	// Pulse
	mux.Handle("/pulse/events", s.require(auth.PermPulse, s.handlePulseEvents))
	mux.Handle("/pulse/status", s.require(auth.PermPulse, s.handlePulseStatus))

	// Logs
	mux.Handle("/logs/recent", s.require(auth.PermAll, s.handleLogsRecent))

	// Apply middleware
	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return otelhttp.NewHandler(handler, "conductor")
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

// respondAppError maps err onto its HTTP status
func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: apperr.CodeOf(err)})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParts splits the path below prefix, e.g. "/conversations/c1/settings"
// with prefix "/conversations/" gives ["c1", "settings"].
func (s *Server) pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
