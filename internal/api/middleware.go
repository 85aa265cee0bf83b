package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/primoia/conductor-sub000/internal/apperr"
	"github.com/primoia/conductor-sub000/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// metricsMiddleware records request counts and latency per route
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// normalizePath keeps metric label cardinality bounded by replacing ids
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "conversations" || parts[0] == "tasks") {
		parts[1] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

// recoveryMiddleware turns a handler panic into a 500
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
				s.respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowed := range s.config.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// require authenticates the request when auth is enabled and checks
// permission. An empty permission only authenticates; the handler then
// checks per method with allowed.
func (s *Server) require(permission string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Auth == nil {
			h(w, r)
			return
		}
		claims, err := s.Auth.FromRequest(r)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing bearer token"
			}
			s.respondError(w, status, msg)
			return
		}
		if permission != "" && !auth.HasPermission(claims, permission) {
			s.respondError(w, http.StatusForbidden, "permission denied: "+permission)
			return
		}
		h(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// allowed reports whether the request may use permission. Without auth
// everything is allowed.
func (s *Server) allowed(w http.ResponseWriter, r *http.Request, permission string) bool {
	if s.Auth == nil || auth.HasPermission(auth.ClaimsFromContext(r.Context()), permission) {
		return true
	}
	s.respondError(w, http.StatusForbidden, "permission denied: "+permission)
	return false
}

// rateLimiter limits requests per client address with a token bucket.
// A non-positive rps disables it.
func rateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for addr, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, addr)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				addr = r.RemoteAddr
			}
			mu.Lock()
			v, ok := visitors[addr]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[addr] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Warn("enqueue rate limited", zap.String("remote_addr", addr))
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "too many requests", Code: apperr.CodeRateLimited})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
