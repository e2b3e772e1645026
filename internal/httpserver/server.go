package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/middleware"
	"go.uber.org/zap"
)

// HealthChecker reports whether the backing stores answer.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Health HealthChecker
	Config *config.Config
	Logger *zap.Logger
}

// Server serves the operational endpoints of a worker process.
type Server struct {
	health HealthChecker
	logger *zap.Logger
}

// NewServer constructs the ops handler: /health, /ready and, when enabled,
// the Prometheus scrape endpoint.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{health: deps.Health, logger: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	quiet := []string{"/health", "/ready"}
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
		quiet = append(quiet, deps.Config.Metrics.Path)
	}

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.NewRecoveryMiddleware(deps.Logger).Handler,
		middleware.NewLoggingMiddleware(deps.Logger, quiet...).Handler,
	)
}

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleReady fails while any store is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Health(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			s.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"})
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
