package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/health"
	"github.com/platformops/admin-coordinator/internal/middleware"
)

// setupAPIRoutes configures the API server routes. Everything under /v1
// requires an authenticated operator.
func (s *Server) setupAPIRoutes(r *chi.Mux) {
	r.Get("/ping", handlePing(s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.IdentityMiddleware(s.cfg.AuthJWTSecret, s.provider, s.logger))

		r.Post("/locks/acquire", s.lockHandlers.HandleAcquire)
		r.Post("/locks/release", s.lockHandlers.HandleRelease)
		r.Post("/locks/renew", s.lockHandlers.HandleRenew)
		r.Get("/locks/{name}", s.lockHandlers.HandleInspect)

		r.Post("/checkpoints/cleanup", s.operationHandlers.HandleCheckpointCleanup)
		r.Post("/checkpoints/{operationID}", s.operationHandlers.HandleCheckpointSave)
		r.Get("/checkpoints/{operationID}", s.operationHandlers.HandleCheckpointGet)

		r.Post("/rollback-points", s.operationHandlers.HandleRollbackCreate)
		r.Post("/rollback-points/{operationID}/execute", s.operationHandlers.HandleRollbackExecute)

		r.Post("/consistency/validate", s.operationHandlers.HandleConsistencyValidate)

		r.Post("/sessions", s.sessionHandlers.HandleStart)
		r.Get("/sessions/current", s.sessionHandlers.HandleCurrent)
		r.Post("/sessions/actions", s.sessionHandlers.HandleAddAction)
		r.Post("/sessions/end", s.sessionHandlers.HandleEnd)
		r.Post("/sessions/emergency-exit", s.sessionHandlers.HandleEmergencyExit)
	})
}

// setupProbeRoutes configures the probe server routes. The emergency
// exit is also reachable here, so an operator can always escape an
// impersonation session even when the API server is saturated.
func (s *Server) setupProbeRoutes(r *chi.Mux) {
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "startup")).
		Get("/healthz/startup", s.handleStartup)
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "live")).
		Get("/healthz/live", s.handleLiveness)
	r.With(middleware.HealthCheckMetricsMiddleware(s.metrics, "ready")).
		Get("/healthz/ready", s.handleReadiness)

	r.With(middleware.IdentityMiddleware(s.cfg.AuthJWTSecret, s.provider, s.logger)).
		Post("/sessions/emergency-exit", s.sessionHandlers.HandleEmergencyExit)
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"status": "pong",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("Failed to encode ping response", zap.Error(err))
		}
	}
}

// handleStartup handles the startup probe endpoint.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	response := s.healthManager.GetStartupStatus(r.Context())

	status := http.StatusOK
	if response.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	s.writeHealthResponse(w, status, response)
}

// handleLiveness handles the liveness probe endpoint.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeHealthResponse(w, http.StatusOK, s.healthManager.GetLivenessStatus())
}

// handleReadiness handles the readiness probe endpoint.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	response := s.healthManager.GetReadinessStatus(r.Context())

	status := http.StatusOK
	if !response.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeHealthResponse(w, status, response)
}

// writeHealthResponse sends a JSON probe response.
func (s *Server) writeHealthResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
