package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/metrics"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/session"
)

// SessionHandlers provides HTTP handlers for impersonation sessions.
type SessionHandlers struct {
	sessions        *session.Manager
	logger          *zap.Logger
	metrics         *metrics.Metrics
	defaultEstimate int
}

// NewSessionHandlers creates a new SessionHandlers instance.
// defaultEstimate is the estimated duration in minutes applied when a
// start request omits one.
func NewSessionHandlers(sessions *session.Manager, logger *zap.Logger, m *metrics.Metrics,
	defaultEstimate int) *SessionHandlers {
	return &SessionHandlers{
		sessions:        sessions,
		logger:          logger,
		metrics:         m,
		defaultEstimate: defaultEstimate,
	}
}

// sessionStartRequest is the body for starting an impersonation session.
type sessionStartRequest struct {
	TargetTenantID   string `json:"targetTenantId"`
	Reason           string `json:"reason"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
}

// sessionActionRequest is the body for recording a session action.
type sessionActionRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource,omitempty"`
	Method   string         `json:"method,omitempty"`
	Path     string         `json:"path,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// sessionEndRequest is the body for ending a session.
type sessionEndRequest struct {
	Reason string `json:"reason,omitempty"`
}

// sessionResponse wraps a session with its derived time-box state so the
// calling surface can render warnings without re-deriving them.
type sessionResponse struct {
	Session        *model.ImpersonationSession `json:"session"`
	ElapsedSeconds int                         `json:"elapsedSeconds"`
	Warning        model.WarningLevel          `json:"warning"`
}

func newSessionResponse(s *model.ImpersonationSession) sessionResponse {
	now := time.Now()
	return sessionResponse{
		Session:        s,
		ElapsedSeconds: int(s.Elapsed(now).Seconds()),
		Warning:        s.Warning(now),
	}
}

// HandleStart handles POST /v1/sessions requests.
// Returns:
//   - 200 OK: Session started
//   - 400 Bad Request: Invalid request body or validation error
//   - 401 Unauthorized: No authenticated operator
//   - 403 Forbidden: Operator's role does not grant impersonation
//   - 404 Not Found: Operator record does not exist
//   - 409 Conflict: Operator already has an active session
//   - 500 Internal Server Error: Store or internal error
func (h *SessionHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("start", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode session request", zap.Error(err))
		h.recordMetric("start", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EstimatedMinutes == 0 {
		req.EstimatedMinutes = h.defaultEstimate
	}

	sess, err := h.sessions.Start(r.Context(), operator.UID, req.TargetTenantID,
		req.Reason, req.EstimatedMinutes)
	if err != nil {
		h.recordMetric("start", err)
		switch {
		case errors.Is(err, session.ErrAlreadyActingAs):
			respondError(h.logger, w, http.StatusConflict, "An impersonation session is already active")
		case errors.Is(err, docstore.ErrPermissionDenied):
			respondError(h.logger, w, http.StatusForbidden, "Operator role does not grant impersonation")
		case errors.Is(err, docstore.ErrNotFound):
			respondError(h.logger, w, http.StatusNotFound, "Operator record does not exist")
		case errors.Is(err, docstore.ErrInvalidArgument):
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Failed to start session", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to start session")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
	h.recordMetric("start", nil)
	respondJSON(h.logger, w, http.StatusOK, newSessionResponse(sess))
}

// HandleCurrent handles GET /v1/sessions/current requests.
// Returns:
//   - 200 OK: The active session is returned with its time-box state
//   - 401 Unauthorized: No authenticated operator
//   - 404 Not Found: The operator has no active session
//   - 500 Internal Server Error: Store or internal error
func (h *SessionHandlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("current", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	sess, err := h.sessions.Current(r.Context(), operator.UID)
	if err != nil {
		h.recordMetric("current", err)
		if errors.Is(err, session.ErrNoActiveSession) {
			respondError(h.logger, w, http.StatusNotFound, "No active impersonation session")
			return
		}
		h.logger.Error("Failed to load session", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to load session")
		return
	}

	h.recordMetric("current", nil)
	respondJSON(h.logger, w, http.StatusOK, newSessionResponse(sess))
}

// HandleAddAction handles POST /v1/sessions/actions requests.
// Returns:
//   - 204 No Content: Action recorded
//   - 400 Bad Request: Invalid request body or validation error
//   - 401 Unauthorized: No authenticated operator
//   - 404 Not Found: No active session to record against
//   - 500 Internal Server Error: Store or internal error
func (h *SessionHandlers) HandleAddAction(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("add-action", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode action request", zap.Error(err))
		h.recordMetric("add-action", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.sessions.AddAction(r.Context(), operator.UID, req.Action,
		req.Resource, req.Method, req.Path, req.Details)
	if err != nil {
		h.recordMetric("add-action", err)
		switch {
		case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrSessionEnded):
			respondError(h.logger, w, http.StatusNotFound, "No active impersonation session")
		case errors.Is(err, docstore.ErrInvalidArgument):
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Failed to record session action", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to record session action")
		}
		return
	}

	h.recordMetric("add-action", nil)
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnd handles POST /v1/sessions/end requests.
// Returns:
//   - 200 OK: Session ended; the final session record is returned
//   - 401 Unauthorized: No authenticated operator
//   - 404 Not Found: No active session to end
//   - 500 Internal Server Error: Store or internal error
func (h *SessionHandlers) HandleEnd(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("end", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	var req sessionEndRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Error("Failed to decode end request", zap.Error(err))
			h.recordMetric("end", errInvalid)
			respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	sess, err := h.sessions.End(r.Context(), operator.UID, req.Reason)
	if err != nil {
		h.recordMetric("end", err)
		switch {
		case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrSessionEnded):
			respondError(h.logger, w, http.StatusNotFound, "No active impersonation session")
		default:
			h.logger.Error("Failed to end session", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to end session")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
	h.recordMetric("end", nil)
	respondJSON(h.logger, w, http.StatusOK, newSessionResponse(sess))
}

// HandleEmergencyExit handles POST /v1/sessions/emergency-exit requests.
// This path avoids the coordination machinery entirely so it stays
// usable when locks or transactions are degraded.
// Returns:
//   - 200 OK: Session ended; the final session record is returned
//   - 401 Unauthorized: No authenticated operator
//   - 404 Not Found: No active session to end
//   - 500 Internal Server Error: Store or internal error
func (h *SessionHandlers) HandleEmergencyExit(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("emergency-exit", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	sess, ended, err := h.sessions.EmergencyExit(r.Context(), operator.UID)
	if err != nil {
		h.recordMetric("emergency-exit", err)
		if errors.Is(err, session.ErrNoActiveSession) {
			respondError(h.logger, w, http.StatusNotFound, "No active impersonation session")
			return
		}
		h.logger.Error("Failed to run emergency exit", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to run emergency exit")
		return
	}

	// A stale pointer exit did not end an active session; decrementing
	// there would drift the gauge below the true count.
	if ended && h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
	h.recordMetric("emergency-exit", nil)
	respondJSON(h.logger, w, http.StatusOK, newSessionResponse(sess))
}

// recordMetric records a session operation metric.
func (h *SessionHandlers) recordMetric(operation string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveOperation("session", operation, err)
	}
}
