package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/checkpoint"
	"github.com/platformops/admin-coordinator/internal/consistency"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/metrics"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/rollback"
)

// OperationHandlers provides HTTP handlers for checkpoints, rollback
// points and consistency validation.
type OperationHandlers struct {
	checkpoints *checkpoint.Store
	rollbacks   *rollback.Manager
	validator   *consistency.Validator
	auditor     *audit.Recorder
	logger      *zap.Logger
	metrics     *metrics.Metrics
	retention   time.Duration
}

// NewOperationHandlers creates a new OperationHandlers instance.
// retention is the default checkpoint age cutoff used when a cleanup
// request does not name one.
func NewOperationHandlers(checkpoints *checkpoint.Store, rollbacks *rollback.Manager,
	validator *consistency.Validator, auditor *audit.Recorder,
	logger *zap.Logger, m *metrics.Metrics, retention time.Duration) *OperationHandlers {
	return &OperationHandlers{
		checkpoints: checkpoints,
		rollbacks:   rollbacks,
		validator:   validator,
		auditor:     auditor,
		logger:      logger,
		metrics:     m,
		retention:   retention,
	}
}

// checkpointSaveRequest is the body for saving a checkpoint step.
type checkpointSaveRequest struct {
	Step string         `json:"step"`
	Data map[string]any `json:"data,omitempty"`
}

// checkpointCleanupRequest is the body for cleaning up stale checkpoints.
type checkpointCleanupRequest struct {
	OlderThanDays int `json:"olderThanDays,omitempty"`
}

// checkpointCleanupResponse reports how many checkpoints were removed.
type checkpointCleanupResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
}

// rollbackCreateRequest is the body for creating a rollback point.
type rollbackCreateRequest struct {
	OperationID string         `json:"operationId"`
	Documents   []rollback.Ref `json:"documents"`
}

// consistencyValidateRequest is the body for a validation pass.
type consistencyValidateRequest struct {
	Checks []model.ConsistencyCheck `json:"checks"`
}

// HandleCheckpointSave handles POST /v1/checkpoints/{operationID} requests.
// Returns:
//   - 200 OK: Checkpoint saved; the merged checkpoint is returned
//   - 400 Bad Request: Invalid request body or validation error
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleCheckpointSave(w http.ResponseWriter, r *http.Request) {
	operationID := strings.TrimSpace(chi.URLParam(r, "operationID"))
	if msg := validateName(operationID, "Operation id"); msg != "" {
		h.recordMetric("checkpoint", "save", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	var req checkpointSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode checkpoint request", zap.Error(err))
		h.recordMetric("checkpoint", "save", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateName(req.Step, "Step"); msg != "" {
		h.recordMetric("checkpoint", "save", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	cp, err := h.checkpoints.Save(r.Context(), operationID, req.Step, req.Data)
	if err != nil {
		h.recordMetric("checkpoint", "save", err)
		if errors.Is(err, docstore.ErrInvalidArgument) {
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to save checkpoint", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to save checkpoint")
		return
	}

	h.recordMetric("checkpoint", "save", nil)
	respondJSON(h.logger, w, http.StatusOK, cp)
}

// HandleCheckpointGet handles GET /v1/checkpoints/{operationID} requests.
// Returns:
//   - 200 OK: The checkpoint is returned
//   - 400 Bad Request: Invalid operation id
//   - 404 Not Found: No checkpoint exists for the operation
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	operationID := strings.TrimSpace(chi.URLParam(r, "operationID"))
	if msg := validateName(operationID, "Operation id"); msg != "" {
		h.recordMetric("checkpoint", "restore", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	cp, found, err := h.checkpoints.Restore(r.Context(), operationID)
	if err != nil {
		h.recordMetric("checkpoint", "restore", err)
		h.logger.Error("Failed to restore checkpoint", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to restore checkpoint")
		return
	}
	if !found {
		h.recordMetric("checkpoint", "restore", nil)
		respondError(h.logger, w, http.StatusNotFound, "No checkpoint exists for this operation")
		return
	}

	h.recordMetric("checkpoint", "restore", nil)
	respondJSON(h.logger, w, http.StatusOK, cp)
}

// HandleCheckpointCleanup handles POST /v1/checkpoints/cleanup requests.
// An empty body uses the configured retention period.
// Returns:
//   - 200 OK: Cleanup ran; the removed count is returned
//   - 400 Bad Request: Invalid request body
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleCheckpointCleanup(w http.ResponseWriter, r *http.Request) {
	var req checkpointCleanupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Error("Failed to decode cleanup request", zap.Error(err))
			h.recordMetric("checkpoint", "cleanup", errInvalid)
			respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.OlderThanDays < 0 {
		h.recordMetric("checkpoint", "cleanup", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "olderThanDays cannot be negative")
		return
	}

	cutoff := time.Now().Add(-h.retention)
	if req.OlderThanDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -req.OlderThanDays)
	}

	removed, err := h.checkpoints.Cleanup(r.Context(), cutoff)
	if err != nil {
		h.recordMetric("checkpoint", "cleanup", err)
		h.logger.Error("Failed to clean up checkpoints", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to clean up checkpoints")
		return
	}

	h.recordMetric("checkpoint", "cleanup", nil)
	respondJSON(h.logger, w, http.StatusOK, checkpointCleanupResponse{
		Status:  "ok",
		Removed: removed,
	})
}

// HandleRollbackCreate handles POST /v1/rollback-points requests.
// Returns:
//   - 200 OK: Rollback point created; the captured snapshots are returned
//   - 400 Bad Request: Invalid request body or validation error
//   - 401 Unauthorized: No authenticated operator
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleRollbackCreate(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("rollback", "create", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	var req rollbackCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode rollback request", zap.Error(err))
		h.recordMetric("rollback", "create", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateName(req.OperationID, "Operation id"); msg != "" {
		h.recordMetric("rollback", "create", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	point, err := h.rollbacks.Create(r.Context(), req.OperationID, req.Documents)
	if err != nil {
		h.recordMetric("rollback", "create", err)
		if errors.Is(err, docstore.ErrInvalidArgument) {
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to create rollback point", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to create rollback point")
		return
	}

	h.auditBestEffort(r, operator, model.AdminAuditEntry{
		OperatorID:    operator.UID,
		OperatorEmail: operator.Email,
		Action:        "rollback.create",
		Collection:    rollback.Collection,
		DocumentID:    req.OperationID,
	})

	h.recordMetric("rollback", "create", nil)
	respondJSON(h.logger, w, http.StatusOK, point)
}

// HandleRollbackExecute handles POST /v1/rollback-points/{operationID}/execute
// requests.
// Returns:
//   - 200 OK: Snapshots restored; the consumed point is returned
//   - 400 Bad Request: Invalid operation id
//   - 401 Unauthorized: No authenticated operator
//   - 404 Not Found: No rollback point exists for the operation
//   - 410 Gone: The rollback point was already used
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleRollbackExecute(w http.ResponseWriter, r *http.Request) {
	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("rollback", "execute", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	operationID := strings.TrimSpace(chi.URLParam(r, "operationID"))
	if msg := validateName(operationID, "Operation id"); msg != "" {
		h.recordMetric("rollback", "execute", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	point, err := h.rollbacks.Execute(r.Context(), operationID)
	if err != nil {
		h.recordMetric("rollback", "execute", err)
		switch {
		case errors.Is(err, rollback.ErrAlreadyUsed):
			respondError(h.logger, w, http.StatusGone, "Rollback point was already used")
		case errors.Is(err, docstore.ErrNotFound):
			respondError(h.logger, w, http.StatusNotFound, "No rollback point exists for this operation")
		default:
			h.logger.Error("Failed to execute rollback", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to execute rollback")
		}
		return
	}

	h.auditBestEffort(r, operator, model.AdminAuditEntry{
		OperatorID:    operator.UID,
		OperatorEmail: operator.Email,
		Action:        "rollback.execute",
		Collection:    rollback.Collection,
		DocumentID:    operationID,
	})

	h.recordMetric("rollback", "execute", nil)
	respondJSON(h.logger, w, http.StatusOK, point)
}

// HandleConsistencyValidate handles POST /v1/consistency/validate requests.
// An inconsistent result is still a 200; the caller decides whether to
// abort.
// Returns:
//   - 200 OK: Validation ran; the result is returned
//   - 400 Bad Request: Invalid request body or validation error
//   - 500 Internal Server Error: Store or internal error
func (h *OperationHandlers) HandleConsistencyValidate(w http.ResponseWriter, r *http.Request) {
	var req consistencyValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode validation request", zap.Error(err))
		h.recordMetric("consistency", "validate", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.validator.Validate(r.Context(), req.Checks)
	if err != nil {
		h.recordMetric("consistency", "validate", err)
		if errors.Is(err, docstore.ErrInvalidArgument) {
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to validate consistency", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to validate consistency")
		return
	}

	h.recordMetric("consistency", "validate", nil)
	respondJSON(h.logger, w, http.StatusOK, result)
}

// auditBestEffort writes an audit entry without failing the request; the
// mutation already happened, so a log write failure is logged and the
// response stays successful.
func (h *OperationHandlers) auditBestEffort(r *http.Request, operator *identity.Operator, entry model.AdminAuditEntry) {
	if h.auditor == nil {
		return
	}
	if _, err := h.auditor.Record(r.Context(), entry); err != nil {
		h.logger.Error("Failed to record audit entry",
			zap.String("operator", operator.UID),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// recordMetric records an operation metric for the named component.
func (h *OperationHandlers) recordMetric(component, operation string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveOperation(component, operation, err)
	}
}
