package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/lock"
	"github.com/platformops/admin-coordinator/internal/metrics"
	"github.com/platformops/admin-coordinator/internal/model"
)

// LockHandlers provides HTTP handlers for lock lease operations.
type LockHandlers struct {
	locks      *lock.Manager
	logger     *zap.Logger
	metrics    *metrics.Metrics
	defaultTTL time.Duration
	maxWaitCap time.Duration
}

// NewLockHandlers creates a new LockHandlers instance. defaultTTL
// applies when a request omits ttlSeconds; maxWaitCap bounds how long
// any caller may wait on a contended lease.
func NewLockHandlers(locks *lock.Manager, logger *zap.Logger, m *metrics.Metrics,
	defaultTTL, maxWaitCap time.Duration) *LockHandlers {
	return &LockHandlers{
		locks:      locks,
		logger:     logger,
		metrics:    m,
		defaultTTL: defaultTTL,
		maxWaitCap: maxWaitCap,
	}
}

// HandleAcquire handles POST /v1/locks/acquire requests.
// Returns:
//   - 200 OK: Lease acquired
//   - 400 Bad Request: Invalid request body or validation error
//   - 408 Request Timeout: Lease still held after maxWaitSeconds
//   - 500 Internal Server Error: Store or internal error
func (h *LockHandlers) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req model.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode acquire request", zap.Error(err))
		h.recordMetric("acquire", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if msg := validateName(req.Name, "Lock name"); msg != "" {
		h.recordMetric("acquire", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}
	if req.TTLSeconds < 0 || req.MaxWaitSeconds < 0 {
		h.recordMetric("acquire", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "ttlSeconds and maxWaitSeconds cannot be negative")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = h.defaultTTL
	}
	maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
	if maxWait > h.maxWaitCap {
		maxWait = h.maxWaitCap
	}

	operator, ok := identity.FromContext(r.Context())
	if !ok {
		h.recordMetric("acquire", errInvalid)
		respondError(h.logger, w, http.StatusUnauthorized, "No authenticated operator")
		return
	}

	start := time.Now()
	lease, err := h.locks.Acquire(r.Context(), req.Name, operator.UID, ttl, maxWait)
	if h.metrics != nil {
		h.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.recordMetric("acquire", err)
		switch {
		case errors.Is(err, lock.ErrTimeout):
			respondError(h.logger, w, http.StatusRequestTimeout, "Lock is held; gave up waiting")
		case errors.Is(err, docstore.ErrInvalidArgument):
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Failed to acquire lock", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to acquire lock")
		}
		return
	}

	h.recordMetric("acquire", nil)
	respondJSON(h.logger, w, http.StatusOK, model.LockResponse{
		Status:  "locked",
		Message: "Lock acquired successfully",
		Lock:    lease,
	})
}

// HandleRelease handles POST /v1/locks/release requests.
// Returns:
//   - 200 OK: Lease released
//   - 400 Bad Request: Invalid request body or validation error
//   - 404 Not Found: No lease exists for the name
//   - 409 Conflict: Token does not match the held lease
//   - 500 Internal Server Error: Store or internal error
func (h *LockHandlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req model.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode release request", zap.Error(err))
		h.recordMetric("release", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if msg := validateName(req.Name, "Lock name"); msg != "" {
		h.recordMetric("release", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}
	if req.LockID == "" {
		h.recordMetric("release", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "lockId is required")
		return
	}

	if err := h.locks.Release(r.Context(), req.Name, req.LockID); err != nil {
		h.recordMetric("release", err)
		switch {
		case errors.Is(err, lock.ErrOwnershipMismatch):
			respondError(h.logger, w, http.StatusConflict, "Lock is held by another owner")
		case errors.Is(err, docstore.ErrNotFound):
			respondError(h.logger, w, http.StatusNotFound, "No lock exists for this name")
		default:
			h.logger.Error("Failed to release lock", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to release lock")
		}
		return
	}

	h.recordMetric("release", nil)
	respondJSON(h.logger, w, http.StatusOK, model.LockResponse{
		Status:  "unlocked",
		Message: "Lock released successfully",
	})
}

// HandleRenew handles POST /v1/locks/renew requests.
// Returns:
//   - 200 OK: Lease extended
//   - 400 Bad Request: Invalid request body or validation error
//   - 404 Not Found: No lease exists for the name
//   - 409 Conflict: Token does not match the held lease
//   - 410 Gone: Lease already expired; acquire again instead
//   - 500 Internal Server Error: Store or internal error
func (h *LockHandlers) HandleRenew(w http.ResponseWriter, r *http.Request) {
	var req model.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode renew request", zap.Error(err))
		h.recordMetric("renew", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if msg := validateName(req.Name, "Lock name"); msg != "" {
		h.recordMetric("renew", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}
	if req.LockID == "" {
		h.recordMetric("renew", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, "lockId is required")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = h.defaultTTL
	}

	lease, err := h.locks.Renew(r.Context(), req.Name, req.LockID, ttl)
	if err != nil {
		h.recordMetric("renew", err)
		switch {
		case errors.Is(err, lock.ErrOwnershipMismatch):
			respondError(h.logger, w, http.StatusConflict, "Lock is held by another owner")
		case errors.Is(err, lock.ErrExpired):
			respondError(h.logger, w, http.StatusGone, "Lock has expired; acquire it again")
		case errors.Is(err, docstore.ErrNotFound):
			respondError(h.logger, w, http.StatusNotFound, "No lock exists for this name")
		case errors.Is(err, docstore.ErrInvalidArgument):
			respondError(h.logger, w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Failed to renew lock", zap.Error(err))
			respondError(h.logger, w, http.StatusInternalServerError, "Failed to renew lock")
		}
		return
	}

	h.recordMetric("renew", nil)
	respondJSON(h.logger, w, http.StatusOK, model.LockResponse{
		Status:  "locked",
		Message: "Lock renewed successfully",
		Lock:    lease,
	})
}

// HandleInspect handles GET /v1/locks/{name} requests.
// Returns:
//   - 200 OK: A lease document exists (possibly expired) and is returned
//   - 400 Bad Request: Invalid name parameter
//   - 404 Not Found: No lease document exists
//   - 500 Internal Server Error: Store or internal error
func (h *LockHandlers) HandleInspect(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if msg := validateName(name, "Lock name"); msg != "" {
		h.recordMetric("inspect", errInvalid)
		respondError(h.logger, w, http.StatusBadRequest, msg)
		return
	}

	lease, err := h.locks.Inspect(r.Context(), name)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			h.recordMetric("inspect", nil)
			respondJSON(h.logger, w, http.StatusNotFound, model.LockResponse{
				Status:  "unlocked",
				Message: "No lock exists for this name",
			})
			return
		}

		h.logger.Error("Failed to inspect lock", zap.Error(err))
		h.recordMetric("inspect", err)
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to inspect lock")
		return
	}

	status := "locked"
	if lease.Expired(time.Now()) {
		status = "unlocked"
	}
	h.recordMetric("inspect", nil)
	respondJSON(h.logger, w, http.StatusOK, model.LockResponse{
		Status:  status,
		Message: "Lock lease found",
		Lock:    lease,
	})
}

// errInvalid marks validation failures in operation metrics.
var errInvalid = errors.New("invalid request")

// recordMetric records a lock operation metric.
func (h *LockHandlers) recordMetric(operation string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveOperation("lock", operation, err)
	}
}
