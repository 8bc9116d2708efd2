// Package session manages impersonation sessions: the period during
// which a platform operator acts as a tenant. A session moves from
// active to ended and never back; every action taken while impersonating
// is appended to the session record.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/txn"
)

// Collections used by the session manager. The active pointer collection
// holds at most one document per operator, which is what enforces the
// single-active-session invariant.
const (
	Collection        = "impersonation_sessions"
	ActiveCollection  = "active_impersonations"
	TenantsCollection = "tenants"
)

// EmergencyExitReason is the reason recorded when a session is ended
// through the emergency path.
const EmergencyExitReason = "Emergency exit"

// Errors returned by the session manager. All three wrap
// docstore.ErrFailedPrecondition so the transactional executor treats
// them as fatal instead of retrying.
var (
	// ErrAlreadyActingAs indicates the operator already has an active
	// impersonation session.
	ErrAlreadyActingAs = fmt.Errorf("operator already has an active impersonation session: %w",
		docstore.ErrFailedPrecondition)

	// ErrNoActiveSession indicates the operator has no active session.
	ErrNoActiveSession = fmt.Errorf("no active impersonation session: %w",
		docstore.ErrFailedPrecondition)

	// ErrSessionEnded indicates the session has already ended and is
	// immutable.
	ErrSessionEnded = fmt.Errorf("impersonation session has ended: %w",
		docstore.ErrFailedPrecondition)
)

// activePointer is the document stored per operator while a session runs.
type activePointer struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager starts, records and ends impersonation sessions.
type Manager struct {
	store    docstore.Store
	exec     *txn.Executor
	provider identity.Provider
	auditor  *audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a session manager.
func NewManager(store docstore.Store, exec *txn.Executor, provider identity.Provider,
	auditor *audit.Recorder, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		exec:     exec,
		provider: provider,
		auditor:  auditor,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins an impersonation session for the operator. The operator's
// role is resolved fresh, never trusted from a token or an earlier call.
// Fails with ErrAlreadyActingAs when a session is already active and
// docstore.ErrPermissionDenied when the role does not grant
// impersonation.
func (m *Manager) Start(ctx context.Context, operatorID, targetTenantID, reason string,
	estimatedMinutes int) (*model.ImpersonationSession, error) {
	if operatorID == "" || targetTenantID == "" {
		return nil, fmt.Errorf("%w: operator and target tenant are required", docstore.ErrInvalidArgument)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: an impersonation reason is required", docstore.ErrInvalidArgument)
	}
	if estimatedMinutes < 0 {
		return nil, fmt.Errorf("%w: estimated duration cannot be negative", docstore.ErrInvalidArgument)
	}

	operator, err := m.provider.Lookup(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if !operator.CanImpersonate() {
		return nil, fmt.Errorf("%w: operator %s (role %s) may not impersonate",
			docstore.ErrPermissionDenied, operator.UID, operator.Role)
	}

	var session model.ImpersonationSession
	err = m.exec.Run(ctx, "session-start", func(tx docstore.Tx) error {
		_, err := tx.Get(ActiveCollection, operatorID)
		if err == nil {
			return fmt.Errorf("%w: operator %s", ErrAlreadyActingAs, operatorID)
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		now := m.now().UTC()
		session = model.ImpersonationSession{
			ID:                       uuid.NewString(),
			OperatorID:               operator.UID,
			OperatorEmail:            operator.Email,
			TargetTenantID:           targetTenantID,
			TargetTenantName:         m.tenantName(tx, targetTenantID),
			StartedAt:                now,
			Reason:                   reason,
			Status:                   model.SessionActive,
			EstimatedDurationMinutes: estimatedMinutes,
			Actions:                  []model.SessionAction{},
		}

		doc, err := docstore.Marshal(session)
		if err != nil {
			return err
		}
		if err := tx.Set(Collection, session.ID, doc); err != nil {
			return err
		}

		pointer, err := docstore.Marshal(activePointer{SessionID: session.ID, StartedAt: now})
		if err != nil {
			return err
		}
		if err := tx.Set(ActiveCollection, operatorID, pointer); err != nil {
			return err
		}

		_, err = m.auditor.RecordTx(tx, model.AdminAuditEntry{
			OperatorID:    operator.UID,
			OperatorEmail: operator.Email,
			Action:        "impersonation.start",
			Reason:        reason,
			Metadata: map[string]string{
				"sessionId": session.ID,
				"tenantId":  targetTenantID,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("impersonation session started",
		zap.String("session", session.ID),
		zap.String("operator", operatorID),
		zap.String("tenant", targetTenantID))
	return &session, nil
}

// tenantName resolves the display name of the tenant, falling back to
// the id when the tenant record is absent or unnamed.
func (m *Manager) tenantName(tx docstore.Tx, tenantID string) string {
	doc, err := tx.Get(TenantsCollection, tenantID)
	if err != nil {
		return tenantID
	}
	if name, ok := doc["name"].(string); ok && name != "" {
		return name
	}
	return tenantID
}

// Current returns the operator's active session. Returns
// ErrNoActiveSession when there is none.
func (m *Manager) Current(ctx context.Context, operatorID string) (*model.ImpersonationSession, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator id cannot be empty", docstore.ErrInvalidArgument)
	}

	pointerDoc, err := m.store.Get(ctx, ActiveCollection, operatorID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: operator %s", ErrNoActiveSession, operatorID)
	}
	if err != nil {
		return nil, err
	}
	var pointer activePointer
	if err := docstore.Unmarshal(pointerDoc, &pointer); err != nil {
		return nil, err
	}

	doc, err := m.store.Get(ctx, Collection, pointer.SessionID)
	if err != nil {
		return nil, err
	}
	var session model.ImpersonationSession
	if err := docstore.Unmarshal(doc, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// AddAction appends an action to the operator's active session. This is
// how page views and privileged calls made while impersonating are
// tracked. Fails with ErrNoActiveSession rather than silently dropping
// the record, so a caller can never act unaudited.
func (m *Manager) AddAction(ctx context.Context, operatorID, action, resource, method, path string,
	details map[string]any) error {
	if operatorID == "" {
		return fmt.Errorf("%w: operator id cannot be empty", docstore.ErrInvalidArgument)
	}
	if action == "" {
		return fmt.Errorf("%w: action cannot be empty", docstore.ErrInvalidArgument)
	}

	return m.exec.Run(ctx, "session-add-action", func(tx docstore.Tx) error {
		session, err := m.activeSession(tx, operatorID)
		if err != nil {
			return err
		}

		session.Actions = append(session.Actions, model.SessionAction{
			Timestamp: m.now().UTC(),
			Action:    action,
			Resource:  resource,
			Method:    method,
			Path:      path,
			Details:   details,
		})

		doc, err := docstore.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Set(Collection, session.ID, doc)
	})
}

// End closes the operator's active session: a final action records the
// reason, the status flips to ended, and the active pointer is removed,
// all in one transaction. The session is immutable afterwards.
func (m *Manager) End(ctx context.Context, operatorID, reason string) (*model.ImpersonationSession, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator id cannot be empty", docstore.ErrInvalidArgument)
	}
	if reason == "" {
		reason = "Session ended"
	}

	var session *model.ImpersonationSession
	err := m.exec.Run(ctx, "session-end", func(tx docstore.Tx) error {
		var err error
		session, err = m.activeSession(tx, operatorID)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		session.Actions = append(session.Actions, model.SessionAction{
			Timestamp: now,
			Action:    "session_end",
			Details:   map[string]any{"reason": reason},
		})
		session.Status = model.SessionEnded
		session.EndedAt = &now

		doc, err := docstore.Marshal(session)
		if err != nil {
			return err
		}
		if err := tx.Set(Collection, session.ID, doc); err != nil {
			return err
		}
		if err := tx.Delete(ActiveCollection, operatorID); err != nil {
			return err
		}

		_, err = m.auditor.RecordTx(tx, model.AdminAuditEntry{
			OperatorID:    session.OperatorID,
			OperatorEmail: session.OperatorEmail,
			Action:        "impersonation.end",
			Reason:        reason,
			Metadata: map[string]string{
				"sessionId": session.ID,
				"tenantId":  session.TargetTenantID,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("impersonation session ended",
		zap.String("session", session.ID),
		zap.String("operator", operatorID),
		zap.String("reason", reason))
	return session, nil
}

// EmergencyExit ends the operator's session using only plain
// single-document reads and writes: no lock manager, no transactional
// executor, nothing that could block the path when coordination
// machinery is degraded. The boolean reports whether this call flipped
// an active session to ended; a stale pointer whose session record had
// already ended is cleared without counting as an end. The audit entry
// is best effort.
func (m *Manager) EmergencyExit(ctx context.Context, operatorID string) (*model.ImpersonationSession, bool, error) {
	if operatorID == "" {
		return nil, false, fmt.Errorf("%w: operator id cannot be empty", docstore.ErrInvalidArgument)
	}

	pointerDoc, err := m.store.Get(ctx, ActiveCollection, operatorID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: operator %s", ErrNoActiveSession, operatorID)
	}
	if err != nil {
		return nil, false, err
	}
	var pointer activePointer
	if err := docstore.Unmarshal(pointerDoc, &pointer); err != nil {
		return nil, false, err
	}

	doc, err := m.store.Get(ctx, Collection, pointer.SessionID)
	if err != nil {
		return nil, false, err
	}
	var session model.ImpersonationSession
	if err := docstore.Unmarshal(doc, &session); err != nil {
		return nil, false, err
	}

	now := m.now().UTC()
	ended := session.Active()
	if ended {
		session.Actions = append(session.Actions, model.SessionAction{
			Timestamp: now,
			Action:    "session_end",
			Details:   map[string]any{"reason": EmergencyExitReason},
		})
		session.Status = model.SessionEnded
		session.EndedAt = &now

		updated, err := docstore.Marshal(session)
		if err != nil {
			return nil, false, err
		}
		if err := m.store.Set(ctx, Collection, session.ID, updated); err != nil {
			return nil, false, err
		}
	}

	// The pointer must go even if the session record was already ended,
	// otherwise the operator stays blocked from starting a new session.
	if err := m.store.Delete(ctx, ActiveCollection, operatorID); err != nil {
		return nil, false, err
	}

	if _, err := m.auditor.Record(ctx, model.AdminAuditEntry{
		OperatorID:    session.OperatorID,
		OperatorEmail: session.OperatorEmail,
		Action:        "impersonation.emergency_exit",
		Reason:        EmergencyExitReason,
		Metadata: map[string]string{
			"sessionId": session.ID,
			"tenantId":  session.TargetTenantID,
		},
	}); err != nil {
		m.log.Error("failed to audit emergency exit",
			zap.String("session", session.ID),
			zap.Error(err))
	}

	m.log.Warn("impersonation session ended via emergency exit",
		zap.String("session", session.ID),
		zap.String("operator", operatorID),
		zap.Bool("wasActive", ended))
	return &session, ended, nil
}

// activeSession loads the operator's active session inside a
// transaction.
func (m *Manager) activeSession(tx docstore.Tx, operatorID string) (*model.ImpersonationSession, error) {
	pointerDoc, err := tx.Get(ActiveCollection, operatorID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: operator %s", ErrNoActiveSession, operatorID)
	}
	if err != nil {
		return nil, err
	}
	var pointer activePointer
	if err := docstore.Unmarshal(pointerDoc, &pointer); err != nil {
		return nil, err
	}

	doc, err := tx.Get(Collection, pointer.SessionID)
	if err != nil {
		return nil, err
	}
	var session model.ImpersonationSession
	if err := docstore.Unmarshal(doc, &session); err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, fmt.Errorf("%w: session %s", ErrSessionEnded, session.ID)
	}
	return &session, nil
}
