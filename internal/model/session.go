package model

import (
	"time"
)

// SessionStatus is the lifecycle state of an impersonation session.
// The only transition is active -> ended; an ended session cannot be
// reactivated, a new session must be started instead.
type SessionStatus string

const (
	// SessionActive means the operator is currently acting as the target
	// tenant.
	SessionActive SessionStatus = "active"
	// SessionEnded is the terminal state. No action may be appended to an
	// ended session.
	SessionEnded SessionStatus = "ended"
)

// WarningLevel grades how much of a session's estimated duration has
// elapsed. The calling surface renders the notice; this core only
// computes the level.
type WarningLevel string

const (
	// WarningNone means the session is within its estimated duration.
	WarningNone WarningLevel = "none"
	// WarningApproaching fires at 80% of the estimated duration.
	WarningApproaching WarningLevel = "warning"
	// WarningCritical fires at 95% of the estimated duration.
	WarningCritical WarningLevel = "critical"
)

// SessionAction records one tracked operator activity inside a session.
// Actions are immutable once recorded.
type SessionAction struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Method    string         `json:"method,omitempty"`
	Path      string         `json:"path,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ImpersonationSession is a time-boxed, audited context in which a
// platform operator acts on behalf of a tenant. At most one session per
// operator may be active at a time.
type ImpersonationSession struct {
	// ID is the session document id.
	ID string `json:"id"`

	// OperatorID is the uid of the operator who started the session.
	// Only this operator, or the emergency-exit path, may end it.
	OperatorID string `json:"operatorId"`

	// OperatorEmail is recorded for audit readability.
	OperatorEmail string `json:"operatorEmail"`

	// TargetTenantID is the tenant whose context is being assumed.
	TargetTenantID string `json:"targetTenantId"`

	// TargetTenantName is the tenant's display name at session start.
	TargetTenantName string `json:"targetTenantName"`

	// StartedAt is when the session began.
	StartedAt time.Time `json:"startedAt"`

	// EndedAt is set when the session reaches the terminal state.
	EndedAt *time.Time `json:"endedAt,omitempty"`

	// Reason is the operator-supplied justification for impersonating.
	Reason string `json:"reason"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`

	// EstimatedDurationMinutes is the operator's time-box estimate,
	// driving the warning thresholds.
	EstimatedDurationMinutes int `json:"estimatedDurationMinutes"`

	// Actions is the append-only activity trail.
	Actions []SessionAction `json:"actions"`
}

// Active reports whether the session is still in the active state.
func (s *ImpersonationSession) Active() bool {
	return s.Status == SessionActive
}

// Elapsed returns how long the session has been running at the given time.
func (s *ImpersonationSession) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Warning returns the warning level for the elapsed duration: warning at
// 80% and critical at 95% of the estimated duration. Sessions without an
// estimate never warn.
func (s *ImpersonationSession) Warning(now time.Time) WarningLevel {
	if s.EstimatedDurationMinutes <= 0 {
		return WarningNone
	}
	estimated := time.Duration(s.EstimatedDurationMinutes) * time.Minute
	elapsed := s.Elapsed(now)
	switch {
	case elapsed >= time.Duration(float64(estimated)*0.95):
		return WarningCritical
	case elapsed >= time.Duration(float64(estimated)*0.80):
		return WarningApproaching
	default:
		return WarningNone
	}
}
