package model

import (
	"time"
)

// Lock represents a TTL-bound mutual-exclusion lease on a named resource,
// stored as a document so operators can inspect live leases directly.
type Lock struct {
	// Name is the logical resource identifier being locked,
	// e.g. "tenant:42:lifecycle".
	Name string `json:"name"`

	// LockID is a single-use random token proving ownership.
	// Release and renewal must present the matching token.
	LockID string `json:"lockId"`

	// AcquiredAt is the timestamp when the lease was granted.
	AcquiredAt time.Time `json:"acquiredAt"`

	// ExpiresAt is the timestamp after which the lease is void and the
	// resource may be re-acquired by any caller.
	ExpiresAt time.Time `json:"expiresAt"`

	// Owner is the identity of the operator or process holding the lease.
	Owner string `json:"owner"`
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left on the lease, or zero if expired.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// AcquireRequest represents a request to acquire a lease.
type AcquireRequest struct {
	// Name is the logical resource to lock.
	Name string `json:"name"`

	// TTLSeconds is how long the lease remains valid once granted.
	TTLSeconds int `json:"ttlSeconds"`

	// MaxWaitSeconds bounds how long the caller is willing to wait for a
	// contended lease before giving up.
	MaxWaitSeconds int `json:"maxWaitSeconds"`
}

// ReleaseRequest represents a request to release or renew a lease.
type ReleaseRequest struct {
	// Name is the logical resource to unlock.
	Name string `json:"name"`

	// LockID is the ownership token returned by acquire.
	LockID string `json:"lockId"`

	// TTLSeconds is the new lease duration for renewals; ignored on release.
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

// LockResponse represents the response from lock operations.
type LockResponse struct {
	// Status indicates the outcome:
	//   - "locked"   when a lease is currently held
	//   - "unlocked" when no live lease exists
	//   - "error"    for error responses
	Status string `json:"status"`

	// Message provides additional context about the operation result.
	Message string `json:"message,omitempty"`

	// Lock contains the current lease state if applicable.
	Lock *Lock `json:"lock,omitempty"`
}
