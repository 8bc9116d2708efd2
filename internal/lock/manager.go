// Package lock provides named, TTL-bound mutual-exclusion leases stored
// as documents. Exactly one unexpired lease may exist per name; an
// expired lease is reclaimable by any caller, which is the only liveness
// mechanism against a crashed holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
)

// Collection is the document collection holding lock leases.
const Collection = "locks"

// Errors returned by the lock manager.
var (
	// ErrHeld indicates the lock is currently held by another owner.
	ErrHeld = errors.New("lock is held")

	// ErrTimeout indicates acquisition gave up after the maximum wait.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrOwnershipMismatch indicates the presented token does not match
	// the stored lease.
	ErrOwnershipMismatch = errors.New("lock ownership mismatch")

	// ErrExpired indicates the lease has already expired and cannot be
	// renewed; the caller must acquire again.
	ErrExpired = errors.New("lock has expired")
)

// Default contention backoff bounds.
const (
	DefaultBackoffMin = 500 * time.Millisecond
	DefaultBackoffMax = 1500 * time.Millisecond
)

// Manager acquires and releases lock leases against a document store.
type Manager struct {
	store docstore.Store
	log   *zap.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoffBounds overrides the contention backoff interval; tests use
// this to avoid real waits.
func WithBackoffBounds(min, max time.Duration) Option {
	return func(m *Manager) {
		if min > 0 && max >= min {
			m.backoffMin = min
			m.backoffMax = max
		}
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a lock manager bound to a store.
func NewManager(store docstore.Store, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		log:        log,
		backoffMin: DefaultBackoffMin,
		backoffMax: DefaultBackoffMax,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns a randomized wait within the configured bounds.
func (m *Manager) backoff() time.Duration {
	spread := m.backoffMax - m.backoffMin
	if spread <= 0 {
		return m.backoffMin
	}
	return m.backoffMin + time.Duration(rand.Int63n(int64(spread)))
}

// Acquire obtains the named lock, waiting up to maxWait while it is held
// by someone else. The returned lease carries the single-use token
// required to release or renew it.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl, maxWait time.Duration) (*model.Lock, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: lock name cannot be empty", docstore.ErrInvalidArgument)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", docstore.ErrInvalidArgument)
	}

	deadline := m.now().Add(maxWait)
	for {
		lease, err := m.tryAcquire(ctx, name, owner, ttl)
		if err == nil {
			m.log.Debug("lock acquired",
				zap.String("lock", name),
				zap.String("owner", owner),
				zap.Time("expires", lease.ExpiresAt))
			return lease, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}

		wait := m.backoff()
		if m.now().Add(wait).After(deadline) {
			m.log.Info("lock acquisition timed out",
				zap.String("lock", name),
				zap.String("owner", owner),
				zap.Duration("waited", maxWait))
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, maxWait)
		}
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// tryAcquire makes a single transactional attempt at taking the lease.
func (m *Manager) tryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (*model.Lock, error) {
	var lease model.Lock
	err := m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		current, err := tx.Get(Collection, name)
		switch {
		case err == nil:
			var held model.Lock
			if err := docstore.Unmarshal(current, &held); err != nil {
				return err
			}
			if !held.Expired(m.now()) {
				return fmt.Errorf("%w: %s by %s until %s",
					ErrHeld, name, held.Owner, held.ExpiresAt.Format(time.RFC3339))
			}
			// Expired lease, reclaim it.
		case errors.Is(err, docstore.ErrNotFound):
			// Free, take it.
		default:
			return err
		}

		now := m.now().UTC()
		lease = model.Lock{
			Name:       name,
			LockID:     uuid.NewString(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			Owner:      owner,
		}
		doc, err := docstore.Marshal(lease)
		if err != nil {
			return err
		}
		return tx.Set(Collection, name, doc)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// Release deletes the lease if the token matches. Returns
// ErrOwnershipMismatch on a wrong token and docstore.ErrNotFound when no
// lease exists.
func (m *Manager) Release(ctx context.Context, name, lockID string) error {
	return m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		current, err := tx.Get(Collection, name)
		if err != nil {
			return err
		}
		var held model.Lock
		if err := docstore.Unmarshal(current, &held); err != nil {
			return err
		}
		if held.LockID != lockID {
			return fmt.Errorf("%w: %s", ErrOwnershipMismatch, name)
		}
		return tx.Delete(Collection, name)
	})
}

// Renew extends the lease expiry under the same token check. An expired
// lease cannot be renewed; the holder must acquire again.
func (m *Manager) Renew(ctx context.Context, name, lockID string, ttl time.Duration) (*model.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", docstore.ErrInvalidArgument)
	}

	var lease model.Lock
	err := m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		current, err := tx.Get(Collection, name)
		if err != nil {
			return err
		}
		if err := docstore.Unmarshal(current, &lease); err != nil {
			return err
		}
		if lease.LockID != lockID {
			return fmt.Errorf("%w: %s", ErrOwnershipMismatch, name)
		}
		if lease.Expired(m.now()) {
			return fmt.Errorf("%w: %s", ErrExpired, name)
		}
		lease.ExpiresAt = m.now().UTC().Add(ttl)
		doc, err := docstore.Marshal(lease)
		if err != nil {
			return err
		}
		return tx.Set(Collection, name, doc)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// Inspect returns the current lease for operator debugging, expired or
// not. Returns docstore.ErrNotFound when no lease document exists.
func (m *Manager) Inspect(ctx context.Context, name string) (*model.Lock, error) {
	doc, err := m.store.Get(ctx, Collection, name)
	if err != nil {
		return nil, err
	}
	var lease model.Lock
	if err := docstore.Unmarshal(doc, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}
