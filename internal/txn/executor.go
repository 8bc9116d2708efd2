// Package txn runs document store transactions with bounded retries.
// Contention errors back off and retry; logic errors abort immediately so
// a failed precondition is never retried into a different outcome.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
)

// ErrExhausted is returned when a transaction still fails after the
// final retry. The last transaction error is wrapped alongside it.
var ErrExhausted = errors.New("transaction retries exhausted")

// Default retry behaviour.
const (
	DefaultMaxAttempts = 3
	baseBackoff        = 1 * time.Second
	maxBackoff         = 5 * time.Second
)

// Executor retries transactional work against a document store.
type Executor struct {
	store       docstore.Store
	log         *zap.Logger
	maxAttempts int

	// backoff returns the delay before retry n (1-based). Replaced in
	// tests to avoid real sleeps.
	backoff func(retry int) time.Duration

	// sleep waits for the backoff period or context cancellation.
	sleep func(ctx context.Context, d time.Duration) error

	// onRetry, when set, observes every retry; the server wires this to
	// the retry counter metric.
	onRetry func(name string, retry int, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts overrides the total number of attempts (first try
// included). Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff overrides the backoff schedule; used by tests.
func WithBackoff(fn func(retry int) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.backoff = fn
		}
	}
}

// WithRetryObserver registers a callback invoked on every retry.
func WithRetryObserver(fn func(name string, retry int, err error)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// NewExecutor creates an Executor bound to a store.
func NewExecutor(store docstore.Store, log *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		backoff:     expBackoff,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// expBackoff doubles from one second per retry, capped at five seconds.
func expBackoff(retry int) time.Duration {
	d := baseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
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

// Run executes fn inside a store transaction, retrying on contention.
// The name labels log lines and retry observations; fn must be
// idempotent as it may run more than once.
func (e *Executor) Run(ctx context.Context, name string, fn func(tx docstore.Tx) error) error {
	var last error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := e.store.RunTransaction(ctx, fn)
		if err == nil {
			if attempt > 1 {
				e.log.Info("transaction succeeded after retry",
					zap.String("transaction", name),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		if docstore.Fatal(err) {
			return err
		}
		last = err

		if attempt == e.maxAttempts {
			break
		}

		retry := attempt
		if e.onRetry != nil {
			e.onRetry(name, retry, err)
		}
		delay := e.backoff(retry)
		e.log.Warn("transaction failed, retrying",
			zap.String("transaction", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	e.log.Error("transaction retries exhausted",
		zap.String("transaction", name),
		zap.Int("attempts", e.maxAttempts),
		zap.Error(last))
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, e.maxAttempts, last)
}
