// Package checkpoint records progress of long-running administrative
// operations so a crashed or interrupted operation can resume from its
// last completed step instead of starting over.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/txn"
)

// Collection is the document collection holding operation checkpoints.
const Collection = "operation_checkpoints"

// Store saves and restores operation checkpoints.
type Store struct {
	store docstore.Store
	exec  *txn.Executor
	log   *zap.Logger
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a checkpoint store.
func NewStore(store docstore.Store, exec *txn.Executor, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		store: store,
		exec:  exec,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save merges a completed step into the operation's checkpoint, creating
// the checkpoint when the operation has none yet. The step moves the
// working pointer, joins completedSteps if new, and data keys merge over
// previous values.
func (s *Store) Save(ctx context.Context, operationID, step string, data map[string]any) (*model.Checkpoint, error) {
	if operationID == "" {
		return nil, fmt.Errorf("%w: operation id cannot be empty", docstore.ErrInvalidArgument)
	}
	if step == "" {
		return nil, fmt.Errorf("%w: step cannot be empty", docstore.ErrInvalidArgument)
	}

	var cp model.Checkpoint
	err := s.exec.Run(ctx, "checkpoint-save", func(tx docstore.Tx) error {
		cp = model.Checkpoint{OperationID: operationID}
		current, err := tx.Get(Collection, operationID)
		switch {
		case err == nil:
			if err := docstore.Unmarshal(current, &cp); err != nil {
				return err
			}
		case errors.Is(err, docstore.ErrNotFound):
			// First checkpoint for this operation.
		default:
			return err
		}

		cp.MarkCompleted(step, s.now().UTC())
		cp.MergeData(data)

		doc, err := docstore.Marshal(cp)
		if err != nil {
			return err
		}
		// lastUpdated feeds cleanup's range filter, which compares
		// strings; the fixed-width format keeps that order chronological.
		doc["lastUpdated"] = docstore.FormatTime(cp.LastUpdated)
		return tx.Set(Collection, operationID, doc)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("checkpoint saved",
		zap.String("operation", operationID),
		zap.String("step", step),
		zap.Int("completed", len(cp.CompletedSteps)))
	return &cp, nil
}

// Restore returns the checkpoint for the operation. The boolean reports
// whether one exists; a resuming caller must treat completedSteps as the
// source of truth for which steps to skip.
func (s *Store) Restore(ctx context.Context, operationID string) (*model.Checkpoint, bool, error) {
	if operationID == "" {
		return nil, false, fmt.Errorf("%w: operation id cannot be empty", docstore.ErrInvalidArgument)
	}

	doc, err := s.store.Get(ctx, Collection, operationID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cp model.Checkpoint
	if err := docstore.Unmarshal(doc, &cp); err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}

// Cleanup batch-deletes checkpoints last updated before the cutoff and
// returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := s.store.Query(ctx, Collection, []docstore.Filter{
		{Field: "lastUpdated", Op: docstore.OpLess, Value: docstore.FormatTime(olderThan)},
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ops := make([]docstore.WriteOp, 0, len(stale))
	for _, snap := range stale {
		ops = append(ops, docstore.WriteOp{
			Kind:       docstore.WriteDelete,
			Collection: Collection,
			ID:         snap.ID,
		})
	}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return 0, err
	}

	s.log.Info("checkpoints cleaned up",
		zap.Int("removed", len(ops)),
		zap.Time("cutoff", olderThan))
	return len(ops), nil
}
