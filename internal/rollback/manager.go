// Package rollback captures point-in-time snapshots of documents before
// a risky administrative operation and restores them on demand. A
// rollback is a best-effort point-in-time restore, not a serializable
// undo: the manager does not re-check document state at execute time.
package rollback

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

// Collection is the document collection holding rollback points.
const Collection = "rollback_points"

// Errors returned by the rollback manager.
var (
	// ErrAlreadyUsed indicates the rollback point was consumed by an
	// earlier execute; a rollback point is single-use.
	ErrAlreadyUsed = errors.New("rollback point already used")
)

// Ref names a document to capture in a rollback point.
type Ref struct {
	Collection string `json:"collection"`
	DocumentID string `json:"documentId"`
}

// Manager creates and executes rollback points.
type Manager struct {
	store docstore.Store
	exec  *txn.Executor
	log   *zap.Logger
	now   func() time.Time
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

// NewManager creates a rollback manager.
func NewManager(store docstore.Store, exec *txn.Executor, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		exec:  exec,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create captures the current state of every referenced document inside
// one transaction and stores the snapshots under the operation id.
// Absent documents are recorded as such so Execute can delete them on
// restore.
func (m *Manager) Create(ctx context.Context, operationID string, refs []Ref) (*model.RollbackPoint, error) {
	if operationID == "" {
		return nil, fmt.Errorf("%w: operation id cannot be empty", docstore.ErrInvalidArgument)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: at least one document reference is required", docstore.ErrInvalidArgument)
	}
	for _, ref := range refs {
		if ref.Collection == "" || ref.DocumentID == "" {
			return nil, fmt.Errorf("%w: document references need collection and id", docstore.ErrInvalidArgument)
		}
	}

	var point model.RollbackPoint
	err := m.exec.Run(ctx, "rollback-create", func(tx docstore.Tx) error {
		point = model.RollbackPoint{
			OperationID: operationID,
			CreatedAt:   m.now().UTC(),
			Documents:   make([]model.DocumentSnapshot, 0, len(refs)),
		}
		for _, ref := range refs {
			doc, err := tx.Get(ref.Collection, ref.DocumentID)
			switch {
			case err == nil:
				point.Documents = append(point.Documents, model.DocumentSnapshot{
					Collection: ref.Collection,
					DocumentID: ref.DocumentID,
					Existed:    true,
					Data:       doc,
				})
			case errors.Is(err, docstore.ErrNotFound):
				point.Documents = append(point.Documents, model.DocumentSnapshot{
					Collection: ref.Collection,
					DocumentID: ref.DocumentID,
					Existed:    false,
				})
			default:
				return err
			}
		}

		doc, err := docstore.Marshal(point)
		if err != nil {
			return err
		}
		return tx.Set(Collection, operationID, doc)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("rollback point created",
		zap.String("operation", operationID),
		zap.Int("documents", len(point.Documents)))
	return &point, nil
}

// Execute restores every captured document to its snapshot in a single
// batched write, then marks the point used. A used point cannot be
// executed again.
func (m *Manager) Execute(ctx context.Context, operationID string) (*model.RollbackPoint, error) {
	if operationID == "" {
		return nil, fmt.Errorf("%w: operation id cannot be empty", docstore.ErrInvalidArgument)
	}

	doc, err := m.store.Get(ctx, Collection, operationID)
	if err != nil {
		return nil, err
	}
	var point model.RollbackPoint
	if err := docstore.Unmarshal(doc, &point); err != nil {
		return nil, err
	}
	if point.Used {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyUsed, operationID)
	}

	ops := make([]docstore.WriteOp, 0, len(point.Documents)+1)
	for _, snap := range point.Documents {
		if snap.Existed {
			ops = append(ops, docstore.WriteOp{
				Kind:       docstore.WriteSet,
				Collection: snap.Collection,
				ID:         snap.DocumentID,
				Doc:        snap.Data,
			})
			continue
		}
		// Did not exist at capture time, remove whatever was written.
		ops = append(ops, docstore.WriteOp{
			Kind:       docstore.WriteDelete,
			Collection: snap.Collection,
			ID:         snap.DocumentID,
		})
	}

	usedAt := m.now().UTC()
	point.Used = true
	point.UsedAt = &usedAt
	pointDoc, err := docstore.Marshal(point)
	if err != nil {
		return nil, err
	}
	ops = append(ops, docstore.WriteOp{
		Kind:       docstore.WriteSet,
		Collection: Collection,
		ID:         operationID,
		Doc:        pointDoc,
	})

	if err := m.store.BatchWrite(ctx, ops); err != nil {
		return nil, err
	}

	m.log.Info("rollback executed",
		zap.String("operation", operationID),
		zap.Int("documents", len(point.Documents)))
	return &point, nil
}
