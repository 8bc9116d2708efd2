// Package audit writes the append-only administrative audit log. Every
// privileged mutation records who did what to which document, with the
// before and after state when the caller has it.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
)

// Collection is the document collection holding audit entries.
const Collection = "admin_audit_log"

// Recorder appends entries to the administrative audit log.
type Recorder struct {
	store    docstore.Store
	log      *zap.Logger
	now      func() time.Time
	onRecord func()
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver registers a callback invoked for every recorded entry;
// the server wires this to the audit entries counter metric.
func WithObserver(fn func()) Option {
	return func(r *Recorder) {
		r.onRecord = fn
	}
}

// NewRecorder creates an audit recorder.
func NewRecorder(store docstore.Store, log *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record assigns the entry a ULID and timestamp and appends it to the
// log. The entry id is returned so callers can reference it.
func (r *Recorder) Record(ctx context.Context, entry model.AdminAuditEntry) (string, error) {
	if entry.OperatorID == "" {
		return "", fmt.Errorf("%w: audit entry needs an operator id", docstore.ErrInvalidArgument)
	}
	if entry.Action == "" {
		return "", fmt.Errorf("%w: audit entry needs an action", docstore.ErrInvalidArgument)
	}

	now := r.now().UTC()
	entry.ID = ulid.Make().String()
	entry.Timestamp = now

	doc, err := docstore.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := r.store.Set(ctx, Collection, entry.ID, doc); err != nil {
		return "", err
	}

	if r.onRecord != nil {
		r.onRecord()
	}
	r.log.Info("audit entry recorded",
		zap.String("entry", entry.ID),
		zap.String("operator", entry.OperatorID),
		zap.String("action", entry.Action))
	return entry.ID, nil
}

// RecordTx appends the entry inside an open transaction so the audit
// record commits or rolls back with the mutation it describes.
func (r *Recorder) RecordTx(tx docstore.Tx, entry model.AdminAuditEntry) (string, error) {
	if entry.OperatorID == "" {
		return "", fmt.Errorf("%w: audit entry needs an operator id", docstore.ErrInvalidArgument)
	}
	if entry.Action == "" {
		return "", fmt.Errorf("%w: audit entry needs an action", docstore.ErrInvalidArgument)
	}

	entry.ID = ulid.Make().String()
	entry.Timestamp = r.now().UTC()

	doc, err := docstore.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := tx.Set(Collection, entry.ID, doc); err != nil {
		return "", err
	}
	if r.onRecord != nil {
		r.onRecord()
	}
	return entry.ID, nil
}

// RecentByOperator returns the operator's audit entries ordered by id.
// ULIDs sort lexicographically by creation time, so the order is
// chronological.
func (r *Recorder) RecentByOperator(ctx context.Context, operatorID string) ([]model.AdminAuditEntry, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator id cannot be empty", docstore.ErrInvalidArgument)
	}

	snaps, err := r.store.Query(ctx, Collection, []docstore.Filter{
		{Field: "operatorId", Op: docstore.OpEqual, Value: operatorID},
	})
	if err != nil {
		return nil, err
	}

	entries := make([]model.AdminAuditEntry, 0, len(snaps))
	for _, snap := range snaps {
		var entry model.AdminAuditEntry
		if err := docstore.Unmarshal(snap.Data, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
