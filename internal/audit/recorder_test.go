package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
)

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recorder := audit.NewRecorder(store, zap.NewNop(), audit.WithClock(func() time.Time { return now }))

	id, err := recorder.Record(ctx, model.AdminAuditEntry{
		OperatorID:    "op-1",
		OperatorEmail: "op1@platform.example",
		Action:        "tenant.suspend",
		Collection:    "tenants",
		DocumentID:    "t-1",
		OldData:       map[string]any{"status": "active"},
		NewData:       map[string]any{"status": "suspended"},
		Reason:        "payment overdue",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ulid.Parse(id); err != nil {
		t.Fatalf("expected a valid ULID, got %q: %v", id, err)
	}

	doc, err := store.Get(ctx, audit.Collection, id)
	if err != nil {
		t.Fatalf("unexpected error reading entry: %v", err)
	}
	var entry model.AdminAuditEntry
	if err := docstore.Unmarshal(doc, &entry); err != nil {
		t.Fatalf("unexpected error decoding entry: %v", err)
	}
	if !entry.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %s, got %s", now, entry.Timestamp)
	}
	if entry.Action != "tenant.suspend" || entry.Reason != "payment overdue" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestRecordValidatesEntry(t *testing.T) {
	t.Parallel()

	recorder := audit.NewRecorder(docstore.NewMemory(), zap.NewNop())

	if _, err := recorder.Record(context.Background(), model.AdminAuditEntry{Action: "x"}); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without operator, got %v", err)
	}
	if _, err := recorder.Record(context.Background(), model.AdminAuditEntry{OperatorID: "op-1"}); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without action, got %v", err)
	}
}

func TestRecordTxRollsBackWithMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()
	recorder := audit.NewRecorder(store, zap.NewNop())

	boom := errors.New("mutation failed")
	var entryID string
	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		id, err := recorder.RecordTx(tx, model.AdminAuditEntry{
			OperatorID: "op-1",
			Action:     "tenant.suspend",
		})
		if err != nil {
			return err
		}
		entryID = id
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error, got %v", err)
	}

	if _, err := store.Get(ctx, audit.Collection, entryID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected audit entry discarded with transaction, got %v", err)
	}
}

func TestRecentByOperator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()
	recorder := audit.NewRecorder(store, zap.NewNop())

	for _, action := range []string{"tenant.suspend", "tenant.restore"} {
		if _, err := recorder.Record(ctx, model.AdminAuditEntry{OperatorID: "op-1", Action: action}); err != nil {
			t.Fatalf("unexpected error recording: %v", err)
		}
	}
	if _, err := recorder.Record(ctx, model.AdminAuditEntry{OperatorID: "op-2", Action: "lock.release"}); err != nil {
		t.Fatalf("unexpected error recording: %v", err)
	}

	entries, err := recorder.RecentByOperator(ctx, "op-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "tenant.suspend" || entries[1].Action != "tenant.restore" {
		t.Errorf("expected chronological order, got %s then %s", entries[0].Action, entries[1].Action)
	}
	for _, entry := range entries {
		if entry.OperatorID != "op-1" {
			t.Errorf("expected only op-1 entries, got %s", entry.OperatorID)
		}
	}
}
