package docstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/platformops/admin-coordinator/internal/docstore"
)

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if _, err := store.Get(ctx, "locks", "deploy"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}

	if err := store.Set(ctx, "locks", "deploy", docstore.Document{"owner": "op-1"}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}

	doc, err := store.Get(ctx, "locks", "deploy")
	if err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if doc["owner"] != "op-1" {
		t.Errorf("expected owner op-1, got %v", doc["owner"])
	}

	if err := store.Delete(ctx, "locks", "deploy"); err != nil {
		t.Fatalf("unexpected error on delete: %v", err)
	}
	if err := store.Delete(ctx, "locks", "deploy"); err != nil {
		t.Fatalf("expected deleting absent document to succeed, got %v", err)
	}
	if _, err := store.Get(ctx, "locks", "deploy"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryValidatesRefs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if _, err := store.Get(ctx, "", "id"); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty collection, got %v", err)
	}
	if err := store.Set(ctx, "locks", "", docstore.Document{}); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty id, got %v", err)
	}
}

func TestMemoryUpdateMergesFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if err := store.Update(ctx, "tenants", "t-1", docstore.Document{"status": "active"}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating absent document, got %v", err)
	}

	if err := store.Set(ctx, "tenants", "t-1", docstore.Document{"status": "active", "plan": "basic"}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}
	if err := store.Update(ctx, "tenants", "t-1", docstore.Document{"plan": "enterprise"}); err != nil {
		t.Fatalf("unexpected error on update: %v", err)
	}

	doc, err := store.Get(ctx, "tenants", "t-1")
	if err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if doc["status"] != "active" {
		t.Errorf("expected untouched field to survive merge, got %v", doc["status"])
	}
	if doc["plan"] != "enterprise" {
		t.Errorf("expected plan enterprise after merge, got %v", doc["plan"])
	}
}

func TestMemoryTransactionCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if err := store.Set(ctx, "tenants", "t-1", docstore.Document{"balance": 100}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}

	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Get("tenants", "t-1")
		if err != nil {
			return err
		}
		balance := doc["balance"].(float64)
		if err := tx.Update("tenants", "t-1", docstore.Document{"balance": balance - 30}); err != nil {
			return err
		}
		return tx.Set("audit", "entry-1", docstore.Document{"action": "debit"})
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}

	doc, err := store.Get(ctx, "tenants", "t-1")
	if err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if doc["balance"].(float64) != 70 {
		t.Errorf("expected balance 70 after commit, got %v", doc["balance"])
	}
	if _, err := store.Get(ctx, "audit", "entry-1"); err != nil {
		t.Errorf("expected audit entry after commit, got %v", err)
	}
}

func TestMemoryTransactionDiscardsOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if err := store.Set(ctx, "tenants", "t-1", docstore.Document{"status": "active"}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}

	boom := errors.New("validation failed")
	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Set("tenants", "t-1", docstore.Document{"status": "suspended"}); err != nil {
			return err
		}
		if err := tx.Set("tenants", "t-2", docstore.Document{"status": "new"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error to propagate, got %v", err)
	}

	doc, err := store.Get(ctx, "tenants", "t-1")
	if err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if doc["status"] != "active" {
		t.Errorf("expected buffered write discarded, got status %v", doc["status"])
	}
	if _, err := store.Get(ctx, "tenants", "t-2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected buffered create discarded, got %v", err)
	}
}

func TestMemoryTransactionReadsOwnWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Set("locks", "deploy", docstore.Document{"owner": "op-1"}); err != nil {
			return err
		}
		doc, err := tx.Get("locks", "deploy")
		if err != nil {
			return err
		}
		if doc["owner"] != "op-1" {
			t.Errorf("expected read-through to see buffered write, got %v", doc["owner"])
		}

		if err := tx.Delete("locks", "deploy"); err != nil {
			return err
		}
		if _, err := tx.Get("locks", "deploy"); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("expected buffered delete to hide document, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}

	if _, err := store.Get(ctx, "locks", "deploy"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected delete to apply on commit, got %v", err)
	}
}

func TestMemoryBatchWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	if err := store.Set(ctx, "tenants", "t-1", docstore.Document{"status": "active", "plan": "basic"}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}
	if err := store.Set(ctx, "tenants", "t-2", docstore.Document{"status": "active"}); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}

	err := store.BatchWrite(ctx, []docstore.WriteOp{
		{Kind: docstore.WriteUpdate, Collection: "tenants", ID: "t-1", Doc: docstore.Document{"plan": "pro"}},
		{Kind: docstore.WriteDelete, Collection: "tenants", ID: "t-2"},
		{Kind: docstore.WriteSet, Collection: "tenants", ID: "t-3", Doc: docstore.Document{"status": "new"}},
	})
	if err != nil {
		t.Fatalf("unexpected error on batch write: %v", err)
	}

	doc, err := store.Get(ctx, "tenants", "t-1")
	if err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if doc["plan"] != "pro" {
		t.Errorf("expected merged plan pro, got %v", doc["plan"])
	}
	if _, err := store.Get(ctx, "tenants", "t-2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected t-2 deleted, got %v", err)
	}
	if _, err := store.Get(ctx, "tenants", "t-3"); err != nil {
		t.Errorf("expected t-3 created, got %v", err)
	}
}

func TestMemoryBatchWriteDiscardsOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	err := store.BatchWrite(ctx, []docstore.WriteOp{
		{Kind: docstore.WriteSet, Collection: "tenants", ID: "t-1", Doc: docstore.Document{"status": "active"}},
		{Kind: docstore.WriteUpdate, Collection: "tenants", ID: "t-missing", Doc: docstore.Document{"plan": "pro"}},
	})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for update of missing document, got %v", err)
	}

	// The failed batch must leave no partial writes behind.
	if _, err := store.Get(ctx, "tenants", "t-1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected t-1 absent after failed batch, got %v", err)
	}
}

func TestMemoryQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := docstore.NewMemory()

	seed := map[string]docstore.Document{
		"cp-1": {"operatorId": "op-1", "lastUpdated": "2026-01-01T00:00:00Z"},
		"cp-2": {"operatorId": "op-2", "lastUpdated": "2026-02-01T00:00:00Z"},
		"cp-3": {"operatorId": "op-1", "lastUpdated": "2026-03-01T00:00:00Z"},
	}
	for id, doc := range seed {
		if err := store.Set(ctx, "operation_checkpoints", id, doc); err != nil {
			t.Fatalf("unexpected error seeding %s: %v", id, err)
		}
	}

	results, err := store.Query(ctx, "operation_checkpoints", []docstore.Filter{
		{Field: "operatorId", Op: docstore.OpEqual, Value: "op-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error on query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "cp-1" || results[1].ID != "cp-3" {
		t.Errorf("expected results ordered by id, got %s, %s", results[0].ID, results[1].ID)
	}

	older, err := store.Query(ctx, "operation_checkpoints", []docstore.Filter{
		{Field: "lastUpdated", Op: docstore.OpLess, Value: "2026-02-15T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("unexpected error on query: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("expected 2 results older than cutoff, got %d", len(older))
	}

	empty, err := store.Query(ctx, "missing_collection", nil)
	if err != nil {
		t.Fatalf("unexpected error querying empty collection: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no results, got %d", len(empty))
	}
}

func TestMemoryTransactionRespectsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := docstore.NewMemory()
	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		t.Error("transaction function should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
