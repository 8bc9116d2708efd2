package docstore_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/platformops/admin-coordinator/internal/docstore"
)

func newMockPostgres(t *testing.T) (*docstore.Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return docstore.NewPostgres(db), mock
}

func TestPostgresGet(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		`select data from documents where collection = $1 and id = $2`)).
		WithArgs("locks", "deploy").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"owner":"op-1","lockId":"abc"}`)))

	doc, err := store.Get(context.Background(), "locks", "deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["owner"] != "op-1" {
		t.Errorf("expected owner op-1, got %v", doc["owner"])
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		`select data from documents where collection = $1 and id = $2`)).
		WithArgs("locks", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := store.Get(context.Background(), "locks", "missing")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresSetUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectExec(`insert into documents`).
		WithArgs("locks", "deploy", []byte(`{"owner":"op-1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Set(context.Background(), "locks", "deploy",
		docstore.Document{"owner": "op-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresDelete(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(
		`delete from documents where collection = $1 and id = $2`)).
		WithArgs("locks", "deploy").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "locks", "deploy"); err != nil {
		t.Fatalf("expected deleting absent document to succeed, got %v", err)
	}
}

func TestPostgresRunTransactionCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`select data from documents where collection = $1 and id = $2 for update`)).
		WithArgs("tenants", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"status":"active"}`)))
	mock.ExpectExec(`insert into documents`).
		WithArgs("tenants", "t-1", []byte(`{"status":"suspended"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunTransaction(context.Background(), func(tx docstore.Tx) error {
		doc, err := tx.Get("tenants", "t-1")
		if err != nil {
			return err
		}
		doc["status"] = "suspended"
		return tx.Set("tenants", "t-1", doc)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresRunTransactionRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`select data from documents where collection = $1 and id = $2 for update`)).
		WithArgs("tenants", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectRollback()

	err := store.RunTransaction(context.Background(), func(tx docstore.Tx) error {
		_, err := tx.Get("tenants", "t-1")
		return err
	})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound to propagate, got %v", err)
	}
}

func TestPostgresBatchWrite(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`insert into documents`).
		WithArgs("tenants", "t-1", []byte(`{"status":"new"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(
		`delete from documents where collection = $1 and id = $2`)).
		WithArgs("tenants", "t-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.BatchWrite(context.Background(), []docstore.WriteOp{
		{Kind: docstore.WriteSet, Collection: "tenants", ID: "t-1", Doc: docstore.Document{"status": "new"}},
		{Kind: docstore.WriteDelete, Collection: "tenants", ID: "t-2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresQueryWithFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		`select id, data from documents where collection = $1 and data #>> $2 = $3 and data #>> $4 < $5 order by id`)).
		WithArgs("operation_checkpoints", "{operatorId}", "op-1", "{lastUpdated}", "2026-02-15T00:00:00Z").
		WillReturnRows(sqlmock.NewRows([]string{"id", "data"}).
			AddRow("cp-1", []byte(`{"operatorId":"op-1","lastUpdated":"2026-01-01T00:00:00Z"}`)))

	results, err := store.Query(context.Background(), "operation_checkpoints", []docstore.Filter{
		{Field: "operatorId", Op: docstore.OpEqual, Value: "op-1"},
		{Field: "lastUpdated", Op: docstore.OpLess, Value: "2026-02-15T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != "cp-1" || !results[0].Exists {
		t.Errorf("unexpected snapshot: %+v", results[0])
	}
}

func TestPostgresQueryUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgres(t)
	mock.ExpectQuery(`select id, data from documents`).
		WithArgs("locks").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Query(context.Background(), "locks", nil)
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
