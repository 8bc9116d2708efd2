package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/checkpoint"
	"github.com/platformops/admin-coordinator/internal/consistency"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
	"github.com/platformops/admin-coordinator/internal/rollback"
	"github.com/platformops/admin-coordinator/internal/txn"
)

func newOperationTestHandlers(t *testing.T) (*OperationHandlers, docstore.Store) {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	store := docstore.NewMemory()
	exec := txn.NewExecutor(store, logger)
	return NewOperationHandlers(
		checkpoint.NewStore(store, exec, logger),
		rollback.NewManager(store, exec, logger),
		consistency.NewValidator(store, logger),
		audit.NewRecorder(store, logger),
		logger, newTestMetrics(), 7*24*time.Hour), store
}

func newOperationRouter(h *OperationHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Post("/v1/checkpoints/cleanup", h.HandleCheckpointCleanup)
	router.Post("/v1/checkpoints/{operationID}", h.HandleCheckpointSave)
	router.Get("/v1/checkpoints/{operationID}", h.HandleCheckpointGet)
	router.Post("/v1/rollback-points", h.HandleRollbackCreate)
	router.Post("/v1/rollback-points/{operationID}/execute", h.HandleRollbackExecute)
	router.Post("/v1/consistency/validate", h.HandleConsistencyValidate)
	return router
}

func routeJSON(t *testing.T, router http.Handler, method, path string, body any, uid string) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.ContentLength = int64(len(payload))
	}
	if uid != "" {
		req = req.WithContext(testOperatorContext(req.Context(), uid))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandleCheckpointSaveAndGet(t *testing.T) {
	h, _ := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	save := routeJSON(t, router, "POST", "/v1/checkpoints/bulk-migrate-42",
		checkpointSaveRequest{Step: "validate", Data: map[string]any{"tenants": 3}}, "op-1")
	if save.Code != http.StatusOK {
		t.Fatalf("Save status = %d, want %d: %s", save.Code, http.StatusOK, save.Body.String())
	}

	save2 := routeJSON(t, router, "POST", "/v1/checkpoints/bulk-migrate-42",
		checkpointSaveRequest{Step: "apply", Data: map[string]any{"applied": 2}}, "op-1")
	if save2.Code != http.StatusOK {
		t.Fatalf("Second save status = %d, want %d", save2.Code, http.StatusOK)
	}

	get := routeJSON(t, router, "GET", "/v1/checkpoints/bulk-migrate-42", nil, "op-1")
	if get.Code != http.StatusOK {
		t.Fatalf("Get status = %d, want %d: %s", get.Code, http.StatusOK, get.Body.String())
	}

	var cp model.Checkpoint
	if err := json.NewDecoder(get.Body).Decode(&cp); err != nil {
		t.Fatalf("Failed to decode checkpoint: %v", err)
	}
	if cp.Step != "apply" {
		t.Errorf("Step = %s, want apply", cp.Step)
	}
	if len(cp.CompletedSteps) != 2 {
		t.Errorf("CompletedSteps = %v, want 2 steps", cp.CompletedSteps)
	}
	if cp.Data["tenants"] != float64(3) || cp.Data["applied"] != float64(2) {
		t.Errorf("Data = %v, want merged keys from both saves", cp.Data)
	}
}

func TestHandleCheckpointGetNotFound(t *testing.T) {
	h, _ := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	rr := routeJSON(t, router, "GET", "/v1/checkpoints/never-started", nil, "op-1")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleCheckpointSaveValidation(t *testing.T) {
	h, _ := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	rr := routeJSON(t, router, "POST", "/v1/checkpoints/bulk-migrate-42",
		checkpointSaveRequest{}, "op-1")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandleCheckpointCleanup(t *testing.T) {
	h, store := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	// A checkpoint last updated well before any cutoff.
	stale, err := docstore.Marshal(model.Checkpoint{
		OperationID: "ancient-op",
		Step:        "done",
		LastUpdated: time.Now().AddDate(0, 0, -30).UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}
	if err := store.Set(context.Background(), checkpoint.Collection, "ancient-op", stale); err != nil {
		t.Fatalf("Failed to seed checkpoint: %v", err)
	}

	fresh := routeJSON(t, router, "POST", "/v1/checkpoints/fresh-op",
		checkpointSaveRequest{Step: "start"}, "op-1")
	if fresh.Code != http.StatusOK {
		t.Fatalf("Save status = %d, want %d", fresh.Code, http.StatusOK)
	}

	rr := routeJSON(t, router, "POST", "/v1/checkpoints/cleanup",
		checkpointCleanupRequest{OlderThanDays: 14}, "op-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("Cleanup status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp checkpointCleanupResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Removed != 1 {
		t.Errorf("Removed = %d, want 1", resp.Removed)
	}

	// The fresh checkpoint survives.
	get := routeJSON(t, router, "GET", "/v1/checkpoints/fresh-op", nil, "op-1")
	if get.Code != http.StatusOK {
		t.Errorf("Fresh checkpoint status = %d, want %d", get.Code, http.StatusOK)
	}
}

func TestHandleRollbackCreateAndExecute(t *testing.T) {
	h, store := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	if err := store.Set(context.Background(), "tenants", "t-1", docstore.Document{
		"name":   "Acme Rentals",
		"status": "active",
	}); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}

	create := routeJSON(t, router, "POST", "/v1/rollback-points", rollbackCreateRequest{
		OperationID: "suspend-t-1",
		Documents:   []rollback.Ref{{Collection: "tenants", DocumentID: "t-1"}},
	}, "op-1")
	if create.Code != http.StatusOK {
		t.Fatalf("Create status = %d, want %d: %s", create.Code, http.StatusOK, create.Body.String())
	}

	// Mutate the document after the snapshot was captured.
	if err := store.Update(context.Background(), "tenants", "t-1", docstore.Document{
		"status": "suspended",
	}); err != nil {
		t.Fatalf("Failed to mutate tenant: %v", err)
	}

	execute := routeJSON(t, router, "POST", "/v1/rollback-points/suspend-t-1/execute", nil, "op-1")
	if execute.Code != http.StatusOK {
		t.Fatalf("Execute status = %d, want %d: %s", execute.Code, http.StatusOK, execute.Body.String())
	}

	restored, err := store.Get(context.Background(), "tenants", "t-1")
	if err != nil {
		t.Fatalf("Failed to read restored tenant: %v", err)
	}
	if restored["status"] != "active" {
		t.Errorf("status = %v, want active after rollback", restored["status"])
	}

	// A rollback point is single-use.
	again := routeJSON(t, router, "POST", "/v1/rollback-points/suspend-t-1/execute", nil, "op-1")
	if again.Code != http.StatusGone {
		t.Errorf("Second execute status = %d, want %d", again.Code, http.StatusGone)
	}
}

func TestHandleRollbackExecuteNotFound(t *testing.T) {
	h, _ := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	rr := routeJSON(t, router, "POST", "/v1/rollback-points/never-created/execute", nil, "op-1")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleRollbackCreateValidation(t *testing.T) {
	h, _ := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	tests := []struct {
		name string
		req  rollbackCreateRequest
	}{
		{"missing operation id", rollbackCreateRequest{
			Documents: []rollback.Ref{{Collection: "tenants", DocumentID: "t-1"}},
		}},
		{"no documents", rollbackCreateRequest{OperationID: "op"}},
		{"incomplete reference", rollbackCreateRequest{
			OperationID: "op",
			Documents:   []rollback.Ref{{Collection: "tenants"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := routeJSON(t, router, "POST", "/v1/rollback-points", tt.req, "op-1")
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Status code = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleRollbackRecordsAudit(t *testing.T) {
	h, store := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	if err := store.Set(context.Background(), "tenants", "t-1", docstore.Document{"status": "active"}); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}

	create := routeJSON(t, router, "POST", "/v1/rollback-points", rollbackCreateRequest{
		OperationID: "suspend-t-1",
		Documents:   []rollback.Ref{{Collection: "tenants", DocumentID: "t-1"}},
	}, "op-1")
	if create.Code != http.StatusOK {
		t.Fatalf("Create status = %d, want %d", create.Code, http.StatusOK)
	}

	entries, err := store.Query(context.Background(), audit.Collection, []docstore.Filter{
		{Field: "operatorId", Op: docstore.OpEqual, Value: "op-1"},
	})
	if err != nil {
		t.Fatalf("Failed to query audit log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Audit entries = %d, want 1", len(entries))
	}
	if entries[0].Data["action"] != "rollback.create" {
		t.Errorf("action = %v, want rollback.create", entries[0].Data["action"])
	}
}

func TestHandleConsistencyValidate(t *testing.T) {
	h, store := newOperationTestHandlers(t)
	router := newOperationRouter(h)

	if err := store.Set(context.Background(), "tenants", "t-1", docstore.Document{
		"status": "active",
	}); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}

	tests := []struct {
		name           string
		checks         []model.ConsistencyCheck
		wantStatus     int
		wantConsistent bool
		wantErrors     int
	}{
		{
			name: "consistent",
			checks: []model.ConsistencyCheck{
				{Collection: "tenants", DocumentID: "t-1", Field: "status", ExpectedValue: "active"},
			},
			wantStatus:     http.StatusOK,
			wantConsistent: true,
		},
		{
			name: "mismatch and missing document",
			checks: []model.ConsistencyCheck{
				{Collection: "tenants", DocumentID: "t-1", Field: "status", ExpectedValue: "suspended"},
				{Collection: "tenants", DocumentID: "t-9", Field: "status", ExpectedValue: "active"},
			},
			wantStatus:     http.StatusOK,
			wantConsistent: false,
			wantErrors:     2,
		},
		{
			name:       "no checks",
			checks:     nil,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := routeJSON(t, router, "POST", "/v1/consistency/validate",
				consistencyValidateRequest{Checks: tt.checks}, "op-1")
			if rr.Code != tt.wantStatus {
				t.Fatalf("Status code = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var result model.ConsistencyResult
			if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to decode result: %v", err)
			}
			if result.IsConsistent != tt.wantConsistent {
				t.Errorf("IsConsistent = %v, want %v", result.IsConsistent, tt.wantConsistent)
			}
			if len(result.Errors) != tt.wantErrors {
				t.Errorf("Errors = %v, want %d entries", result.Errors, tt.wantErrors)
			}
		})
	}
}
