package consistency_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/consistency"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
)

func seedStore(t *testing.T) *docstore.Memory {
	t.Helper()

	ctx := context.Background()
	store := docstore.NewMemory()
	docs := map[string]docstore.Document{
		"t-1": {
			"status": "active",
			"billing": map[string]any{
				"plan":  "enterprise",
				"seats": 25,
			},
		},
		"t-2": {"status": "suspended"},
	}
	for id, doc := range docs {
		if err := store.Set(ctx, "tenants", id, doc); err != nil {
			t.Fatalf("unexpected error seeding %s: %v", id, err)
		}
	}
	return store
}

func TestValidateConsistent(t *testing.T) {
	t.Parallel()

	validator := consistency.NewValidator(seedStore(t), zap.NewNop())

	result, err := validator.Validate(context.Background(), []model.ConsistencyCheck{
		{Collection: "tenants", DocumentID: "t-1", Field: "status", ExpectedValue: "active"},
		{Collection: "tenants", DocumentID: "t-1", Field: "billing.plan", ExpectedValue: "enterprise"},
		{Collection: "tenants", DocumentID: "t-1", Field: "billing.seats", ExpectedValue: 25},
		{Collection: "tenants", DocumentID: "t-2", Field: "status", ExpectedValue: "suspended"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsConsistent {
		t.Fatalf("expected consistent result, got errors: %v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}
}

func TestValidateReportsAllFailures(t *testing.T) {
	t.Parallel()

	validator := consistency.NewValidator(seedStore(t), zap.NewNop())

	result, err := validator.Validate(context.Background(), []model.ConsistencyCheck{
		{Collection: "tenants", DocumentID: "t-1", Field: "status", ExpectedValue: "suspended"},
		{Collection: "tenants", DocumentID: "t-1", Field: "billing.tier", ExpectedValue: "gold"},
		{Collection: "tenants", DocumentID: "t-missing", Field: "status", ExpectedValue: "active"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsConsistent {
		t.Fatal("expected inconsistent result")
	}
	if len(result.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(result.Errors), result.Errors)
	}

	for i, want := range []string{"expected suspended", "has no field", "does not exist"} {
		if !strings.Contains(result.Errors[i], want) {
			t.Errorf("expected error %d to contain %q, got %q", i, want, result.Errors[i])
		}
	}
}

func TestValidateValidatesArguments(t *testing.T) {
	t.Parallel()

	validator := consistency.NewValidator(docstore.NewMemory(), zap.NewNop())

	if _, err := validator.Validate(context.Background(), nil); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for no checks, got %v", err)
	}
	if _, err := validator.Validate(context.Background(), []model.ConsistencyCheck{
		{Collection: "tenants", DocumentID: "t-1"},
	}); !errors.Is(err, docstore.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for incomplete check, got %v", err)
	}
}
