// Package consistency implements a pre-commit gate for multi-document
// administrative mutations: it reads a set of documents in one
// transaction and compares named fields against expected values.
// Mismatches come back as readable error strings, not failures, so the
// caller decides whether to abort.
package consistency

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/model"
)

// Validator checks cross-document expectations before a commit.
type Validator struct {
	store docstore.Store
	log   *zap.Logger
}

// NewValidator creates a consistency validator.
func NewValidator(store docstore.Store, log *zap.Logger) *Validator {
	return &Validator{store: store, log: log}
}

// Validate reads every checked document within one transaction and
// compares the (possibly dot-path nested) field by value equality.
// Missing documents, missing fields and mismatches all produce error
// strings; only store failures return an error.
func (v *Validator) Validate(ctx context.Context, checks []model.ConsistencyCheck) (*model.ConsistencyResult, error) {
	if len(checks) == 0 {
		return nil, fmt.Errorf("%w: at least one check is required", docstore.ErrInvalidArgument)
	}
	for _, check := range checks {
		if check.Collection == "" || check.DocumentID == "" || check.Field == "" {
			return nil, fmt.Errorf("%w: checks need collection, document id and field", docstore.ErrInvalidArgument)
		}
	}

	result := &model.ConsistencyResult{IsConsistent: true}
	err := v.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		for _, check := range checks {
			doc, err := tx.Get(check.Collection, check.DocumentID)
			if errors.Is(err, docstore.ErrNotFound) {
				result.Fail(fmt.Sprintf("document %s/%s does not exist",
					check.Collection, check.DocumentID))
				continue
			}
			if err != nil {
				return err
			}

			value, ok := docstore.Field(doc, check.Field)
			if !ok {
				result.Fail(fmt.Sprintf("document %s/%s has no field %q",
					check.Collection, check.DocumentID, check.Field))
				continue
			}
			if !docstore.Equal(value, check.ExpectedValue) {
				result.Fail(fmt.Sprintf("document %s/%s field %q is %v, expected %v",
					check.Collection, check.DocumentID, check.Field, value, check.ExpectedValue))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.IsConsistent {
		v.log.Warn("consistency validation failed",
			zap.Int("checks", len(checks)),
			zap.Strings("errors", result.Errors))
	}
	return result, nil
}
