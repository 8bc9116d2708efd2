// Package docstore is the document store boundary the coordination core
// depends on: read/write a document by collection+id, run a
// single-store-scope transaction, run a batched multi-write, and query by
// field predicate. The core never assumes more than single-document
// transactional isolation from an implementation.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Document is a JSON-normalized field map: numbers are float64, times are
// RFC3339 strings, nested objects are Documents. Normalization keeps
// value equality and snapshots stable across backends.
type Document = map[string]any

// Common errors returned by document store implementations. The
// transactional executor treats all of these as fatal (a logic error,
// not contention); only ErrConflict and ErrUnavailable are retryable.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrExists is returned when creating a document that already exists.
	ErrExists = errors.New("document already exists")

	// ErrPermissionDenied is returned when the store rejects the caller.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument is returned for malformed collection names, ids
	// or payloads.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFailedPrecondition is returned when a conditional write's
	// precondition does not hold.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrConflict is returned when a transaction lost a race and may be
	// retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrUnavailable is returned for transient connectivity failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Fatal reports whether the error indicates a logic error rather than
// contention. Fatal errors must not be retried.
func Fatal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrFailedPrecondition) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Snapshot is the result of reading a document, preserving the
// present/absent distinction.
type Snapshot struct {
	Collection string
	ID         string
	Exists     bool
	Data       Document
}

// WriteKind enumerates batched write operations.
type WriteKind string

const (
	// WriteSet replaces the document, creating it if absent.
	WriteSet WriteKind = "set"
	// WriteUpdate shallow-merges fields into an existing document.
	WriteUpdate WriteKind = "update"
	// WriteDelete removes the document; deleting an absent document is
	// not an error.
	WriteDelete WriteKind = "delete"
)

// WriteOp is one operation in a batched write.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Doc        Document
}

// FilterOp enumerates supported query predicates.
type FilterOp string

const (
	// OpEqual matches documents whose field equals the value.
	OpEqual FilterOp = "=="
	// OpLess matches documents whose field is strictly less than the
	// value. String comparison is lexicographic; timestamps that
	// participate in range filters must be stored via FormatTime so
	// string order matches chronological order.
	OpLess FilterOp = "<"
)

// Filter is a single field predicate. Field may be a dot path into
// nested objects.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Tx is the handle passed to a transaction function. Writes are buffered
// and applied atomically when the function returns nil; they are
// discarded when it returns an error. Reads observe buffered writes.
type Tx interface {
	Get(collection, id string) (Document, error)
	Set(collection, id string, doc Document) error
	Update(collection, id string, fields Document) error
	Delete(collection, id string) error
}

// Store is the document store adapter contract.
type Store interface {
	// Get retrieves a document. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Set replaces the document, creating it if absent.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Update shallow-merges fields into an existing document.
	// Returns ErrNotFound if the document is absent.
	Update(ctx context.Context, collection, id string, fields Document) error

	// Delete removes the document. Deleting an absent document succeeds.
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction runs fn with single-store-scope isolation. The
	// buffered writes commit only when fn returns nil.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// BatchWrite applies the operations as one batch, atomically where
	// the backend allows.
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// Query returns snapshots of documents in the collection matching
	// every filter, ordered by document id.
	Query(ctx context.Context, collection string, filters []Filter) ([]Snapshot, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Marshal converts a typed value into a normalized Document through a
// JSON round trip.
func Marshal(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return doc, nil
}

// Unmarshal converts a Document back into a typed value.
func Unmarshal(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// TimeFormat is the fixed-width RFC 3339 layout for timestamps that
// participate in ordered queries. encoding/json trims trailing zeros
// from fractional seconds, which breaks lexicographic ordering at
// sub-second boundaries ("...0.55Z" sorts before "...0.5Z").
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC with fixed-width fractional seconds so
// string order matches chronological order.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Clone deep-copies a document through JSON normalization, so stored
// state never aliases caller-held maps.
func Clone(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	return Marshal(doc)
}

// Field extracts a possibly dot-path nested field from a document.
// The second return reports whether the full path resolved.
func Field(doc Document, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Equal compares two values after JSON normalization, so int 5 and
// float64 5 compare equal, as do typed and stringly timestamps.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// Matches reports whether the document satisfies the filter.
func (f Filter) Matches(doc Document) bool {
	value, ok := Field(doc, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return Equal(value, f.Value)
	case OpLess:
		return less(normalize(value), normalize(f.Value))
	default:
		return false
	}
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func less(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	default:
		return false
	}
}
