package model

import (
	"time"
)

// DocumentSnapshot captures the pre-mutation state of a single document.
// The Existed flag is the tagged present/absent distinction rollback
// depends on: a document that did not exist at capture time must be
// deleted on restore, not written back empty.
type DocumentSnapshot struct {
	// Collection is the document's collection name.
	Collection string `json:"collection"`

	// DocumentID is the document's id within the collection.
	DocumentID string `json:"documentId"`

	// Existed reports whether the document was present at capture time.
	Existed bool `json:"existed"`

	// Data holds the captured fields; nil when Existed is false.
	Data map[string]any `json:"data,omitempty"`
}

// RollbackPoint is a captured snapshot of a document set, consumable
// exactly once. It stays in the store after use for inspection.
type RollbackPoint struct {
	// OperationID identifies the operation that captured the snapshot
	// and keys the rollback point document.
	OperationID string `json:"operationId"`

	// CreatedAt is the capture timestamp.
	CreatedAt time.Time `json:"createdAt"`

	// Documents holds one snapshot per captured document.
	Documents []DocumentSnapshot `json:"documents"`

	// Used marks an executed rollback. A used point is terminal and must
	// never be replayed.
	Used bool `json:"used"`

	// UsedAt is set when the rollback executed.
	UsedAt *time.Time `json:"usedAt,omitempty"`
}
