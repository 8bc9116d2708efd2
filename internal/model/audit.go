package model

import (
	"time"
)

// AdminAuditEntry records one privileged mutation. Entries are written in
// addition to session actions, into an append-only collection that this
// core never updates or deletes.
type AdminAuditEntry struct {
	// ID is a ULID, so entries sort lexicographically by creation time.
	ID string `json:"id"`

	OperatorID    string `json:"operatorId"`
	OperatorEmail string `json:"operatorEmail"`

	// Action names the privileged operation, e.g. "rollback.execute".
	Action string `json:"action"`

	// Collection and DocumentID name the mutated document when the
	// action targets a single document.
	Collection string `json:"collection,omitempty"`
	DocumentID string `json:"documentId,omitempty"`

	// OldData and NewData are before/after snapshots of the mutated
	// document; nil when the document did not exist on that side.
	OldData map[string]any `json:"oldData,omitempty"`
	NewData map[string]any `json:"newData,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Reason is the operator-supplied justification, when one was given.
	Reason string `json:"reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}
