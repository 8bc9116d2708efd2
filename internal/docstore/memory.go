package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-process
// deployments. A single mutex serializes transactions, so RunTransaction
// provides genuine read-modify-write isolation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Document),
	}
}

func validateRef(collection, id string) error {
	if collection == "" {
		return fmt.Errorf("%w: collection cannot be empty", ErrInvalidArgument)
	}
	if id == "" {
		return fmt.Errorf("%w: document id cannot be empty", ErrInvalidArgument)
	}
	return nil
}

// Get retrieves a document copy. Returns ErrNotFound if absent.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateRef(collection, id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(collection, id)
}

func (m *Memory) getLocked(collection, id string) (Document, error) {
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return Clone(doc)
}

// Set replaces the document, creating it if absent.
func (m *Memory) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(collection, id, doc)
}

func (m *Memory) setLocked(collection, id string, doc Document) error {
	copied, err := Clone(doc)
	if err != nil {
		return err
	}
	if copied == nil {
		copied = Document{}
	}
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Document)
	}
	m.collections[collection][id] = copied
	return nil
}

// Update shallow-merges fields into an existing document.
func (m *Memory) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, id, fields)
}

func (m *Memory) updateLocked(collection, id string, fields Document) error {
	current, ok := m.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	merged, err := Clone(current)
	if err != nil {
		return err
	}
	normalized, err := Clone(fields)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		merged[k] = v
	}
	m.collections[collection][id] = merged
	return nil
}

// Delete removes the document; deleting an absent document succeeds.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(collection, id)
	return nil
}

func (m *Memory) deleteLocked(collection, id string) {
	delete(m.collections[collection], id)
}

// RunTransaction runs fn while holding the store mutex. Writes buffer in
// an overlay and apply only when fn returns nil.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, overlay: make(map[string]map[string]*Document)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// BatchWrite applies the operations atomically under the store mutex.
// Writes buffer in a transaction overlay, so a mid-batch failure leaves
// the store untouched.
func (m *Memory) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, overlay: make(map[string]map[string]*Document)}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case WriteSet:
			err = tx.Set(op.Collection, op.ID, op.Doc)
		case WriteUpdate:
			err = tx.Update(op.Collection, op.ID, op.Doc)
		case WriteDelete:
			err = tx.Delete(op.Collection, op.ID)
		default:
			err = fmt.Errorf("%w: unknown write kind %q", ErrInvalidArgument, op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return tx.commit()
}

// Query scans the collection and returns matching snapshots ordered by id.
func (m *Memory) Query(ctx context.Context, collection string, filters []Filter) ([]Snapshot, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection cannot be empty", ErrInvalidArgument)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []Snapshot
	for _, id := range ids {
		doc := m.collections[collection][id]
		matched := true
		for _, f := range filters {
			if !f.Matches(doc) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		copied, err := Clone(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, Snapshot{
			Collection: collection,
			ID:         id,
			Exists:     true,
			Data:       copied,
		})
	}
	return results, nil
}

// Ping always succeeds for the in-memory backend.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory backend.
func (m *Memory) Close(ctx context.Context) error {
	return nil
}

// memoryTx buffers writes in an overlay keyed by collection and id.
// A nil entry marks a buffered delete.
type memoryTx struct {
	store   *Memory
	overlay map[string]map[string]*Document
}

func (t *memoryTx) lookup(collection, id string) (*Document, bool) {
	docs, ok := t.overlay[collection]
	if !ok {
		return nil, false
	}
	doc, ok := docs[id]
	return doc, ok
}

func (t *memoryTx) buffer(collection, id string, doc *Document) {
	if t.overlay[collection] == nil {
		t.overlay[collection] = make(map[string]*Document)
	}
	t.overlay[collection][id] = doc
}

// Get reads through the overlay so a transaction observes its own writes.
func (t *memoryTx) Get(collection, id string) (Document, error) {
	if err := validateRef(collection, id); err != nil {
		return nil, err
	}
	if buffered, ok := t.lookup(collection, id); ok {
		if buffered == nil {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return Clone(*buffered)
	}
	return t.store.getLocked(collection, id)
}

func (t *memoryTx) Set(collection, id string, doc Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	copied, err := Clone(doc)
	if err != nil {
		return err
	}
	if copied == nil {
		copied = Document{}
	}
	t.buffer(collection, id, &copied)
	return nil
}

func (t *memoryTx) Update(collection, id string, fields Document) error {
	current, err := t.Get(collection, id)
	if err != nil {
		return err
	}
	normalized, err := Clone(fields)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		current[k] = v
	}
	t.buffer(collection, id, &current)
	return nil
}

func (t *memoryTx) Delete(collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	t.buffer(collection, id, nil)
	return nil
}

func (t *memoryTx) commit() error {
	for collection, docs := range t.overlay {
		for id, doc := range docs {
			if doc == nil {
				t.store.deleteLocked(collection, id)
				continue
			}
			if err := t.store.setLocked(collection, id, *doc); err != nil {
				return err
			}
		}
	}
	return nil
}
