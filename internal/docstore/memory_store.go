package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/development mode and tests.
// Commits are serialized by a single mutex; reads run concurrently.
type MemoryStore struct {
	docs   map[key]*Document
	mu     sync.RWMutex
	policy retryPolicy
	now    func() time.Time
}

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[key]*Document),
		policy: retryPolicy{DefaultMaxAttempts, DefaultBaseDelay},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithRetry overrides the conflict retry policy.
func (m *MemoryStore) WithRetry(maxAttempts int, baseDelay time.Duration) *MemoryStore {
	m.policy = retryPolicy{maxAttempts, baseDelay}
	return m
}

// WithClock overrides the commit timestamp source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[key{collection, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return copyDoc(d), nil
}

func (m *MemoryStore) Find(ctx context.Context, q Query) ([]*Document, error) {
	m.mu.RLock()
	var result []*Document
	for k, d := range m.docs {
		if k.collection == q.Collection && matches(q, d) {
			result = append(result, copyDoc(d))
		}
	}
	m.mu.RUnlock()

	sortDocs(result, q)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runTx(ctx, m, policyFor(m.policy.maxAttempts, m.policy.baseDelay), fn)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) commit(ctx context.Context, reads map[key]int64, writes []*write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, ver := range reads {
		if m.versionOf(k) != ver {
			return fmt.Errorf("%w: %s/%s", ErrConflict, k.collection, k.id)
		}
	}
	for _, w := range writes {
		if m.versionOf(w.key) != w.expected {
			return fmt.Errorf("%w: %s/%s", ErrConflict, w.key.collection, w.key.id)
		}
	}

	now := m.now()
	for _, w := range writes {
		body := append(json.RawMessage(nil), w.body...)
		if w.insert {
			m.docs[w.key] = &Document{
				Collection: w.key.collection,
				ID:         w.key.id,
				Version:    1,
				Body:       body,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			continue
		}
		d := m.docs[w.key]
		d.Version++
		d.Body = body
		d.UpdatedAt = now
	}
	return nil
}

// versionOf returns the stored version, 0 if absent. Caller holds m.mu.
func (m *MemoryStore) versionOf(k key) int64 {
	if d, ok := m.docs[k]; ok {
		return d.Version
	}
	return 0
}

func copyDoc(d *Document) *Document {
	cp := *d
	cp.Body = append(json.RawMessage(nil), d.Body...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
