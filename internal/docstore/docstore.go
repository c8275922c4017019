// Package docstore is the ledger store: versioned JSON documents grouped in
// collections, with optimistic multi-document transactions.
//
// A transaction records the version of every document it reads and buffers
// every write. Commit succeeds only if none of the read documents changed in
// the meantime; otherwise the whole transaction function is re-run, up to a
// bounded number of attempts, before ErrConcurrentModification is returned.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/retry"
	"github.com/mbd888/milepay/internal/traces"
)

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrConflict = errors.New("docstore: version conflict")
	ErrExists   = errors.New("docstore: document already exists")
	ErrNotRead  = errors.New("docstore: update of a document not read in this transaction")

	// ErrConcurrentModification is returned once conflict retries run out.
	ErrConcurrentModification = apperr.New(apperr.ConcurrentModification,
		"the record was modified concurrently, please retry")
)

// Default retry policy for RunTx.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 5 * time.Millisecond
	maxBackoff         = 250 * time.Millisecond
)

// Document is one stored record.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("docstore: decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Op is a filter operator.
type Op string

const (
	// OpEq matches a top-level field equal to the value.
	OpEq Op = "eq"
	// OpContains matches a top-level array field containing the value.
	OpContains Op = "contains"
	// OpLt and OpGt compare a numeric top-level field.
	OpLt Op = "lt"
	OpGt Op = "gt"
)

// Filter restricts a Query on one top-level body field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Contains builds an array-membership filter.
func Contains(field string, value any) Filter {
	return Filter{Field: field, Op: OpContains, Value: value}
}

// Less builds a numeric field < value filter.
func Less(field string, value int64) Filter {
	return Filter{Field: field, Op: OpLt, Value: value}
}

// Greater builds a numeric field > value filter.
func Greater(field string, value int64) Filter {
	return Filter{Field: field, Op: OpGt, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection    string
	Filters       []Filter
	CreatedAfter  time.Time // exclusive, zero means unbounded
	CreatedBefore time.Time // exclusive, zero means unbounded
	// OrderBy names a numeric top-level field. Empty orders by creation time.
	OrderBy string
	Desc    bool
	Limit   int // 0 means no limit
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Find(ctx context.Context, q Query) ([]*Document, error)
}

// Tx is a unit of work. Reads through a Tx are validated at commit.
type Tx interface {
	Reader
	// Insert creates a document that must not exist yet.
	Insert(collection, id string, v any) error
	// Update replaces a document previously read through this Tx.
	Update(collection, id string, v any) error
}

// Store persists documents and runs transactions.
type Store interface {
	Reader
	// RunTx runs fn in a transaction, re-running it on version conflicts.
	// Errors returned by fn abort the transaction and are returned as-is.
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// GetAs reads one document and decodes it into a T.
func GetAs[T any](ctx context.Context, r Reader, collection, id string) (*T, error) {
	doc, err := r.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := doc.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// FindAs runs a query and decodes every match into a T.
func FindAs[T any](ctx context.Context, r Reader, q Query) ([]*T, error) {
	docs, err := r.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		v := new(T)
		if err := doc.Decode(v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// key identifies a document across collections.
type key struct {
	collection string
	id         string
}

func (k key) less(o key) bool {
	if k.collection != o.collection {
		return k.collection < o.collection
	}
	return k.id < o.id
}

// write is a buffered mutation. expected is the version the document must
// still have at commit, 0 meaning it must not exist.
type write struct {
	key      key
	expected int64
	insert   bool
	body     json.RawMessage
}

// backend is what a concrete store provides to the shared transaction logic.
type backend interface {
	Reader
	// commit validates reads and applies writes atomically, returning
	// ErrConflict if any recorded version no longer matches.
	commit(ctx context.Context, reads map[key]int64, writes []*write) error
}

// txn buffers a transaction's reads and writes on top of a backend.
type txn struct {
	b       backend
	reads   map[key]int64
	created map[key]time.Time
	writes  map[key]*write
	order   []key
	now     time.Time
}

func newTxn(b backend) *txn {
	return &txn{
		b:       b,
		reads:   make(map[key]int64),
		created: make(map[key]time.Time),
		writes:  make(map[key]*write),
		now:     time.Now().UTC(),
	}
}

func (t *txn) Get(ctx context.Context, collection, id string) (*Document, error) {
	k := key{collection, id}
	if w, ok := t.writes[k]; ok {
		return t.pendingDoc(w), nil
	}
	doc, err := t.b.Get(ctx, collection, id)
	if errors.Is(err, ErrNotFound) {
		t.observe(k, 0, time.Time{})
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.observe(k, doc.Version, doc.CreatedAt)
	return doc, nil
}

func (t *txn) Find(ctx context.Context, q Query) ([]*Document, error) {
	limit := q.Limit
	if len(t.writes) > 0 {
		// Buffered writes can change which documents match, so the limit is
		// applied after overlaying them.
		q.Limit = 0
	}
	docs, err := t.b.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		t.observe(key{d.Collection, d.ID}, d.Version, d.CreatedAt)
	}
	if len(t.writes) == 0 {
		return docs, nil
	}

	seen := make(map[string]bool, len(docs))
	merged := make([]*Document, 0, len(docs))
	for _, d := range docs {
		seen[d.ID] = true
		if w, ok := t.writes[key{d.Collection, d.ID}]; ok {
			d = t.pendingDoc(w)
			if !matches(q, d) {
				continue
			}
		}
		merged = append(merged, d)
	}
	for _, k := range t.order {
		if k.collection != q.Collection || seen[k.id] {
			continue
		}
		if d := t.pendingDoc(t.writes[k]); matches(q, d) {
			merged = append(merged, d)
		}
	}
	sortDocs(merged, q)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (t *txn) Insert(collection, id string, v any) error {
	k := key{collection, id}
	if _, ok := t.writes[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrExists, collection, id)
	}
	if ver, ok := t.reads[k]; ok && ver != 0 {
		return fmt.Errorf("%w: %s/%s", ErrExists, collection, id)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	t.buffer(&write{key: k, insert: true, body: body})
	return nil
}

func (t *txn) Update(collection, id string, v any) error {
	k := key{collection, id}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	if w, ok := t.writes[k]; ok {
		w.body = body
		return nil
	}
	ver, ok := t.reads[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotRead, collection, id)
	}
	if ver == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	t.buffer(&write{key: k, expected: ver, body: body})
	return nil
}

func (t *txn) observe(k key, version int64, createdAt time.Time) {
	if _, ok := t.reads[k]; !ok {
		t.reads[k] = version
		t.created[k] = createdAt
	}
}

func (t *txn) buffer(w *write) {
	t.writes[w.key] = w
	t.order = append(t.order, w.key)
}

func (t *txn) pendingDoc(w *write) *Document {
	created := t.now
	if !w.insert {
		created = t.created[w.key]
	}
	return &Document{
		Collection: w.key.collection,
		ID:         w.key.id,
		Version:    w.expected + 1,
		Body:       append(json.RawMessage(nil), w.body...),
		CreatedAt:  created,
		UpdatedAt:  t.now,
	}
}

func (t *txn) pendingWrites() []*write {
	out := make([]*write, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.writes[k])
	}
	return out
}

// runTx is the retry loop shared by every backend.
func runTx(ctx context.Context, b backend, policy retry.Policy, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := traces.StartSpan(ctx, "docstore.RunTx")
	start := time.Now()

	attempts := 0
	policy.RetryIf = func(err error) bool { return errors.Is(err, ErrConflict) }
	policy.OnRetry = func(int, error) { txConflicts.Inc() }
	if policy.MaxDelay == 0 {
		policy.MaxDelay = maxBackoff
	}

	err := policy.Do(ctx, func() error {
		attempts++
		t := newTxn(b)
		if err := fn(ctx, t); err != nil {
			return err
		}
		if len(t.writes) == 0 {
			return nil
		}
		return b.commit(ctx, t.reads, t.pendingWrites())
	})

	txAttempts.Observe(float64(attempts))
	txDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrConflict) {
		txConflicts.Inc()
		txTotal.WithLabelValues("conflict").Inc()
		err = apperr.Wrap(apperr.ConcurrentModification, ErrConcurrentModification.Message, err)
	} else if err != nil {
		txTotal.WithLabelValues("error").Inc()
	} else {
		txTotal.WithLabelValues("committed").Inc()
	}
	traces.End(span, err)
	return err
}

func policyFor(maxAttempts int, baseDelay time.Duration) retry.Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return retry.Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}
