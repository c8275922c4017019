package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on a single JSONB documents table
// (see migrations/001_documents.sql).
type PostgresStore struct {
	db     *sql.DB
	policy retryPolicy
}

// NewPostgresStore creates a new PostgreSQL-backed document store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		policy: retryPolicy{DefaultMaxAttempts, DefaultBaseDelay},
	}
}

// WithRetry overrides the conflict retry policy.
func (p *PostgresStore) WithRetry(maxAttempts int, baseDelay time.Duration) *PostgresStore {
	p.policy = retryPolicy{maxAttempts, baseDelay}
	return p
}

// DB exposes the underlying pool for health checks.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT collection, id, version, body, created_at, updated_at
		FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)

	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return d, nil
}

func (p *PostgresStore) Find(ctx context.Context, q Query) ([]*Document, error) {
	query, args, err := buildFind(q)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: find %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var result []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", q.Collection, err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// buildFind translates a Query into SQL. Equality and membership filters
// become JSONB containment tests so the GIN index on body serves them.
func buildFind(q Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT collection, id, version, body, created_at, updated_at
		FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		if f.Op == OpLt || f.Op == OpGt {
			cmp := "<"
			if f.Op == OpGt {
				cmp = ">"
			}
			args = append(args, f.Field, f.Value)
			fmt.Fprintf(&sb, " AND (body->>$%d)::numeric %s $%d", len(args)-1, cmp, len(args))
			continue
		}
		var probe any = f.Value
		if f.Op == OpContains {
			probe = []any{f.Value}
		}
		raw, err := json.Marshal(map[string]any{f.Field: probe})
		if err != nil {
			return "", nil, fmt.Errorf("docstore: encode filter %s: %w", f.Field, err)
		}
		args = append(args, string(raw))
		fmt.Fprintf(&sb, " AND body @> $%d::jsonb", len(args))
	}
	if !q.CreatedAfter.IsZero() {
		args = append(args, q.CreatedAfter)
		fmt.Fprintf(&sb, " AND created_at > $%d", len(args))
	}
	if !q.CreatedBefore.IsZero() {
		args = append(args, q.CreatedBefore)
		fmt.Fprintf(&sb, " AND created_at < $%d", len(args))
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&sb, " ORDER BY (body->>$%d)::numeric %s, id %s", len(args), dir, dir)
	} else {
		fmt.Fprintf(&sb, " ORDER BY created_at %s, id %s", dir, dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args, nil
}

func (p *PostgresStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runTx(ctx, p, policyFor(p.policy.maxAttempts, p.policy.baseDelay), fn)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// commit applies writes with per-row version checks. Rows are touched in
// (collection, id) order so concurrent commits cannot deadlock on each other.
func (p *PostgresStore) commit(ctx context.Context, reads map[key]int64, writes []*write) error {
	byKey := make(map[key]*write, len(writes))
	keys := make([]key, 0, len(reads)+len(writes))
	for _, w := range writes {
		byKey[w.key] = w
		keys = append(keys, w.key)
	}
	for k := range reads {
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("docstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, k := range keys {
		w, isWrite := byKey[k]
		switch {
		case !isWrite:
			err = checkVersion(ctx, tx, k, reads[k])
		case w.insert:
			err = execOne(ctx, tx, k, `
				INSERT INTO documents (collection, id, version, body, created_at, updated_at)
				VALUES ($1, $2, 1, $3::jsonb, $4, $4)
				ON CONFLICT (collection, id) DO NOTHING
			`, k.collection, k.id, string(w.body), now)
		default:
			err = execOne(ctx, tx, k, `
				UPDATE documents SET body = $3::jsonb, version = version + 1, updated_at = $4
				WHERE collection = $1 AND id = $2 AND version = $5
			`, k.collection, k.id, string(w.body), now, w.expected)
		}
		if err != nil {
			return mapPGError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapPGError(fmt.Errorf("docstore: commit: %w", err))
	}
	return nil
}

// checkVersion re-reads a document the transaction only read, holding a
// share lock until commit so it cannot change underneath the writes.
func checkVersion(ctx context.Context, tx *sql.Tx, k key, expected int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, `
		SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR SHARE
	`, k.collection, k.id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
	} else if err != nil {
		return fmt.Errorf("docstore: check %s/%s: %w", k.collection, k.id, err)
	}
	if current != expected {
		return fmt.Errorf("%w: %s/%s", ErrConflict, k.collection, k.id)
	}
	return nil
}

func execOne(ctx context.Context, tx *sql.Tx, k key, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("docstore: write %s/%s: %w", k.collection, k.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: write %s/%s: %w", k.collection, k.id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrConflict, k.collection, k.id)
	}
	return nil
}

// mapPGError turns serialization failures and deadlocks into ErrConflict
// so RunTx retries them like version conflicts.
func mapPGError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*Document, error) {
	d := &Document{}
	var body []byte
	if err := s.Scan(&d.Collection, &d.ID, &d.Version, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Body = json.RawMessage(body)
	return d, nil
}

var _ Store = (*PostgresStore)(nil)
