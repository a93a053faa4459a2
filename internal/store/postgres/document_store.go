// Package postgres provides a Postgres-backed document store. Every collection lives in one JSONB table
// keyed by (collection, id).
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

const defaultTable = "documents"

var (
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validFieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Config controls the Postgres connection pool and batching.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxBatchSize    int
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements watch.DocumentStore on Postgres.
type Store struct {
	pool         pool
	table        string
	maxBatchSize int
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStoreWithPool(p, cfg.Table, cfg.MaxBatchSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, table string, maxBatchSize int) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, maxBatchSize: maxBatchSize}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// MaxBatchSize reports how many writes one Commit accepts.
func (s *Store) MaxBatchSize() int {
	return s.maxBatchSize
}

// Migrate creates the document table and its secondary indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_data_gin ON %s USING GIN (data jsonb_path_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate documents: %w", err)
		}
	}
	return nil
}

// Get loads one document.
func (s *Store) Get(ctx context.Context, collection, id string) (watch.Document, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE collection = $1 AND id = $2`, s.table)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, collection, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.Document{}, watch.ErrNotFound
		}
		return watch.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return watch.Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return watch.Document{Collection: collection, ID: id, Fields: fields}, nil
}

// Find translates the query into a bounded SELECT over the JSONB payload.
func (s *Store) Find(ctx context.Context, q watch.Query) ([]watch.Document, error) {
	query, args, err := s.buildFind(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []watch.Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, watch.Document{Collection: q.Collection, ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection, err)
	}
	return docs, nil
}

func (s *Store) buildFind(q watch.Query) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, data FROM %s WHERE collection = $1", s.table)
	args := []any{q.Collection}
	for _, f := range q.Filters {
		if !validFieldName.MatchString(f.Field) {
			return "", nil, fmt.Errorf("find %s: invalid field %q", q.Collection, f.Field)
		}
		switch f.Op {
		case watch.OpEq, watch.OpLt, watch.OpLte, watch.OpGt, watch.OpGte:
		default:
			return "", nil, fmt.Errorf("find %s: unsupported operator %q", q.Collection, f.Op)
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("find %s: encode filter %s: %w", q.Collection, f.Field, err)
		}
		args = append(args, string(value))
		op := string(f.Op)
		if f.Op == watch.OpEq {
			op = "="
		}
		fmt.Fprintf(&b, " AND data->'%s' %s $%d::jsonb", f.Field, op, len(args))
	}
	if q.OrderBy != "" {
		if !validFieldName.MatchString(q.OrderBy) {
			return "", nil, fmt.Errorf("find %s: invalid order field %q", q.Collection, q.OrderBy)
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY data->'%s' %s, id", q.OrderBy, dir)
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

// Commit applies the writes inside one transaction.
func (s *Store) Commit(ctx context.Context, writes []watch.Write) (err error) {
	if s.maxBatchSize > 0 && len(writes) > s.maxBatchSize {
		return fmt.Errorf("commit: %d writes exceed batch limit %d", len(writes), s.maxBatchSize)
	}
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	for i, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("commit: write %d is missing collection or id", i)
		}
		if err := s.apply(ctx, tx, w); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx pgx.Tx, w watch.Write) error {
	if w.Kind == watch.WriteDelete {
		query := fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = $2`, s.table)
		if _, err := tx.Exec(ctx, query, w.Collection, w.ID); err != nil {
			return fmt.Errorf("delete %s/%s: %w", w.Collection, w.ID, err)
		}
		return nil
	}
	fields := w.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
	}
	update := "EXCLUDED.data"
	if w.Merge {
		update = s.table + ".data || EXCLUDED.data"
	}
	query := fmt.Sprintf(`INSERT INTO %s (collection, id, data, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (collection, id) DO UPDATE SET data = %s, updated_at = now()`, s.table, update)
	if _, err := tx.Exec(ctx, query, w.Collection, w.ID, data); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", w.Collection, w.ID, err)
	}
	return nil
}

// decodeFields keeps integral JSON numbers as int64 so epoch values round-trip exactly.
func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		num, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := num.Int64(); err == nil {
			fields[k] = i
			continue
		}
		if f, err := num.Float64(); err == nil {
			fields[k] = f
		}
	}
	return fields, nil
}
