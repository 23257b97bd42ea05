// Package postgres implements the record store over PostgreSQL. Each registry
// table maps to one relation with a BIGSERIAL identifier and a jsonb field
// document, created by the embedded migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wayfare/wayfare/errs"
	"github.com/wayfare/wayfare/internal/registry"
	"github.com/wayfare/wayfare/internal/store"
)

// Store persists records in PostgreSQL through a bounded pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config bounds the connection pool. Pool acquisition respects each
// operation's context deadline, so exhaustion surfaces as Unavailable instead
// of queueing without bound.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// New connects a pooled store. The caller owns the returned store for the
// process lifetime and must Close it at shutdown.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, primarily for tests.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// List returns all records in primary-key order, never nil.
func (s *Store) List(ctx context.Context, table string) ([]store.Record, error) {
	rel, err := s.relation(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, fields FROM %s ORDER BY id;`, rel))
	if err != nil {
		return nil, classify(table, "list", err)
	}
	defer rows.Close()

	records := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, table)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(table, "list", err)
	}
	return records, nil
}

// Get returns the matching record, or (nil, nil) when the id is absent.
func (s *Store) Get(ctx context.Context, table string, id int64) (store.Record, error) {
	rel, err := s.relation(table)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT id, fields FROM %s WHERE id = $1;`, rel), id)
	rec, err := scanRecord(row, table)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Create inserts the field mapping and returns it merged with the assigned id.
func (s *Store) Create(ctx context.Context, table string, fields map[string]any) (store.Record, error) {
	rel, err := s.relation(table)
	if err != nil {
		return nil, err
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (fields) VALUES ($1::jsonb) RETURNING id;`, rel), payload)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, classify(table, "create", err)
	}
	record := make(store.Record, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[registry.IDField] = id
	return record, nil
}

// Update merges the supplied fields into the jsonb document and returns the
// re-read post-update record rather than echoing the request.
func (s *Store) Update(ctx context.Context, table string, id int64, fields map[string]any) (store.Record, error) {
	rel, err := s.relation(table)
	if err != nil {
		return nil, err
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s SET fields = fields || $2::jsonb, updated_at = NOW() WHERE id = $1 RETURNING id, fields;`, rel), id, payload)
	rec, err := scanRecord(row, table)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound(table, id)
		}
		return nil, err
	}
	return rec, nil
}

// Delete removes the row. Zero rows affected still reports success.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	rel, err := s.relation(table)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1;`, rel), id); err != nil {
		return classify(table, "delete", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errs.New(errs.KindUnavailable, errs.WithMessage("postgres pool not initialised"))
	}
	if err := s.pool.Ping(ctx); err != nil {
		return errs.New(errs.KindUnavailable, errs.WithMessage("postgres unreachable"), errs.WithCause(err))
	}
	return nil
}

// Close drains the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// relation resolves a registry table name to a sanitised SQL identifier. Only
// registry names ever reach query text.
func (s *Store) relation(table string) (string, error) {
	if _, ok := registry.Lookup(table); !ok {
		return "", errs.UnknownTable(table)
	}
	if s.pool == nil {
		return "", errs.New(errs.KindUnavailable, errs.WithMessage("postgres pool not initialised"))
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, table string) (store.Record, error) {
	var id int64
	var raw []byte
	if err := row.Scan(&id, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, classify(table, "scan", err)
	}
	fields := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errs.New(errs.KindInternal, errs.WithTable(table),
				errs.WithMessage("decode record fields"), errs.WithCause(err))
		}
	}
	record := store.Record(fields)
	record[registry.IDField] = id
	return record, nil
}

func encodeFields(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, errs.WithMessage("encode field mapping"), errs.WithCause(err))
	}
	return data, nil
}

// classify maps driver failures onto the error taxonomy: constraint violations
// become Conflict, cancellation and transport failures become Unavailable, and
// anything else stays Internal with the driver diagnostic preserved.
func classify(table, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") {
			return errs.New(errs.KindConflict, errs.WithTable(table),
				errs.WithMessage(pgErr.Message), errs.WithCause(err))
		}
		return errs.New(errs.KindInternal, errs.WithTable(table),
			errs.WithMessage(fmt.Sprintf("%s: %s", op, pgErr.Message)), errs.WithCause(err))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage(op+" timed out"), errs.WithCause(err))
	}
	return errs.New(errs.KindUnavailable, errs.WithTable(table),
		errs.WithMessage(op+" failed"), errs.WithCause(err))
}
