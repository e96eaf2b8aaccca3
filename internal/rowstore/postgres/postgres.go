// Package postgres is a rowstore.Store backed by a pgx connection pool. Rows
// live in one JSONB table; versions come from a sequence so they stay
// monotonic across concurrent servers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
)

const uniqueViolation = "23505"

// Store is a pgx-backed row store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database url is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := []string{
		`CREATE SEQUENCE IF NOT EXISTS vtt_row_version;`,
		`CREATE TABLE IF NOT EXISTS vtt_rows (
			table_name TEXT NOT NULL,
			id TEXT NOT NULL,
			version BIGINT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (table_name, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vtt_rows_table_version ON vtt_rows(table_name, version);`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (rowstore.Row, error) {
	row, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT table_name, id, version, data, updated_at FROM vtt_rows WHERE table_name = $1 AND id = $2`,
		table, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	if err != nil {
		return rowstore.Row{}, unavailable("get row", err)
	}
	return row, nil
}

func (s *Store) List(ctx context.Context, table string) ([]rowstore.Row, error) {
	rs, err := s.pool.Query(ctx,
		`SELECT table_name, id, version, data, updated_at FROM vtt_rows WHERE table_name = $1 ORDER BY version`,
		table,
	)
	if err != nil {
		return nil, unavailable("list rows", err)
	}
	defer rs.Close()

	rows := []rowstore.Row{}
	for rs.Next() {
		row, err := scanRow(rs)
		if err != nil {
			return nil, unavailable("scan row", err)
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, unavailable("list rows", err)
	}
	return rows, nil
}

func (s *Store) Insert(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	row, err := scanRow(s.pool.QueryRow(ctx, `
		INSERT INTO vtt_rows (table_name, id, version, data, updated_at)
		VALUES ($1, $2, nextval('vtt_row_version'), $3::jsonb, now())
		RETURNING table_name, id, version, data, updated_at`,
		table, id, string(data),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return rowstore.Row{}, rowstore.ErrConflict
		}
		return rowstore.Row{}, unavailable("insert row", err)
	}
	return row, nil
}

func (s *Store) Put(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, rowstore.EventType, error) {
	var inserted bool
	var row rowstore.Row
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vtt_rows (table_name, id, version, data, updated_at)
		VALUES ($1, $2, nextval('vtt_row_version'), $3::jsonb, now())
		ON CONFLICT (table_name, id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		RETURNING table_name, id, version, data, updated_at, (xmax = 0)`,
		table, id, string(data),
	).Scan(&row.Table, &row.ID, &row.Version, &raw, &row.UpdatedAt, &inserted)
	if err != nil {
		return rowstore.Row{}, "", unavailable("put row", err)
	}
	row.Data = json.RawMessage(raw)
	row.UpdatedAt = row.UpdatedAt.UTC()
	if inserted {
		return row, rowstore.EventInsert, nil
	}
	return row, rowstore.EventUpdate, nil
}

// Patch merges fields server side with the jsonb concatenation operator.
func (s *Store) Patch(ctx context.Context, table, id string, fields rowstore.Fields) (rowstore.Row, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return rowstore.Row{}, apperr.Validation("patch fields: %v", err)
	}
	row, err := scanRow(s.pool.QueryRow(ctx, `
		UPDATE vtt_rows SET
			data = data || $3::jsonb,
			version = nextval('vtt_row_version'),
			updated_at = now()
		WHERE table_name = $1 AND id = $2
		RETURNING table_name, id, version, data, updated_at`,
		table, id, string(patch),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	if err != nil {
		return rowstore.Row{}, unavailable("patch row", err)
	}
	return row, nil
}

// Delete removes the row; the returned copy carries a fresh version so
// subscribers can order the delete after earlier writes.
func (s *Store) Delete(ctx context.Context, table, id string) (rowstore.Row, error) {
	row, err := scanRow(s.pool.QueryRow(ctx, `
		DELETE FROM vtt_rows WHERE table_name = $1 AND id = $2
		RETURNING table_name, id, nextval('vtt_row_version'), data, now()`,
		table, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	if err != nil {
		return rowstore.Row{}, unavailable("delete row", err)
	}
	return row, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRow(r pgx.Row) (rowstore.Row, error) {
	var (
		row rowstore.Row
		raw []byte
		at  time.Time
	)
	if err := r.Scan(&row.Table, &row.ID, &row.Version, &raw, &at); err != nil {
		return rowstore.Row{}, err
	}
	row.Data = json.RawMessage(raw)
	row.UpdatedAt = at.UTC()
	return row, nil
}

func unavailable(op string, err error) error {
	return apperr.Transient("postgres: "+op, err)
}
