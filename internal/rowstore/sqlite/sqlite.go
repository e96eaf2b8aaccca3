// Package sqlite is the durable rowstore.Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"vttsync/internal/apperr"
	"vttsync/internal/rowstore"
)

// Store keeps every table in one generic documents table.
type Store struct {
	db *sql.DB
}

// Open prepares a SQLite database at the given path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			table_name TEXT NOT NULL,
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (table_name, id)
		);`,
		`CREATE TABLE IF NOT EXISTS row_sequence (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO row_sequence (name, value) VALUES ('rows', 0);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_table_version ON documents(table_name, version);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (rowstore.Row, error) {
	row := rowstore.Row{Table: table, ID: id}
	var (
		data    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, updated_at FROM documents WHERE table_name = ? AND id = ?`,
		table, id,
	).Scan(&row.Version, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	if err != nil {
		return rowstore.Row{}, unavailable("get row", err)
	}
	row.Data = json.RawMessage(data)
	row.UpdatedAt = time.Unix(0, updated).UTC()
	return row, nil
}

func (s *Store) List(ctx context.Context, table string) ([]rowstore.Row, error) {
	rs, err := s.db.QueryContext(ctx,
		`SELECT id, version, data, updated_at FROM documents WHERE table_name = ? ORDER BY version`,
		table,
	)
	if err != nil {
		return nil, unavailable("list rows", err)
	}
	defer rs.Close()

	rows := []rowstore.Row{}
	for rs.Next() {
		row := rowstore.Row{Table: table}
		var (
			data    string
			updated int64
		)
		if err := rs.Scan(&row.ID, &row.Version, &data, &updated); err != nil {
			return nil, unavailable("scan row", err)
		}
		row.Data = json.RawMessage(data)
		row.UpdatedAt = time.Unix(0, updated).UTC()
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, unavailable("list rows", err)
	}
	return rows, nil
}

func (s *Store) Insert(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	var row rowstore.Row
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if exists {
			return rowstore.ErrConflict
		}
		row, err = upsert(ctx, tx, table, id, data)
		return err
	})
	return row, err
}

func (s *Store) Put(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, rowstore.EventType, error) {
	var (
		row rowstore.Row
		typ = rowstore.EventInsert
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if exists {
			typ = rowstore.EventUpdate
		}
		row, err = upsert(ctx, tx, table, id, data)
		return err
	})
	return row, typ, err
}

func (s *Store) Patch(ctx context.Context, table, id string, fields rowstore.Fields) (rowstore.Row, error) {
	var row rowstore.Row
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM documents WHERE table_name = ? AND id = ?`, table, id,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return rowstore.ErrNotFound
		}
		if err != nil {
			return unavailable("read row", err)
		}
		merged, err := rowstore.Merge(json.RawMessage(data), fields)
		if err != nil {
			return err
		}
		row, err = upsert(ctx, tx, table, id, merged)
		return err
	})
	return row, err
}

func (s *Store) Delete(ctx context.Context, table, id string) (rowstore.Row, error) {
	var row rowstore.Row
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row = rowstore.Row{Table: table, ID: id}
		var data string
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM documents WHERE table_name = ? AND id = ?`, table, id,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return rowstore.ErrNotFound
		}
		if err != nil {
			return unavailable("read row", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE table_name = ? AND id = ?`, table, id); err != nil {
			return unavailable("delete row", err)
		}
		version, err := nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		row.Version = version
		row.Data = json.RawMessage(data)
		row.UpdatedAt = time.Now().UTC()
		return nil
	})
	return row, err
}

// Close releases database resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func rowExists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE table_name = ? AND id = ?`, table, id,
	).Scan(&n)
	if err != nil {
		return false, unavailable("check row", err)
	}
	return n > 0, nil
}

func nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`UPDATE row_sequence SET value = value + 1 WHERE name = 'rows' RETURNING value`,
	).Scan(&v)
	if err != nil {
		return 0, unavailable("next version", err)
	}
	return v, nil
}

func upsert(ctx context.Context, tx *sql.Tx, table, id string, data json.RawMessage) (rowstore.Row, error) {
	version, err := nextVersion(ctx, tx)
	if err != nil {
		return rowstore.Row{}, err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (table_name, id, version, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		table, id, version, string(data), now.UnixNano(),
	)
	if err != nil {
		return rowstore.Row{}, unavailable("write row", err)
	}
	return rowstore.Row{
		Table:     table,
		ID:        id,
		Version:   version,
		Data:      append(json.RawMessage(nil), data...),
		UpdatedAt: now,
	}, nil
}

func unavailable(op string, err error) error {
	return apperr.Transient("sqlite: "+op, err)
}
