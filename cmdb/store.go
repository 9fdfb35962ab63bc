// Package cmdb implements the configuration-item store: an in-memory
// key→blob map with last-write-wins set, shallow merge, glob query, and a
// durable SQLite row store flushed by an auto-save timer.
package cmdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one persisted configuration item.
type Row struct {
	Key       string
	Data      []byte
	Type      string
	UpdatedAt time.Time
}

// Store is the durable backing table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cmdb store %s: %w", path, err)
	}
	// The store is single-writer; one connection avoids write contention.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cmdb_items (
		ci_key     TEXT PRIMARY KEY,
		ci_data    TEXT NOT NULL,
		ci_type    TEXT NOT NULL DEFAULT 'general',
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrating cmdb store: %w", err)
	}
	return nil
}

// Put inserts or replaces one row.
func (s *Store) Put(ctx context.Context, row Row) error {
	query := `INSERT INTO cmdb_items (ci_key, ci_data, ci_type, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(ci_key) DO UPDATE SET ci_data = excluded.ci_data,
		ci_type = excluded.ci_type, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		row.Key, string(row.Data), row.Type, row.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storing %s: %w", row.Key, err)
	}
	return nil
}

// LoadAll reads every row, for startup rehydration.
func (s *Store) LoadAll(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ci_key, ci_data, ci_type, updated_at FROM cmdb_items`)
	if err != nil {
		return nil, fmt.Errorf("loading cmdb rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var (
			key, data, ciType, updated string
		)
		if err := rows.Scan(&key, &data, &ciType, &updated); err != nil {
			return nil, fmt.Errorf("scanning cmdb row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			ts = time.Time{}
		}
		out = append(out, Row{Key: key, Data: []byte(data), Type: ciType, UpdatedAt: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading cmdb rows: %w", err)
	}
	return out, nil
}

// Clear removes every row.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cmdb_items`); err != nil {
		return fmt.Errorf("clearing cmdb store: %w", err)
	}
	return nil
}

// Count returns the number of persisted rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cmdb_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cmdb rows: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
