package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roadsync/internal/storage"
)

// SQLiteStore keeps values in a kv table of a local SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	storage storage.Storage // non-nil when this store owns the connection
}

// NewSQLiteStore creates the kv table on an existing connection.
// The connection lifecycle stays with the caller.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens a dedicated SQLite database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: path})
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(st.SQLiteDB())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.storage = st
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query kv %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert kv %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

// Close closes the database only when it was opened by OpenSQLiteStore.
func (s *SQLiteStore) Close() error {
	if s.storage != nil {
		return s.storage.Close()
	}
	return nil
}
