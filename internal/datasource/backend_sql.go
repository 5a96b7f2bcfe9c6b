package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps every resource type in one JSONB table keyed by
// (type, id). Writes merge into an existing record.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates the resources table if needed.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool) (*PostgresBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS resources (
			type TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (type, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources table: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_resources_type_created ON resources(type, created_at)"); err != nil {
		return nil, fmt.Errorf("failed to create resources index: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Name() string { return "postgresql" }

func (b *PostgresBackend) Write(ctx context.Context, resourceType string, data json.RawMessage) error {
	id, payload, err := prepareRecord(data)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = b.pool.Exec(ctx, `
		INSERT INTO resources (type, id, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $4)
		ON CONFLICT (type, id) DO UPDATE
		SET data = resources.data || EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, resourceType, id, string(payload), now)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func (b *PostgresBackend) Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error) {
	if id, ok := params["id"]; ok {
		var payload []byte
		err := b.pool.QueryRow(ctx, "SELECT data FROM resources WHERE type = $1 AND id = $2", resourceType, id).Scan(&payload)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query %s/%s: %w", resourceType, id, err)
		}
		return payload, nil
	}

	q, err := parseListParams(params)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT data FROM resources WHERE type = $1")
	args := []interface{}{resourceType}
	for _, field := range q.sortedFields() {
		args = append(args, field, q.filters[field])
		fmt.Fprintf(&sb, " AND data->>$%d = $%d", len(args)-1, len(args))
	}
	args = append(args, q.limit)
	fmt.Fprintf(&sb, " ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := b.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resourceType, err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", resourceType, err)
		}
		items = append(items, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", resourceType, err)
	}
	return joinArray(items), nil
}

// SQLiteBackend is the single-node variant of PostgresBackend.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the resources table if needed.
func NewSQLiteBackend(ctx context.Context, db *sql.DB) (*SQLiteBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS resources (
			type TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (type, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_resources_type_created ON resources(type, created_at)"); err != nil {
		return nil, fmt.Errorf("failed to create resources index: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Write(ctx context.Context, resourceType string, data json.RawMessage) error {
	id, payload, err := prepareRecord(data)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO resources (type, id, data, created_at, updated_at)
		VALUES (?, ?, json(?), ?, ?)
		ON CONFLICT (type, id) DO UPDATE
		SET data = json_patch(resources.data, excluded.data), updated_at = excluded.updated_at
	`, resourceType, id, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func (b *SQLiteBackend) Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error) {
	if id, ok := params["id"]; ok {
		var payload string
		err := b.db.QueryRowContext(ctx, "SELECT data FROM resources WHERE type = ? AND id = ?", resourceType, id).Scan(&payload)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query %s/%s: %w", resourceType, id, err)
		}
		return json.RawMessage(payload), nil
	}

	q, err := parseListParams(params)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT data FROM resources WHERE type = ?")
	args := []interface{}{resourceType}
	for _, field := range q.sortedFields() {
		sb.WriteString(" AND CAST(json_extract(data, ?) AS TEXT) = ?")
		args = append(args, "$."+field, q.filters[field])
	}
	sb.WriteString(" ORDER BY created_at, id LIMIT ?")
	args = append(args, q.limit)

	rows, err := b.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resourceType, err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", resourceType, err)
		}
		items = append(items, []byte(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", resourceType, err)
	}
	return joinArray(items), nil
}
