package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_RequiresURLs(t *testing.T) {
	_, err := New(context.Background(), Config{Type: TypePostgreSQL})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Type: TypeMongoDB})
	require.Error(t, err)
}

func TestSQLite_CreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "local.db")
	store, err := New(context.Background(), Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, TypeSQLite, store.Type())
	assert.NotNil(t, store.SQLiteDB())
	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())
}

func TestSQLite_AppliesPragmas(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "pragmas.db")})
	require.NoError(t, err)
	defer store.Close()

	var mode string
	require.NoError(t, store.SQLiteDB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout, fk int
	require.NoError(t, store.SQLiteDB().QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	require.NoError(t, store.SQLiteDB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 5000, timeout)
	assert.Equal(t, 1, fk)
}

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer store.Close()

	db := store.SQLiteDB()

	// The cache and the pending write queue share one local database.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_cache (id TEXT PRIMARY KEY, data TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_queue (id TEXT PRIMARY KEY, data TEXT)`)
	require.NoError(t, err)

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_cache"
			if id%2 == 1 {
				table = "test_queue"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	var cacheCount, queueCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_cache").Scan(&cacheCount))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_queue").Scan(&queueCount))

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	assert.Equal(t, expectedPerTable, cacheCount)
	assert.Equal(t, expectedPerTable, queueCount)
}
