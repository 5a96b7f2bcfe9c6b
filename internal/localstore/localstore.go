// Package localstore provides the per-device persistent key/value store used
// by the keyed cache and the offline write queue.
//
// Values are opaque strings. Operations on different keys are independent;
// there is no cross-key transactionality.
package localstore

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Store is a key to string-blob store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored value and true, or "", false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string

	// FilePath is the JSON file used by the file backend.
	FilePath string

	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string

	// RedisURL and RedisPrefix configure the redis backend.
	RedisURL    string
	RedisPrefix string
}

// New creates the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.FilePath)
	case BackendSQLite:
		return OpenSQLiteStore(cfg.SQLitePath)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	default:
		return nil, fmt.Errorf("unknown local store backend: %s (valid: memory, file, sqlite, redis)", cfg.Backend)
	}
}
