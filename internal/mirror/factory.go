package mirror

import (
	"context"
	"errors"
	"fmt"

	"roadsync/internal/storage"
)

// Backend types accepted by New.
const (
	TypeMemory  = "memory"
	TypeMongoDB = "mongodb"
)

// Config selects and configures the mirror backend.
type Config struct {
	Type     string
	URL      string
	Database string
}

// Result holds the mirror store and the connection it owns, if any.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases the store and its connection.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates the configured mirror store.
func New(ctx context.Context, cfg Config) (*Result, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return &Result{Store: NewMemoryStore()}, nil
	case TypeMongoDB:
		shared, err := storage.NewMongoDB(ctx, storage.MongoDBConfig{URL: cfg.URL, Database: cfg.Database})
		if err != nil {
			return nil, fmt.Errorf("failed to connect mirror: %w", err)
		}
		store, err := NewWithSharedStorage(shared)
		if err != nil {
			_ = shared.Close()
			return nil, err
		}
		return &Result{Store: store, Storage: shared}, nil
	default:
		return nil, fmt.Errorf("unknown mirror type: %s (valid: memory, mongodb)", cfg.Type)
	}
}

// NewWithSharedStorage builds a MongoStore over an existing MongoDB storage.
func NewWithSharedStorage(shared storage.Storage) (*MongoStore, error) {
	if shared == nil || shared.Type() != storage.TypeMongoDB {
		return nil, fmt.Errorf("mirror requires mongodb storage")
	}
	db := shared.MongoDatabase()
	if db == nil {
		return nil, fmt.Errorf("mongodb storage has no database")
	}
	return NewMongoStore(db)
}
