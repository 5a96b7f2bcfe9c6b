package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoTimeout bounds server selection, connect and disconnect. An
// unreachable mirror must fail fast so reads can fall back.
const mongoTimeout = 5 * time.Second

type mongoStorage struct {
	none
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoDB(ctx context.Context, cfg MongoDBConfig) (Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("mongodb: url is required")
	}
	name := cfg.Database
	if name == "" {
		name = DefaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URL).
		SetServerSelectionTimeout(mongoTimeout).
		SetConnectTimeout(mongoTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb: ping: %w", err)
	}

	slog.Info("mongodb connected", "database", name)
	return &mongoStorage{client: client, database: client.Database(name)}, nil
}

func (s *mongoStorage) Type() string                   { return TypeMongoDB }
func (s *mongoStorage) MongoDatabase() *mongo.Database { return s.database }

func (s *mongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
