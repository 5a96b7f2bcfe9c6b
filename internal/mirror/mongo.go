package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore keeps each collection as a MongoDB collection whose _id is the
// document id. Live push uses change streams, which need a replica set.
type MongoStore struct {
	db *mongo.Database

	mu   sync.Mutex
	subs map[uint64]context.CancelFunc
	next uint64
	wg   sync.WaitGroup
}

// NewMongoStore creates a store over database.
func NewMongoStore(database *mongo.Database) (*MongoStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &MongoStore{db: database, subs: make(map[uint64]context.CancelFunc)}, nil
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	raw, err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	_, doc, err := decodeRaw(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

func (s *MongoStore) List(ctx context.Context, collection string) (map[string]Document, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]Document)
	for cursor.Next(ctx) {
		id, doc, err := decodeRaw(cursor.Current)
		if err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		out[id] = doc
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s cursor: %w", collection, err)
	}
	return out, nil
}

func (s *MongoStore) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	if err := validateWrite(collection, id); err != nil {
		return err
	}
	coll := s.db.Collection(collection)
	filter := bson.M{"_id": id}

	if merge {
		if len(data) == 0 {
			return nil
		}
		_, err := coll.UpdateOne(ctx, filter, bson.M{"$set": withoutID(data)}, options.UpdateOne().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("merge %s/%s: %w", collection, id, err)
		}
		return nil
	}

	if _, err := coll.ReplaceOne(ctx, filter, withoutID(data), options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("replace %s/%s: %w", collection, id, err)
	}
	return nil
}

// BatchSet issues one ordered bulk write per collection.
func (s *MongoStore) BatchSet(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	grouped := make(map[string][]mongo.WriteModel)
	var order []string
	for _, w := range writes {
		if err := validateWrite(w.Collection, w.ID); err != nil {
			return err
		}
		if _, ok := grouped[w.Collection]; !ok {
			order = append(order, w.Collection)
		}
		filter := bson.M{"_id": w.ID}
		var model mongo.WriteModel
		if w.Merge {
			if len(w.Data) == 0 {
				continue
			}
			model = mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{"$set": withoutID(w.Data)}).SetUpsert(true)
		} else {
			model = mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(withoutID(w.Data)).SetUpsert(true)
		}
		grouped[w.Collection] = append(grouped[w.Collection], model)
	}

	var errs []error
	for _, collection := range order {
		models := grouped[collection]
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
			errs = append(errs, fmt.Errorf("bulk write %s: %w", collection, err))
		}
	}
	return errors.Join(errs...)
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID bson.RawValue `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.Raw `bson:"fullDocument,omitempty"`
}

func (s *MongoStore) Subscribe(ctx context.Context, collection string, fn func(Change)) (Unsubscribe, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.db.Collection(collection).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = cancel
	s.mu.Unlock()

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer func() {
			_ = stream.Close(context.Background())
		}()

		for stream.Next(subCtx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				slog.Warn("failed to decode change event", "collection", collection, "error", err)
				continue
			}
			change := Change{Collection: collection, ID: rawID(ev.DocumentKey.ID)}
			switch ev.OperationType {
			case "delete":
				change.Deleted = true
			case "insert", "update", "replace":
				if len(ev.FullDocument) > 0 {
					if _, doc, err := decodeRaw(ev.FullDocument); err == nil {
						change.Data = doc
					}
				}
			default:
				continue
			}
			deliver(fn, change)
		}
		if err := stream.Err(); err != nil && subCtx.Err() == nil {
			slog.Warn("mirror change stream ended", "collection", collection, "error", err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// Close stops all change streams. The client is owned by the storage layer.
func (s *MongoStore) Close() error {
	s.mu.Lock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func withoutID(data Document) Document {
	out := make(Document, len(data))
	for k, v := range data {
		if k == "_id" {
			continue
		}
		out[k] = v
	}
	return out
}

// decodeRaw converts a BSON document to a Document through relaxed
// extended JSON and splits off its _id.
func decodeRaw(raw bson.Raw) (string, Document, error) {
	id := rawID(raw.Lookup("_id"))
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return "", nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, err
	}
	delete(doc, "_id")
	return id, doc, nil
}

func rawID(v bson.RawValue) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	return v.String()
}
