// Package mirror is the realtime document store used for live push and as
// the offline read fallback. Writes to it are always best effort.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Collection names shared with the frontend.
const (
	CollectionRoadsDetails   = "roads_details"
	CollectionRoadworks      = "roadworks"
	CollectionReports        = "reports"
	CollectionStatistics     = "statistics"
	CollectionUsers          = "users"
	CollectionReportsPending = "reports_pending"
)

// ErrUnavailable is returned when the mirror cannot serve a request.
var ErrUnavailable = errors.New("mirror store unavailable")

// Document is a JSON-compatible document body.
type Document map[string]interface{}

// ToDocument converts any JSON-serializable value into a Document.
func ToDocument(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

// Decode copies the document into dst through its JSON form.
func (d Document) Decode(dst interface{}) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return json.Unmarshal(data, dst)
}

func (d Document) clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Write is one element of a batched write.
type Write struct {
	Collection string
	ID         string
	Data       Document
	// Merge updates only the given top-level fields instead of replacing the document.
	Merge bool
}

// Change is a live-push event for one document.
type Change struct {
	Collection string
	ID         string
	Data       Document
	Deleted    bool
}

// Unsubscribe stops a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Store is the mirror store boundary.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// List returns every document of a collection keyed by id.
	List(ctx context.Context, collection string) (map[string]Document, error)
	Set(ctx context.Context, collection, id string, data Document, merge bool) error
	BatchSet(ctx context.Context, writes []Write) error
	// Subscribe delivers changes on collection until the returned func is called
	// or ctx ends. No ordering is guaranteed across documents.
	Subscribe(ctx context.Context, collection string, fn func(Change)) (Unsubscribe, error)
	Close() error
}

func validateWrite(collection, id string) error {
	if collection == "" || id == "" {
		return fmt.Errorf("mirror write needs collection and id (got %q/%q)", collection, id)
	}
	return nil
}

func deliver(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mirror subscriber panicked", "collection", change.Collection, "id", change.ID, "panic", r)
		}
	}()
	fn(change)
}
