package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"roadsync/internal/mirror"
)

// DocumentBackend stores resources in a document store, one collection
// per resource type. It serves the mirror source and MongoDB primaries.
type DocumentBackend struct {
	name  string
	store mirror.Store
}

// NewDocumentBackend wraps store.
func NewDocumentBackend(name string, store mirror.Store) *DocumentBackend {
	return &DocumentBackend{name: name, store: store}
}

func (b *DocumentBackend) Name() string { return b.name }

func (b *DocumentBackend) Write(ctx context.Context, resourceType string, data json.RawMessage) error {
	id, payload, err := prepareRecord(data)
	if err != nil {
		return err
	}
	var doc mirror.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return b.store.Set(ctx, resourceType, id, doc, true)
}

func (b *DocumentBackend) Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error) {
	if id, ok := params["id"]; ok {
		doc, found, err := b.store.Get(ctx, resourceType, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrNotFound
		}
		return encodeDoc(id, doc)
	}

	q, err := parseListParams(params)
	if err != nil {
		return nil, err
	}
	docs, err := b.store.List(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var items [][]byte
	for _, id := range ids {
		if len(items) >= q.limit {
			break
		}
		doc := docs[id]
		if !matches(doc, q.filters) {
			continue
		}
		raw, err := encodeDoc(id, doc)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return joinArray(items), nil
}

func matches(doc mirror.Document, filters map[string]string) bool {
	for field, want := range filters {
		v, ok := doc[field]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func encodeDoc(id string, doc mirror.Document) (json.RawMessage, error) {
	if _, ok := doc["id"]; !ok {
		doc["id"] = id
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", id, err)
	}
	return data, nil
}
