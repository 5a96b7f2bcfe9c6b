package mirror

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process mirror for tests and offline development.
// Subscribers are notified synchronously after each write.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]map[string]Document
	subs    map[string]map[uint64]func(Change)
	nextSub uint64
	failErr error
	writes  int
}

// NewMemoryStore creates an empty in-memory mirror.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]Document),
		subs: make(map[string]map[uint64]func(Change)),
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// WriteCount returns the number of successful document writes.
func (s *MemoryStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, false, s.failErr
	}
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, false, nil
	}
	return doc.clone(), true, nil
}

func (s *MemoryStore) List(_ context.Context, collection string) (map[string]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make(map[string]Document, len(s.docs[collection]))
	for id, doc := range s.docs[collection] {
		out[id] = doc.clone()
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	return s.BatchSet(ctx, []Write{{Collection: collection, ID: id, Data: data, Merge: merge}})
}

// BatchSet applies all writes atomically.
func (s *MemoryStore) BatchSet(_ context.Context, writes []Write) error {
	for _, w := range writes {
		if err := validateWrite(w.Collection, w.ID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	type pending struct {
		fns    []func(Change)
		change Change
	}
	var notify []pending
	for _, w := range writes {
		coll, ok := s.docs[w.Collection]
		if !ok {
			coll = make(map[string]Document)
			s.docs[w.Collection] = coll
		}
		next := w.Data.clone()
		if w.Merge {
			merged := coll[w.ID].clone()
			if merged == nil {
				merged = make(Document, len(w.Data))
			}
			for k, v := range w.Data {
				merged[k] = v
			}
			next = merged
		}
		if next == nil {
			next = Document{}
		}
		coll[w.ID] = next
		s.writes++
		notify = append(notify, pending{
			fns:    s.subscribersLocked(w.Collection),
			change: Change{Collection: w.Collection, ID: w.ID, Data: next.clone()},
		})
	}
	s.mu.Unlock()

	for _, n := range notify {
		for _, fn := range n.fns {
			deliver(fn, n.change)
		}
	}
	return nil
}

// Delete removes a document and notifies subscribers.
func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	if _, ok := s.docs[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs[collection], id)
	fns := s.subscribersLocked(collection)
	s.mu.Unlock()

	for _, fn := range fns {
		deliver(fn, Change{Collection: collection, ID: id, Deleted: true})
	}
	return nil
}

func (s *MemoryStore) subscribersLocked(collection string) []func(Change) {
	subs := s.subs[collection]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	return fns
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, fn func(Change)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextSub++
	id := s.nextSub
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]func(Change))
	}
	s.subs[collection][id] = fn
	s.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			s.mu.Lock()
			delete(s.subs[collection], id)
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()
	return unsubscribe, nil
}

// SubscriberCount returns the number of live subscriptions on collection.
func (s *MemoryStore) SubscriberCount(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[collection])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.subs = make(map[string]map[uint64]func(Change))
	s.mu.Unlock()
	return nil
}
