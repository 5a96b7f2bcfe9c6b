package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetReplaceAndMerge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, CollectionReports, "1", Document{"reason": "pothole", "status": "pending"}, false))
	require.NoError(t, s.Set(ctx, CollectionReports, "1", Document{"status": "resolved"}, true))

	doc, ok, err := s.Get(ctx, CollectionReports, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Document{"reason": "pothole", "status": "resolved"}, doc)

	require.NoError(t, s.Set(ctx, CollectionReports, "1", Document{"reason": "crack"}, false))
	doc, _, _ = s.Get(ctx, CollectionReports, "1")
	assert.Equal(t, Document{"reason": "crack"}, doc, "replace drops old fields")

	_, ok, err = s.Get(ctx, CollectionReports, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := Document{"name": "Road A"}
	require.NoError(t, s.Set(ctx, CollectionRoadsDetails, "a", data, false))
	data["name"] = "mutated"

	doc, _, _ := s.Get(ctx, CollectionRoadsDetails, "a")
	doc["name"] = "also mutated"

	again, _, _ := s.Get(ctx, CollectionRoadsDetails, "a")
	assert.Equal(t, "Road A", again["name"])
}

func TestMemoryStore_BatchSetAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.BatchSet(ctx, []Write{
		{Collection: CollectionRoadworks, ID: "1", Data: Document{"status": "planned"}},
		{Collection: CollectionRoadworks, ID: "2", Data: Document{"status": "done"}},
		{Collection: CollectionStatistics, ID: "current", Data: Document{"total_roads": 3.0}},
	}))

	works, err := s.List(ctx, CollectionRoadworks)
	require.NoError(t, err)
	assert.Len(t, works, 2)
	assert.Equal(t, 3, s.WriteCount())

	err = s.BatchSet(ctx, []Write{{Collection: CollectionRoadworks, ID: ""}})
	assert.Error(t, err)
	assert.Equal(t, 3, s.WriteCount(), "invalid batch is rejected as a whole")
}

func TestMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var mu sync.Mutex
	var got []Change
	unsub, err := s.Subscribe(ctx, CollectionReports, func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, CollectionReports, "9", Document{"reason": "flood"}, false))
	require.NoError(t, s.Set(ctx, CollectionUsers, "u", Document{"name": "x"}, false))
	require.NoError(t, s.Delete(ctx, CollectionReports, "9"))

	unsub()
	unsub()
	require.NoError(t, s.Set(ctx, CollectionReports, "10", Document{}, false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "9", got[0].ID)
	assert.Equal(t, "flood", got[0].Data["reason"])
	assert.True(t, got[1].Deleted)
	assert.Equal(t, 0, s.SubscriberCount(CollectionReports))
}

func TestMemoryStore_SubscriptionEndsWithContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Subscribe(ctx, CollectionReports, func(Change) {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SubscriberCount(CollectionReports))

	cancel()
	assert.Eventually(t, func() bool { return s.SubscriberCount(CollectionReports) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_PanickingSubscriber(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Subscribe(ctx, CollectionReports, func(Change) { panic("boom") })
	assert.NotPanics(t, func() {
		require.NoError(t, s.Set(ctx, CollectionReports, "1", Document{}, false))
	})
}

func TestMemoryStore_FailWith(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailWith(ErrUnavailable)

	_, _, err := s.Get(ctx, CollectionReports, "1")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Error(t, s.Set(ctx, CollectionReports, "1", Document{}, false))
	_, err = s.List(ctx, CollectionReports)
	assert.Error(t, err)

	s.FailWith(nil)
	assert.NoError(t, s.Set(ctx, CollectionReports, "1", Document{}, false))
}

func TestToDocumentAndDecode(t *testing.T) {
	type report struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	doc, err := ToDocument(report{ID: "4", Reason: "pothole"})
	require.NoError(t, err)
	assert.Equal(t, "pothole", doc["reason"])

	var back report
	require.NoError(t, doc.Decode(&back))
	assert.Equal(t, report{ID: "4", Reason: "pothole"}, back)

	_, err = ToDocument([]int{1, 2})
	assert.Error(t, err)
}

func TestNew_Backends(t *testing.T) {
	res, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, res.Store)
	assert.NoError(t, res.Close())

	_, err = New(context.Background(), Config{Type: "firestore"})
	assert.Error(t, err)
}
