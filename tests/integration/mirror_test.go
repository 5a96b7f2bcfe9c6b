//go:build integration

package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadsync/internal/mirror"
)

func TestMongoStore_SetGetMerge(t *testing.T) {
	resetDatabases(t)
	store, err := mirror.NewMongoStore(mongoDatabase)
	require.NoError(t, err)

	require.NoError(t, store.Set(testCtx, mirror.CollectionReports, "r1", mirror.Document{"reason": "pothole", "status": "pending"}, false))
	require.NoError(t, store.Set(testCtx, mirror.CollectionReports, "r1", mirror.Document{"status": "resolved"}, true))

	doc, ok, err := store.Get(testCtx, mirror.CollectionReports, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pothole", doc["reason"])
	assert.Equal(t, "resolved", doc["status"])

	require.NoError(t, store.Set(testCtx, mirror.CollectionReports, "r1", mirror.Document{"reason": "replaced"}, false))
	doc, _, err = store.Get(testCtx, mirror.CollectionReports, "r1")
	require.NoError(t, err)
	assert.NotContains(t, doc, "status", "a non-merge set replaces the document")

	_, ok, err = store.Get(testCtx, mirror.CollectionReports, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMongoStore_BatchSetAndList(t *testing.T) {
	resetDatabases(t)
	store, err := mirror.NewMongoStore(mongoDatabase)
	require.NoError(t, err)

	require.NoError(t, store.BatchSet(testCtx, []mirror.Write{
		{Collection: mirror.CollectionRoadworks, ID: "a", Data: mirror.Document{"status": "open"}},
		{Collection: mirror.CollectionRoadworks, ID: "b", Data: mirror.Document{"status": "closed"}},
		{Collection: mirror.CollectionStatistics, ID: "statistics", Data: mirror.Document{"total_roads": 3}},
	}))

	docs, err := store.List(testCtx, mirror.CollectionRoadworks)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, "closed", docs["b"]["status"])
}

func TestMongoStore_SubscribeChangeStream(t *testing.T) {
	resetDatabases(t)
	store, err := mirror.NewMongoStore(mongoDatabase)
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []mirror.Change
	unsub, err := store.Subscribe(testCtx, mirror.CollectionReports, func(c mirror.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, store.Set(testCtx, mirror.CollectionReports, "r9", mirror.Document{"reason": "landslide"}, false))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "r9", changes[0].ID)
	assert.Equal(t, "landslide", changes[0].Data["reason"])
	mu.Unlock()

	unsub()
	require.NoError(t, store.Set(testCtx, mirror.CollectionReports, "r10", mirror.Document{"reason": "after"}, false))
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	assert.Len(t, changes, 1)
	mu.Unlock()
}
