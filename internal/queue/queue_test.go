package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadsync/internal/connectivity"
	"roadsync/internal/core"
	"roadsync/internal/localstore"
	"roadsync/internal/mirror"
)

type fakeAPI struct {
	mu      sync.Mutex
	reasons []string
	fail    func(sub core.ReportSubmission) error
	nextID  int
	gate    chan struct{}
}

func (f *fakeAPI) SubmitReport(ctx context.Context, sub core.ReportSubmission) (*core.Report, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(sub); err != nil {
			return nil, err
		}
	}
	f.reasons = append(f.reasons, sub.Reason)
	f.nextID++
	r := sub.AsReport(strconv.Itoa(f.nextID), "")
	return &r, nil
}

func (f *fakeAPI) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func (f *fakeAPI) setFail(fn func(core.ReportSubmission) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

type fixture struct {
	store   *localstore.MemoryStore
	monitor *connectivity.Monitor
	api     *fakeAPI
	mirror  *mirror.MemoryStore
	queue   *Queue

	clockMu sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{
		store:   localstore.NewMemoryStore(),
		monitor: connectivity.NewMonitorWithState(online),
		api:     &fakeAPI{},
		mirror:  mirror.NewMemoryStore(),
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.queue = New(f.store, f.monitor, f.api, f.mirror, Options{
		Now: func() time.Time {
			f.clockMu.Lock()
			defer f.clockMu.Unlock()
			f.now = f.now.Add(time.Second)
			return f.now
		},
	})
	return f
}

func report(reason string) core.ReportSubmission {
	return core.ReportSubmission{TargetType: core.TargetRoad, Reason: reason}
}

var errRefused = core.NewNetworkError("dial tcp: connection refused", nil)

func TestSubmit_OnlineSendsAndMirrors(t *testing.T) {
	f := newFixture(t, true)
	var accepted []Accepted
	f.queue.OnAccepted(func(a Accepted) { accepted = append(accepted, a) })

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.False(t, out.Offline)
	require.NotNil(t, out.Report)
	assert.Equal(t, []string{"pothole"}, f.api.delivered())
	assert.Equal(t, 0, f.queue.PendingCount(context.Background()))

	doc, ok, err := f.mirror.Get(context.Background(), mirror.CollectionReports, out.Report.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pothole", doc["reason"])

	require.Len(t, accepted, 1)
	assert.Empty(t, accepted[0].PendingID)
}

func TestSubmit_MirrorFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.FailWith(mirror.ErrUnavailable)

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")
	assert.True(t, out.Success)
	assert.False(t, out.Offline)
	assert.Len(t, f.api.delivered(), 1)
}

func TestSubmit_OfflineQueues(t *testing.T) {
	f := newFixture(t, false)

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")

	assert.True(t, out.Success)
	assert.True(t, out.Offline)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, 1, f.queue.PendingCount(context.Background()))
	assert.Empty(t, f.api.delivered())

	pending, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "user-1", pending[0].OwnerID)
	assert.False(t, pending[0].Synced)
}

func TestSubmit_NetworkErrorWhileOnlineQueues(t *testing.T) {
	f := newFixture(t, true)
	f.api.setFail(func(core.ReportSubmission) error { return errRefused })

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")

	assert.True(t, out.Success)
	assert.True(t, out.Offline)
	assert.Equal(t, 1, f.queue.PendingCount(context.Background()))
}

func TestSubmit_RejectionIsSurfacedNotQueued(t *testing.T) {
	f := newFixture(t, true)
	f.api.setFail(func(core.ReportSubmission) error {
		return core.NewValidationError(422, "road does not exist", nil)
	})

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")

	assert.False(t, out.Success)
	assert.Equal(t, core.ErrorTypeValidation, core.ErrorTypeOf(out.Err))
	assert.Equal(t, 0, f.queue.PendingCount(context.Background()))
}

func TestSubmit_InvalidInputNeverQueued(t *testing.T) {
	f := newFixture(t, false)

	out := f.queue.Submit(context.Background(), core.ReportSubmission{TargetType: "bridge"}, "user-1")

	assert.False(t, out.Success)
	assert.True(t, errors.Is(out.Err, core.ErrInvalidArgument))
	assert.Equal(t, 0, f.queue.PendingCount(context.Background()))
}

func TestSubmit_CorruptQueueIsNotOverwritten(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.Set(context.Background(), StorageKey, "{broken"))

	out := f.queue.Submit(context.Background(), report("pothole"), "user-1")

	assert.False(t, out.Success)
	assert.Error(t, out.Err)
	raw, _, _ := f.store.Get(context.Background(), StorageKey)
	assert.Equal(t, "{broken", raw)
}

func TestFlush_ReplaysInCreationOrder(t *testing.T) {
	f := newFixture(t, true)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	items := []PendingWrite{
		{ID: "c", Payload: report("third"), CreatedAt: base.Add(3 * time.Minute)},
		{ID: "a", Payload: report("first"), CreatedAt: base.Add(1 * time.Minute)},
		{ID: "b", Payload: report("second"), CreatedAt: base.Add(2 * time.Minute)},
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), StorageKey, string(data)))

	result := f.queue.Flush(context.Background())

	assert.Equal(t, FlushResult{Synced: 3}, result)
	assert.Equal(t, []string{"first", "second", "third"}, f.api.delivered())
	assert.Equal(t, 0, f.queue.PendingCount(context.Background()))
}

func TestFlush_SecondFlushDoesNotResubmit(t *testing.T) {
	f := newFixture(t, false)
	f.queue.Submit(context.Background(), report("one"), "u")
	f.queue.Submit(context.Background(), report("two"), "u")
	f.monitor.SetOnline(true)

	first := f.queue.Flush(context.Background())
	second := f.queue.Flush(context.Background())

	assert.Equal(t, FlushResult{Synced: 2}, first)
	assert.Equal(t, FlushResult{}, second)
	assert.Equal(t, []string{"one", "two"}, f.api.delivered())

	raw, ok, err := f.store.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, raw, "synced items are cleaned up")
}

type flakyStore struct {
	*localstore.MemoryStore
	failSets atomic.Bool
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	if s.failSets.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestFlush_UnpersistedAcceptanceIsNotReplayed(t *testing.T) {
	store := &flakyStore{MemoryStore: localstore.NewMemoryStore()}
	monitor := connectivity.NewMonitorWithState(false)
	api := &fakeAPI{}
	q := New(store, monitor, api, nil, Options{})
	ctx := context.Background()

	out := q.Submit(ctx, report("one"), "u")
	require.True(t, out.Offline)
	monitor.SetOnline(true)

	store.failSets.Store(true)
	assert.Equal(t, FlushResult{Synced: 1}, q.Flush(ctx))
	assert.Equal(t, 0, q.PendingCount(ctx))
	assert.Equal(t, FlushResult{}, q.Flush(ctx))
	assert.Equal(t, []string{"one"}, api.delivered(), "accepted write must not be resubmitted")

	store.failSets.Store(false)
	assert.Equal(t, FlushResult{}, q.Flush(ctx))
	raw, ok, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, raw)
}

func TestFlush_FailuresAreIndependent(t *testing.T) {
	f := newFixture(t, false)
	f.queue.Submit(context.Background(), report("one"), "u")
	f.queue.Submit(context.Background(), report("bad"), "u")
	f.queue.Submit(context.Background(), report("three"), "u")
	f.monitor.SetOnline(true)

	f.api.setFail(func(sub core.ReportSubmission) error {
		if sub.Reason == "bad" {
			return core.NewNotFoundError("road deleted")
		}
		return nil
	})
	result := f.queue.Flush(context.Background())

	assert.Equal(t, FlushResult{Synced: 2, Failed: 1}, result)
	assert.Equal(t, []string{"one", "three"}, f.api.delivered())
	pending, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad", pending[0].Payload.Reason)

	f.api.setFail(nil)
	assert.Equal(t, FlushResult{Synced: 1}, f.queue.Flush(context.Background()))
	assert.Equal(t, []string{"one", "three", "bad"}, f.api.delivered())
}

func TestFlush_OfflineIsNoop(t *testing.T) {
	f := newFixture(t, false)
	f.queue.Submit(context.Background(), report("one"), "u")

	assert.Equal(t, FlushResult{}, f.queue.Flush(context.Background()))
	assert.Equal(t, 1, f.queue.PendingCount(context.Background()))
}

func TestFlush_ConcurrentCallsShareOnePass(t *testing.T) {
	f := newFixture(t, false)
	f.queue.Submit(context.Background(), report("one"), "u")
	f.queue.Submit(context.Background(), report("two"), "u")
	f.monitor.SetOnline(true)

	f.api.gate = make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.queue.Flush(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.api.gate)
	wg.Wait()

	// A late caller may start a fresh pass, but it only sees what is still pending.
	assert.Equal(t, []string{"one", "two"}, f.api.delivered())
}

func TestFlush_NotifiesAndMirrors(t *testing.T) {
	f := newFixture(t, false)
	out := f.queue.Submit(context.Background(), report("pothole"), "u")
	f.monitor.SetOnline(true)

	var accepted []Accepted
	f.queue.OnAccepted(func(a Accepted) { accepted = append(accepted, a) })
	f.queue.Flush(context.Background())

	require.Len(t, accepted, 1)
	assert.Equal(t, out.ID, accepted[0].PendingID)

	doc, ok, err := f.mirror.Get(context.Background(), mirror.CollectionReportsPending, out.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, doc["synced"])

	reports, err := f.mirror.List(context.Background(), mirror.CollectionReports)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestStart_ReconnectTriggersFlush(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.queue.Start(ctx)

	out := f.queue.Submit(ctx, report("pothole"), "u")
	require.True(t, out.Offline)
	require.Equal(t, 1, f.queue.PendingCount(ctx))

	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return f.queue.PendingCount(ctx) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pothole"}, f.api.delivered())
	reports, err := f.mirror.List(ctx, mirror.CollectionReports)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestStart_PeriodicFlush(t *testing.T) {
	f := newFixture(t, true)
	f.queue.opts.FlushInterval = 10 * time.Millisecond
	f.api.setFail(func(core.ReportSubmission) error { return errRefused })
	f.queue.Submit(context.Background(), report("retry me"), "u")
	require.Equal(t, 1, f.queue.PendingCount(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.queue.Start(ctx)
	f.api.setFail(nil)

	require.Eventually(t, func() bool { return f.queue.PendingCount(ctx) == 0 }, 2*time.Second, 5*time.Millisecond)
}

// Every successful submit is either delivered or still pending, whatever
// the interleaving of connectivity changes and network failures.
func TestNoWriteLoss(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		f := newFixture(t, true)
		rng := rand.New(rand.NewSource(seed))
		var flaky atomic.Bool
		f.api.setFail(func(core.ReportSubmission) error {
			if flaky.Load() {
				return errRefused
			}
			return nil
		})

		accepted := 0
		for i := 0; i < 30; i++ {
			switch rng.Intn(4) {
			case 0:
				f.monitor.SetOnline(!f.monitor.IsOnline())
			case 1:
				flaky.Store(!flaky.Load())
			case 2:
				f.queue.Flush(context.Background())
			default:
				if f.queue.Submit(context.Background(), report("r"+strconv.Itoa(i)), "u").Success {
					accepted++
				}
			}
		}

		delivered := len(f.api.delivered())
		pending := f.queue.PendingCount(context.Background())
		assert.Equal(t, accepted, delivered+pending, "seed %d", seed)

		f.monitor.SetOnline(true)
		flaky.Store(false)
		f.queue.Flush(context.Background())
		assert.Equal(t, accepted, len(f.api.delivered()), "seed %d", seed)
		assert.Equal(t, 0, f.queue.PendingCount(context.Background()), "seed %d", seed)
	}
}
