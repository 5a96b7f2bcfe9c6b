// Package queue implements the durable offline write queue for report
// submissions. Writes accepted while offline are persisted in the local
// store and replayed in creation order once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"roadsync/internal/connectivity"
	"roadsync/internal/core"
	"roadsync/internal/localstore"
	"roadsync/internal/mirror"
)

// StorageKey is the local store key holding the queue as a JSON array.
const StorageKey = "pending_reports"

// DefaultMirrorTimeout bounds each best-effort mirror write.
const DefaultMirrorTimeout = 5 * time.Second

var (
	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadsync_queue_flush_total",
		Help: "Replayed pending writes by result",
	}, []string{"result"})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roadsync_queue_pending",
		Help: "Pending writes not yet accepted by the primary API",
	})
)

// Submitter sends report submissions to the primary API.
type Submitter interface {
	SubmitReport(ctx context.Context, sub core.ReportSubmission) (*core.Report, error)
}

// PendingWrite is one queued submission. Only Synced ever changes.
type PendingWrite struct {
	ID        string                `json:"id"`
	Payload   core.ReportSubmission `json:"payload"`
	OwnerID   string                `json:"owner_id"`
	CreatedAt time.Time             `json:"created_at"`
	Synced    bool                  `json:"synced"`
}

// Outcome is the result of Submit.
type Outcome struct {
	Success bool
	// Offline is true when the write was queued instead of sent.
	Offline bool
	// ID is the pending write id when queued.
	ID string
	// Report is the server's record when sent directly.
	Report *core.Report
	Err    error
}

// FlushResult aggregates one flush pass.
type FlushResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Accepted describes a submission the primary API has durably accepted.
type Accepted struct {
	Submission core.ReportSubmission
	Report     *core.Report
	// PendingID is set when the submission was replayed from the queue.
	PendingID string
}

// Options configures a Queue.
type Options struct {
	// FlushInterval adds a periodic flush while online; 0 disables it.
	FlushInterval time.Duration
	MirrorTimeout time.Duration
	Now           func() time.Time
}

// Queue is the offline write queue.
type Queue struct {
	store   localstore.Store
	monitor *connectivity.Monitor
	api     Submitter
	mirror  mirror.Store
	opts    Options

	// mu serializes read-modify-write cycles on the stored list.
	mu sync.Mutex
	// accepted holds ids the server took whose synced flag could not be
	// persisted yet. They are never replayed by this process.
	accepted map[string]struct{}
	flights  singleflight.Group

	hooksMu sync.RWMutex
	hooks   []func(Accepted)
}

// New creates a queue. mirrorStore may be nil.
func New(store localstore.Store, monitor *connectivity.Monitor, api Submitter, mirrorStore mirror.Store, opts Options) *Queue {
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = DefaultMirrorTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:    store,
		monitor:  monitor,
		api:      api,
		mirror:   mirrorStore,
		opts:     opts,
		accepted: make(map[string]struct{}),
	}
}

// OnAccepted registers fn to run after every write the server accepts,
// whether sent directly or replayed.
func (q *Queue) OnAccepted(fn func(Accepted)) {
	q.hooksMu.Lock()
	q.hooks = append(q.hooks, fn)
	q.hooksMu.Unlock()
}

func (q *Queue) notify(a Accepted) {
	q.hooksMu.RLock()
	hooks := append([]func(Accepted){}, q.hooks...)
	q.hooksMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("queue hook panicked", "panic", r)
				}
			}()
			fn(a)
		}()
	}
}

// Submit sends sub now when online and queues it otherwise. Only
// reachability failures fall back to the queue; rejections are returned.
func (q *Queue) Submit(ctx context.Context, sub core.ReportSubmission, ownerID string) Outcome {
	if err := sub.Validate(); err != nil {
		return Outcome{Err: err}
	}

	if q.monitor.IsOnline() {
		report, err := q.api.SubmitReport(ctx, sub)
		if err == nil {
			q.mirrorReport(ctx, report)
			q.notify(Accepted{Submission: sub, Report: report})
			return Outcome{Success: true, Report: report}
		}
		if !core.IsNetworkError(err) {
			return Outcome{Err: err}
		}
		slog.Warn("primary api unreachable, queueing report", "error", err)
	}

	pw, err := q.enqueue(ctx, sub, ownerID)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Success: true, Offline: true, ID: pw.ID}
}

func (q *Queue) enqueue(ctx context.Context, sub core.ReportSubmission, ownerID string) (PendingWrite, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return PendingWrite{}, fmt.Errorf("generate pending id: %w", err)
	}
	pw := PendingWrite{
		ID:        id.String(),
		Payload:   sub,
		OwnerID:   ownerID,
		CreatedAt: q.opts.Now().UTC(),
	}

	q.mu.Lock()
	items, err := q.load(ctx)
	if err == nil {
		items = append(items, pw)
		err = q.save(ctx, items)
	}
	q.mu.Unlock()
	if err != nil {
		return PendingWrite{}, fmt.Errorf("persist pending write: %w", err)
	}

	slog.Info("report queued for sync", "id", pw.ID)
	q.mirrorPending(ctx, pw)
	return pw, nil
}

// Flush replays unsynced writes oldest first. Overlapping calls share one
// pass, so no item is submitted twice. Flushing while offline is a no-op.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	v, _, _ := q.flights.Do("flush", func() (interface{}, error) {
		return q.flush(ctx), nil
	})
	return v.(FlushResult)
}

func (q *Queue) flush(ctx context.Context) FlushResult {
	var result FlushResult
	if !q.monitor.IsOnline() {
		slog.Debug("skipping flush while offline")
		return result
	}

	q.mu.Lock()
	items, err := q.load(ctx)
	if err == nil {
		items = q.unsyncedLocked(items)
	}
	q.mu.Unlock()
	if err != nil {
		slog.Error("failed to load pending writes", "error", err)
		return result
	}

	for _, pw := range items {
		if ctx.Err() != nil {
			break
		}
		report, err := q.api.SubmitReport(ctx, pw.Payload)
		if err != nil {
			result.Failed++
			flushTotal.WithLabelValues("failed").Inc()
			slog.Warn("pending report replay failed", "id", pw.ID, "error", err, "network", core.IsNetworkError(err))
			continue
		}

		if err := q.markSynced(ctx, pw.ID); err != nil {
			slog.Error("report accepted but sync flag not persisted", "id", pw.ID, "error", err)
		}
		result.Synced++
		flushTotal.WithLabelValues("synced").Inc()
		q.mirrorReport(ctx, report)
		q.mirrorSynced(ctx, pw.ID)
		q.notify(Accepted{Submission: pw.Payload, Report: report, PendingID: pw.ID})
	}

	if err := q.cleanup(ctx); err != nil {
		slog.Error("failed to remove synced writes", "error", err)
	}
	if result.Synced > 0 || result.Failed > 0 {
		slog.Info("pending reports flushed", "synced", result.Synced, "failed", result.Failed)
	}
	return result
}

func (q *Queue) markSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepted[id] = struct{}{}
	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == id {
			items[i].Synced = true
			if err := q.save(ctx, items); err != nil {
				return err
			}
			break
		}
	}
	delete(q.accepted, id)
	return nil
}

// cleanup drops synced items from the stored list.
func (q *Queue) cleanup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := make([]PendingWrite, 0, len(items))
	var dropped []string
	for _, pw := range items {
		if _, ok := q.accepted[pw.ID]; pw.Synced || ok {
			dropped = append(dropped, pw.ID)
			continue
		}
		kept = append(kept, pw)
	}
	if len(dropped) == 0 {
		return nil
	}
	if err := q.save(ctx, kept); err != nil {
		return err
	}
	for _, id := range dropped {
		delete(q.accepted, id)
	}
	return nil
}

// PendingCount returns the number of unsynced writes.
func (q *Queue) PendingCount(ctx context.Context) int {
	pending, err := q.Pending(ctx)
	if err != nil {
		slog.Error("failed to count pending writes", "error", err)
		return 0
	}
	return len(pending)
}

// Pending returns unsynced writes in replay order.
func (q *Queue) Pending(ctx context.Context) ([]PendingWrite, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	return q.unsyncedLocked(items), nil
}

// Start flushes once per offline to online transition and, when configured,
// on a fixed interval while online. It returns immediately; everything stops
// when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	sub := q.monitor.Subscribe(func(online bool) {
		if online {
			go q.Flush(ctx)
		}
	})

	if q.monitor.IsOnline() {
		go q.Flush(ctx)
	}

	go func() {
		defer sub.Unsubscribe()
		if q.opts.FlushInterval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(q.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if q.monitor.IsOnline() {
					q.Flush(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// unsyncedLocked returns the writes still to replay, oldest first.
func (q *Queue) unsyncedLocked(items []PendingWrite) []PendingWrite {
	out := make([]PendingWrite, 0, len(items))
	for _, pw := range items {
		if _, ok := q.accepted[pw.ID]; !pw.Synced && !ok {
			out = append(out, pw)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// load reads the stored list. A corrupt list is an error rather than an
// empty queue so that a later save cannot overwrite unsynced writes.
func (q *Queue) load(ctx context.Context) ([]PendingWrite, error) {
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var items []PendingWrite
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, core.NewSerializationError("decode queue", err)
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []PendingWrite) error {
	data, err := json.Marshal(items)
	if err != nil {
		return core.NewSerializationError("encode queue", err)
	}
	if err := q.store.Set(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	count := 0
	for _, pw := range items {
		if !pw.Synced {
			count++
		}
	}
	pendingGauge.Set(float64(count))
	return nil
}
