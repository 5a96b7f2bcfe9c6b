// Package syncengine serves resource reads from the keyed cache, the
// primary API or the mirror store, degrading to stale data instead of
// failing, and keeps the mirror and cache in step with accepted writes.
package syncengine

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roadsync/internal/cache"
	"roadsync/internal/connectivity"
	"roadsync/internal/core"
	"roadsync/internal/mirror"
	"roadsync/internal/queue"
)

// Source says where a read result came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourcePrimary    Source = "primary"
	SourceMirror     Source = "mirror"
	SourceStaleCache Source = "stale_cache"
	// SourceNone means nothing was available. It is a valid, displayable state.
	SourceNone Source = "none"
)

// DefaultMirrorTimeout bounds mirror reads on the offline path.
const DefaultMirrorTimeout = 5 * time.Second

// Fetcher reads resources from the primary API.
type Fetcher interface {
	Fetch(ctx context.Context, kind core.ResourceKind, params map[string]string) (core.Snapshot, error)
}

// WriteQueue is the part of the offline queue the engine depends on.
type WriteQueue interface {
	Pending(ctx context.Context) ([]queue.PendingWrite, error)
	OnAccepted(fn func(queue.Accepted))
}

// ReadOptions tunes a single read.
type ReadOptions struct {
	Params map[string]string
	// ForceRefresh skips the fresh-cache shortcut.
	ForceRefresh bool
}

// Result is the outcome of a read. Snapshot is nil when Source is SourceNone.
type Result struct {
	Snapshot core.Snapshot
	Source   Source
	// Stale marks data older than the cache TTL.
	Stale bool
}

// NoData reports whether nothing could be returned.
func (r Result) NoData() bool {
	return r.Snapshot == nil
}

// Options configures an Engine.
type Options struct {
	MirrorTimeout time.Duration
	Writer        WriterConfig
	Now           func() time.Time
}

// Engine is the read-side sync engine.
type Engine struct {
	cache   *cache.Cache
	monitor *connectivity.Monitor
	api     Fetcher
	mirror  mirror.Store
	queue   WriteQueue
	writer  *MirrorWriter
	opts    Options

	flights singleflight.Group

	// keys mirrors the cache's persisted per-kind index so invalidation also
	// reaches parameterised reads. gens counts invalidations per kind; a
	// fetch that started under an older generation is not cached.
	keysMu sync.Mutex
	keys   map[core.ResourceKind]map[string]struct{}
	gens   map[core.ResourceKind]uint64

	subsMu sync.Mutex
	subs   map[uint64]mirror.Unsubscribe
	nextID uint64
}

// New creates an engine. mirrorStore and q may be nil.
func New(c *cache.Cache, monitor *connectivity.Monitor, api Fetcher, mirrorStore mirror.Store, q WriteQueue, opts Options) *Engine {
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = DefaultMirrorTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		cache:   c,
		monitor: monitor,
		api:     api,
		mirror:  mirrorStore,
		queue:   q,
		opts:    opts,
		keys:    make(map[core.ResourceKind]map[string]struct{}),
		gens:    make(map[core.ResourceKind]uint64),
		subs:    make(map[uint64]mirror.Unsubscribe),
	}
	if mirrorStore != nil {
		e.writer = NewMirrorWriter(mirrorStore, opts.Writer)
	}
	if q != nil {
		q.OnAccepted(func(a queue.Accepted) {
			e.Invalidate(context.Background(), a.Submission.AffectedResources()...)
		})
	}
	return e
}

// Read returns kind from the freshest source available. It never fails for
// expected conditions: offline, upstream errors and empty caches all map to
// a Source. Concurrent reads of the same key share one upstream call.
func (e *Engine) Read(ctx context.Context, kind core.ResourceKind, opts ReadOptions) (Result, error) {
	if _, err := core.ParseResourceKind(string(kind)); err != nil {
		return Result{Source: SourceNone}, err
	}
	key := cache.KeyFor(kind, opts.Params)
	gen := e.generation(kind)
	flightKey := key + "@" + strconv.FormatUint(gen, 10)
	if opts.ForceRefresh {
		flightKey += "#refresh"
	}

	v, _, _ := e.flights.Do(flightKey, func() (interface{}, error) {
		return e.read(ctx, kind, key, gen, opts), nil
	})
	result := v.(Result)

	if kind == core.ResourceReports {
		result = e.mergePending(ctx, result)
	}
	return result, nil
}

func (e *Engine) generation(kind core.ResourceKind) uint64 {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	return e.gens[kind]
}

func (e *Engine) read(ctx context.Context, kind core.ResourceKind, key string, gen uint64, opts ReadOptions) Result {
	if !opts.ForceRefresh {
		var env core.Envelope
		if e.cache.Get(ctx, key, &env) {
			if snap, ok := decodeEnvelope(key, env); ok {
				return Result{Snapshot: snap, Source: SourceCache}
			}
		}
	}

	if !e.monitor.IsOnline() {
		if snap, ok := e.readMirror(ctx, kind, key); ok {
			e.store(ctx, kind, key, gen, snap)
			return Result{Snapshot: snap, Source: SourceMirror}
		}
		return e.fallback(ctx, key)
	}

	snap, err := e.api.Fetch(ctx, kind, opts.Params)
	if err != nil {
		slog.Warn("primary read failed, falling back to cache", "resource", kind, "error", err, "network", core.IsNetworkError(err))
		return e.fallback(ctx, key)
	}
	if e.store(ctx, kind, key, gen, snap) {
		e.mirrorSnapshot(kind, key, snap)
	}
	return Result{Snapshot: snap, Source: SourcePrimary}
}

func (e *Engine) fallback(ctx context.Context, key string) Result {
	var env core.Envelope
	if e.cache.GetAllowStale(ctx, key, &env) {
		if snap, ok := decodeEnvelope(key, env); ok {
			return Result{Snapshot: snap, Source: SourceStaleCache, Stale: !e.cache.IsValid(ctx, key)}
		}
	}
	return Result{Source: SourceNone}
}

// store caches snap unless kind was invalidated after the read began. The
// check and the write happen under keysMu so Invalidate cannot slip between.
func (e *Engine) store(ctx context.Context, kind core.ResourceKind, key string, gen uint64, snap core.Snapshot) bool {
	env, err := core.EncodeSnapshot(snap)
	if err != nil {
		slog.Warn("failed to encode snapshot for cache", "key", key, "error", err)
		return false
	}

	e.keysMu.Lock()
	defer e.keysMu.Unlock()
	if e.gens[kind] != gen {
		slog.Debug("skipping cache write for superseded read", "key", key)
		return false
	}
	if err := e.cache.Put(ctx, key, env); err != nil {
		slog.Warn("failed to cache snapshot", "key", key, "error", err)
		return false
	}
	if _, ok := e.keys[kind][key]; !ok {
		if e.keys[kind] == nil {
			e.keys[kind] = make(map[string]struct{})
		}
		e.keys[kind][key] = struct{}{}
		e.cache.Remember(ctx, string(kind), key)
	}
	return true
}

func decodeEnvelope(key string, env core.Envelope) (core.Snapshot, bool) {
	snap, err := core.DecodeSnapshot(env)
	if err != nil {
		slog.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return snap, true
}

// mergePending appends queued reports that the server has not seen yet so
// an unsynced write never disappears from the list.
func (e *Engine) mergePending(ctx context.Context, result Result) Result {
	if e.queue == nil {
		return result
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		slog.Warn("failed to load pending reports", "error", err)
		return result
	}
	if len(pending) == 0 {
		return result
	}

	var merged core.ReportSnapshot
	if snap, ok := result.Snapshot.(core.ReportSnapshot); ok {
		merged.Reports = append(merged.Reports, snap.Reports...)
	}
	seen := make(map[core.ID]struct{}, len(merged.Reports))
	for _, r := range merged.Reports {
		seen[r.ID] = struct{}{}
	}
	for _, pw := range pending {
		if _, ok := seen[core.ID(pw.ID)]; ok {
			continue
		}
		r := pw.Payload.AsReport(pw.ID, pw.OwnerID)
		r.Pending = true
		merged.Reports = append(merged.Reports, r)
	}
	result.Snapshot = merged
	return result
}

// Invalidate drops every cached read of kinds so the next read goes upstream.
// Reads already in flight for those kinds return their data but do not
// cache it.
func (e *Engine) Invalidate(ctx context.Context, kinds ...core.ResourceKind) {
	for _, kind := range kinds {
		e.keysMu.Lock()
		e.gens[kind]++
		keys := e.takeKeysLocked(ctx, kind)
		e.keysMu.Unlock()

		e.cache.Invalidate(ctx, cache.KeyFor(kind, nil))
		for _, key := range keys {
			e.cache.Invalidate(ctx, key)
		}
	}
}

// takeKeysLocked returns and forgets every key cached for kind, including
// those persisted by an earlier process.
func (e *Engine) takeKeysLocked(ctx context.Context, kind core.ResourceKind) []string {
	keys := e.cache.Remembered(ctx, string(kind))
	for key := range e.keys[kind] {
		keys = append(keys, key)
	}
	delete(e.keys, kind)
	e.cache.Forget(ctx, string(kind))
	return keys
}

// SyncAll refreshes every resource kind and records the sync time when at
// least one came from the primary API.
func (e *Engine) SyncAll(ctx context.Context) map[core.ResourceKind]Result {
	results := make(map[core.ResourceKind]Result, len(core.AllResources))
	fromPrimary := false
	for _, kind := range core.AllResources {
		r, err := e.Read(ctx, kind, ReadOptions{ForceRefresh: true})
		if err != nil {
			slog.Error("sync read failed", "resource", kind, "error", err)
			continue
		}
		results[kind] = r
		if r.Source == SourcePrimary {
			fromPrimary = true
		}
	}
	if fromPrimary {
		e.cache.SetLastSync(ctx, e.opts.Now())
	}
	return results
}

// LastSync returns when SyncAll last reached the primary API.
func (e *Engine) LastSync(ctx context.Context) (time.Time, bool) {
	return e.cache.LastSync(ctx)
}

// Clear removes every cached resource, for logout or reset.
func (e *Engine) Clear(ctx context.Context) {
	keys := append([]string(nil), cache.KnownKeys...)
	e.keysMu.Lock()
	for _, kind := range core.AllResources {
		e.gens[kind]++
		keys = append(keys, e.takeKeysLocked(ctx, kind)...)
	}
	e.keysMu.Unlock()
	e.cache.ClearAll(ctx, keys)
}

// Close stops subscriptions and flushes pending mirror writes.
func (e *Engine) Close() error {
	e.UnsubscribeAll()
	if e.writer != nil {
		return e.writer.Close()
	}
	return nil
}

// FlushMirror blocks until queued mirror writes have been attempted.
func (e *Engine) FlushMirror(ctx context.Context) {
	if e.writer != nil {
		e.writer.Flush(ctx)
	}
}
