// Package cache provides a keyed cache with time-based freshness over a
// local persistent store.
//
// Entries never expire from storage: once older than the TTL they are stale,
// skipped by Get, but still returned by GetAllowStale as a degraded fallback.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"roadsync/internal/core"
	"roadsync/internal/localstore"
)

const (
	// DefaultTTL is the freshness window of a cached entry.
	DefaultTTL = 5 * time.Minute

	// KeyPrefix is prepended to every entry key in the local store,
	// matching the frontend's cached_<resource> keys.
	KeyPrefix = "cached_"

	// LastSyncKey stores the time of the last successful full sync.
	LastSyncKey = "last_sync_timestamp"
)

// KnownKeys is the fixed key set removed by ClearAll on logout/reset.
var KnownKeys = []string{
	string(core.ResourceRoadsDetails),
	string(core.ResourceStatistics),
	string(core.ResourceRoadworks),
	string(core.ResourceReports),
	string(core.ResourceUsers),
}

var cacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roadsync_cache_lookups_total",
		Help: "Keyed cache lookups by result (hit, stale, miss, corrupt)",
	},
	[]string{"result"},
)

// entry is the serialized form of a cached value.
type entry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt int64           `json:"stored_at"` // unix milliseconds
	// StoredAtNanos is the exact store time; entries written before it
	// existed fall back to StoredAt.
	StoredAtNanos int64 `json:"stored_at_ns,omitempty"`
}

func (e entry) storedAt() time.Time {
	if e.StoredAtNanos != 0 {
		return time.Unix(0, e.StoredAtNanos)
	}
	return time.UnixMilli(e.StoredAt)
}

// Cache is the keyed cache. Operations are independent per key.
type Cache struct {
	store localstore.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over store. A non-positive ttl selects DefaultTTL.
func New(store localstore.Store, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Put serializes value with the current time and stores it under key,
// overwriting any previous entry. Serialization and storage failures are
// logged and swallowed (the next lookup simply misses); only an empty key
// is reported.
func (c *Cache) Put(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", core.ErrInvalidArgument)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		slog.Warn("cache put: serialize failed", "key", key, "error", err)
		return nil
	}
	now := c.now()
	raw, err := json.Marshal(entry{Payload: payload, StoredAt: now.UnixMilli(), StoredAtNanos: now.UnixNano()})
	if err != nil {
		slog.Warn("cache put: serialize entry failed", "key", key, "error", err)
		return nil
	}
	if err := c.store.Set(ctx, KeyPrefix+key, string(raw)); err != nil {
		slog.Warn("cache put: store failed", "key", key, "error", err)
	}
	return nil
}

// Get decodes the fresh entry for key into dst. It returns false when the
// key is absent, undecodable, or older than the TTL. Stale entries stay in
// the store.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	e, ok := c.load(ctx, key)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if !c.fresh(e) {
		cacheLookups.WithLabelValues("stale").Inc()
		return false
	}
	if !decode(key, e, dst) {
		cacheLookups.WithLabelValues("corrupt").Inc()
		return false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return true
}

// GetAllowStale is Get without the TTL check: the most recently stored value
// regardless of age. Use only as a fallback after an upstream failure.
func (c *Cache) GetAllowStale(ctx context.Context, key string, dst any) bool {
	e, ok := c.load(ctx, key)
	if !ok {
		return false
	}
	return decode(key, e, dst)
}

// IsValid reports whether key holds a fresh entry.
func (c *Cache) IsValid(ctx context.Context, key string) bool {
	e, ok := c.load(ctx, key)
	return ok && c.fresh(e)
}

// Age returns how long ago the entry for key was stored.
func (c *Cache) Age(ctx context.Context, key string) (time.Duration, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.storedAt()), true
}

// Invalidate removes the entry for key so the next read goes upstream.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, KeyPrefix+key); err != nil {
		slog.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// ClearAll removes the entries for every key in knownKeys plus the last sync
// marker. It never enumerates the store.
func (c *Cache) ClearAll(ctx context.Context, knownKeys []string) {
	for _, key := range knownKeys {
		c.Invalidate(ctx, key)
	}
	if err := c.store.Remove(ctx, LastSyncKey); err != nil {
		slog.Warn("cache clear: last sync marker", "error", err)
	}
}

// IndexPrefix namespaces the persisted per-group key index.
const IndexPrefix = KeyPrefix + "keys_"

// Remember adds key to group's persisted index. Callers serialise calls for
// the same group.
func (c *Cache) Remember(ctx context.Context, group, key string) {
	keys := c.Remembered(ctx, group)
	for _, k := range keys {
		if k == key {
			return
		}
	}
	raw, err := json.Marshal(append(keys, key))
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, IndexPrefix+group, string(raw)); err != nil {
		slog.Warn("cache index: store failed", "group", group, "error", err)
	}
}

// Remembered returns the keys indexed under group, including those written by
// an earlier process.
func (c *Cache) Remembered(ctx context.Context, group string) []string {
	raw, ok, err := c.store.Get(ctx, IndexPrefix+group)
	if err != nil {
		slog.Warn("cache index: load failed", "group", group, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		slog.Warn("cache index: corrupt", "group", group, "error", err)
		return nil
	}
	return keys
}

// Forget drops group's index.
func (c *Cache) Forget(ctx context.Context, group string) {
	if err := c.store.Remove(ctx, IndexPrefix+group); err != nil {
		slog.Warn("cache index: remove failed", "group", group, "error", err)
	}
}

// SetLastSync records the time of a completed sync.
func (c *Cache) SetLastSync(ctx context.Context, t time.Time) {
	if err := c.store.Set(ctx, LastSyncKey, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		slog.Warn("cache: record last sync failed", "error", err)
	}
}

// LastSync returns the last recorded sync time.
func (c *Cache) LastSync(ctx context.Context) (time.Time, bool) {
	raw, ok, err := c.store.Get(ctx, LastSyncKey)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.storedAt()) < c.ttl
}

func (c *Cache) load(ctx context.Context, key string) (entry, bool) {
	if key == "" {
		return entry{}, false
	}
	raw, ok, err := c.store.Get(ctx, KeyPrefix+key)
	if err != nil {
		slog.Warn("cache get: store failed", "key", key, "error", err)
		return entry{}, false
	}
	if !ok {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || len(e.Payload) == 0 {
		slog.Warn("cache get: corrupt entry", "key", key, "error", err)
		return entry{}, false
	}
	return e, true
}

func decode(key string, e entry, dst any) bool {
	if dst == nil {
		return true
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		slog.Warn("cache get: decode payload failed", "key", key, "error", err)
		return false
	}
	return true
}

// KeyFor returns the cache key for a resource read. Unparameterised reads use
// the resource name; parameterised reads append a hash of the sorted params,
// e.g. roads_details_1b2c3d4e5f607182.
func KeyFor(resource core.ResourceKind, params map[string]string) string {
	if len(params) == 0 {
		return string(resource)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	sum := xxhash.Sum64String(b.String())
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return string(resource) + "_" + hex.EncodeToString(buf[:])
}
