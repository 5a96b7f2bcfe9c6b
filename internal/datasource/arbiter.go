// Package datasource decides at runtime whether the primary database or
// the mirror store is authoritative and routes reads and writes to it.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"roadsync/internal/core"
)

// Source is the backend currently serving requests.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceMirror  Source = "mirror"
)

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourcePrimary, SourceMirror:
		return Source(s), nil
	default:
		return "", fmt.Errorf("%w: unknown datasource %q (valid: primary, mirror)", core.ErrInvalidArgument, s)
	}
}

// DefaultDecisionTTL is how long a probed decision is reused.
const DefaultDecisionTTL = 300 * time.Second

// ErrNotFound is returned by backends when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

var (
	switchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roadsync_datasource_switch_total",
		Help: "Datasource decision changes by new source",
	}, []string{"to"})
	activeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roadsync_datasource_active",
		Help: "1 for the datasource currently in use",
	}, []string{"source"})
)

var resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Backend stores resources for one source. Implementations contain no
// routing logic.
type Backend interface {
	Name() string
	// Write upserts data, a JSON object, into resourceType.
	Write(ctx context.Context, resourceType string, data json.RawMessage) error
	// Read returns one record when params has "id" and a JSON array otherwise.
	Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error)
}

// Options configures an Arbiter.
type Options struct {
	TTL time.Duration
	// Force pins a source from the start.
	Force Source
	Now   func() time.Time
}

type decision struct {
	source    Source
	decidedAt time.Time
	expiresAt time.Time
	forced    bool
}

// Arbiter caches the source decision and routes requests.
// It is safe for concurrent use by request handlers.
type Arbiter struct {
	prober  Prober
	primary Backend
	mirror  Backend
	ttl     time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	current  *decision
	previous Source

	probes singleflight.Group
}

// New creates an arbiter.
func New(prober Prober, primary, mirror Backend, opts Options) *Arbiter {
	if opts.TTL <= 0 {
		opts.TTL = DefaultDecisionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Arbiter{prober: prober, primary: primary, mirror: mirror, ttl: opts.TTL, now: opts.Now}
	if opts.Force != "" {
		a.Force(opts.Force)
	}
	return a
}

// ActiveSource returns the cached decision, probing when it is missing or
// expired. Concurrent callers share a single probe.
//
// The probe is detached from the caller's cancellation and bounded only by
// the prober's own timeout, so one aborted request cannot record a decision
// for everyone else. A caller whose ctx ends first gets PRIMARY for its own
// request; the probe still completes and is cached.
func (a *Arbiter) ActiveSource(ctx context.Context) Source {
	if src, ok := a.cached(); ok {
		return src
	}

	probeCtx := context.WithoutCancel(ctx)
	ch := a.probes.DoChan("decide", func() (interface{}, error) {
		if src, ok := a.cached(); ok {
			return src, nil
		}
		report := a.prober.Probe(probeCtx)
		return a.decide(report.Decide()), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Source)
	case <-ctx.Done():
		return SourcePrimary
	}
}

func (a *Arbiter) cached() (Source, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d := a.current
	if d == nil {
		return "", false
	}
	if d.forced || a.now().Before(d.expiresAt) {
		return d.source, true
	}
	return "", false
}

func (a *Arbiter) decide(src Source) Source {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A Force that landed while probing wins.
	if a.current != nil && a.current.forced {
		return a.current.source
	}
	now := a.now()
	a.current = &decision{source: src, decidedAt: now, expiresAt: now.Add(a.ttl)}
	a.recordLocked(src, "probe")
	return src
}

func (a *Arbiter) recordLocked(src Source, reason string) {
	if a.previous != "" && a.previous != src {
		slog.Warn("datasource switched", "from", a.previous, "to", src, "reason", reason)
		switchTotal.WithLabelValues(string(src)).Inc()
	} else if a.previous == "" {
		slog.Info("datasource selected", "source", src, "reason", reason)
	}
	a.previous = src
	activeGauge.WithLabelValues(string(SourcePrimary)).Set(boolGauge(src == SourcePrimary))
	activeGauge.WithLabelValues(string(SourceMirror)).Set(boolGauge(src == SourceMirror))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Force pins src until Reset, bypassing probes.
func (a *Arbiter) Force(src Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.current = &decision{source: src, decidedAt: now, forced: true}
	a.recordLocked(src, "forced")
}

// Reset drops any cached or forced decision; the next call probes.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	slog.Info("datasource decision reset")
}

// Status is the diagnostic view served by the status endpoint.
type Status struct {
	ActiveDatasource  Source                   `json:"active_datasource"`
	InternetConnected bool                     `json:"internet_connected"`
	Services          map[string]ServiceStatus `json:"services"`
	ResponseTimeMS    int64                    `json:"response_time_ms"`
	Forced            bool                     `json:"forced"`
	DecidedAt         *time.Time               `json:"decided_at,omitempty"`
	ExpiresAt         *time.Time               `json:"expires_at,omitempty"`
}

// ConnectionStatus always probes. It reports the routing decision without
// changing it: when nothing valid is cached, the active source shown is what
// this probe would pick, and it is not stored.
func (a *Arbiter) ConnectionStatus(ctx context.Context) Status {
	report := a.prober.Probe(ctx)

	services := make(map[string]ServiceStatus, len(report.Mirror)+1)
	services["network"] = report.Network
	for endpoint, s := range report.Mirror {
		services["mirror:"+endpoint] = s
	}

	st := Status{
		ActiveDatasource:  report.Decide(),
		InternetConnected: report.Network.Reachable,
		Services:          services,
		ResponseTimeMS:    report.Elapsed.Milliseconds(),
	}
	a.mu.RLock()
	if d := a.current; d != nil && (d.forced || a.now().Before(d.expiresAt)) {
		st.ActiveDatasource = d.source
		st.Forced = d.forced
		decided := d.decidedAt
		st.DecidedAt = &decided
		if !d.forced {
			expires := d.expiresAt
			st.ExpiresAt = &expires
		}
	}
	a.mu.RUnlock()
	return st
}

// Resolve picks the source once for a request. All of that request's
// operations must go through the returned backend.
func (a *Arbiter) Resolve(ctx context.Context) (Source, Backend) {
	src := a.ActiveSource(ctx)
	if src == SourceMirror && a.mirror != nil {
		return src, a.mirror
	}
	return SourcePrimary, a.primary
}

// Write stores data in the active backend.
func (a *Arbiter) Write(ctx context.Context, resourceType string, data json.RawMessage) (bool, error) {
	if err := validateResourceType(resourceType); err != nil {
		return false, err
	}
	if !json.Valid(data) {
		return false, fmt.Errorf("%w: body is not valid JSON", core.ErrInvalidArgument)
	}
	src, backend := a.Resolve(ctx)
	if err := backend.Write(ctx, resourceType, data); err != nil {
		slog.Error("datasource write failed", "source", src, "resource", resourceType, "request_id", core.RequestIDFromContext(ctx), "error", err)
		return false, err
	}
	return true, nil
}

// Read loads from the active backend. A missing record is (nil, nil).
func (a *Arbiter) Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error) {
	if err := validateResourceType(resourceType); err != nil {
		return nil, err
	}
	src, backend := a.Resolve(ctx)
	data, err := backend.Read(ctx, resourceType, params)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		slog.Error("datasource read failed", "source", src, "resource", resourceType, "request_id", core.RequestIDFromContext(ctx), "error", err)
		return nil, err
	}
	return data, nil
}

func validateResourceType(resourceType string) error {
	if !resourceTypePattern.MatchString(resourceType) {
		return fmt.Errorf("%w: invalid resource type %q", core.ErrInvalidArgument, resourceType)
	}
	return nil
}
