// Package agent assembles the device-side sync stack: local store, keyed
// cache, connectivity monitor, primary API client, mirror, offline queue
// and sync engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"roadsync/config"
	"roadsync/internal/cache"
	"roadsync/internal/connectivity"
	"roadsync/internal/core"
	"roadsync/internal/localstore"
	"roadsync/internal/mirror"
	"roadsync/internal/primaryapi"
	"roadsync/internal/queue"
	"roadsync/internal/syncengine"
)

// Agent owns every device-side component.
type Agent struct {
	cfg     *config.Config
	store   localstore.Store
	cache   *cache.Cache
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	api     *primaryapi.Client
	mirror  *mirror.Result
	queue   *queue.Queue
	engine  *syncengine.Engine

	closeOnce sync.Once
	closeErr  error
}

// New builds the agent. The caller must call Close.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	if cfg.PrimaryAPI.BaseURL == "" {
		return nil, fmt.Errorf("primary_api.base_url is required")
	}

	store, err := localstore.New(ctx, localstore.Config{
		Backend:     cfg.Cache.Backend,
		FilePath:    cfg.Cache.FilePath,
		SQLitePath:  cfg.Cache.SQLitePath,
		RedisURL:    cfg.Cache.RedisURL,
		RedisPrefix: cfg.Cache.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	mirrorResult, err := mirror.New(ctx, mirror.Config{Type: cfg.Mirror.Type, URL: cfg.Mirror.URL, Database: cfg.Mirror.Database})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize mirror: %w", err), store.Close())
	}

	apiCfg := primaryapi.DefaultConfig(cfg.PrimaryAPI.BaseURL, cfg.PrimaryAPI.Token)
	apiCfg.Timeout = cfg.PrimaryAPI.Timeout
	api := primaryapi.New(apiCfg)

	monitor := connectivity.NewMonitor()
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = strings.TrimRight(cfg.PrimaryAPI.BaseURL, "/") + "/api"
	}

	a := &Agent{
		cfg:     cfg,
		store:   store,
		cache:   cache.New(store, cfg.Cache.TTL),
		monitor: monitor,
		prober:  connectivity.NewProber(monitor, probeURL, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout),
		api:     api,
		mirror:  mirrorResult,
	}
	a.queue = queue.New(store, monitor, api, mirrorResult.Store, queue.Options{FlushInterval: cfg.Queue.FlushInterval})
	a.engine = syncengine.New(a.cache, monitor, api, mirrorResult.Store, a.queue, syncengine.Options{})
	return a, nil
}

// CheckConnectivity probes once and updates the monitor.
func (a *Agent) CheckConnectivity(ctx context.Context) bool {
	online := a.prober.Check(ctx)
	a.monitor.SetOnline(online)
	return online
}

// Run starts the connectivity prober and queue auto-flush, performs an
// initial sync and then blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.CheckConnectivity(ctx)
	go a.prober.Run(ctx)
	a.queue.Start(ctx)

	results := a.engine.SyncAll(ctx)
	for kind, r := range results {
		slog.Info("initial sync", "resource", kind, "source", r.Source, "stale", r.Stale)
	}

	for _, name := range a.cfg.Mirror.Watch {
		kind, err := core.ParseResourceKind(name)
		if err != nil {
			slog.Warn("ignoring mirror watch", "resource", name, "error", err)
			continue
		}
		if err := a.engine.Watch(ctx, kind); err != nil {
			slog.Warn("mirror watch failed", "resource", kind, "error", err)
		}
	}

	<-ctx.Done()
	return nil
}

// Engine returns the sync engine.
func (a *Agent) Engine() *syncengine.Engine { return a.engine }

// Queue returns the offline write queue.
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Monitor returns the connectivity monitor.
func (a *Agent) Monitor() *connectivity.Monitor { return a.monitor }

// OwnerID is the identity recorded on queued writes.
func (a *Agent) OwnerID() string { return a.cfg.Queue.OwnerID }

// Close flushes mirror writes and releases every resource. It is idempotent.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine close: %w", err))
		}
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mirror close: %w", err))
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("local store close: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
