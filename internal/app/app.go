// Package app wires the datasource server: storage, backends, the arbiter
// and the HTTP server, with centralized lifecycle control.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"roadsync/config"
	"roadsync/internal/datasource"
	"roadsync/internal/mirror"
	"roadsync/internal/server"
	"roadsync/internal/storage"
)

// App represents the server application with all its dependencies.
type App struct {
	config  *config.Config
	storage storage.Storage
	mirror  *mirror.Result
	arbiter *datasource.Arbiter
	server  *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}
	app := &App{config: cfg}

	store, err := storage.New(ctx, StorageConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storage = store

	primary, err := datasource.NewPrimaryBackend(ctx, store)
	if err != nil {
		return nil, app.abort(fmt.Errorf("failed to initialize primary backend: %w", err))
	}

	mirrorResult, err := mirror.New(ctx, mirror.Config{Type: cfg.Mirror.Type, URL: cfg.Mirror.URL, Database: cfg.Mirror.Database})
	if err != nil {
		return nil, app.abort(fmt.Errorf("failed to initialize mirror: %w", err))
	}
	app.mirror = mirrorResult

	prober := datasource.NewNetProber(cfg.DataSource.NetworkProbeAddr, cfg.DataSource.MirrorEndpoints, cfg.DataSource.ProbeTimeout)
	app.arbiter = datasource.New(prober, primary, datasource.NewDocumentBackend("mirror", mirrorResult.Store), datasource.Options{
		TTL:   cfg.DataSource.DecisionTTL,
		Force: datasource.Source(strings.ToLower(cfg.DataSource.Force)),
	})

	app.logStartupInfo(primary.Name())

	app.server = server.New(app.arbiter, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		SwaggerEnabled:  cfg.Server.SwaggerEnabled,
	})
	return app, nil
}

// StorageConfig converts the config section into storage settings.
func StorageConfig(c config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       c.Type,
		SQLite:     storage.SQLiteConfig{Path: c.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: c.PostgreSQL.URL, MaxConns: c.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: c.MongoDB.URL, Database: c.MongoDB.Database},
	}
}

func (a *App) abort(err error) error {
	if closeErr := a.closeResources(); closeErr != nil {
		return fmt.Errorf("%w (also: close error: %v)", err, closeErr)
	}
	return err
}

// Arbiter returns the datasource arbiter.
func (a *App) Arbiter() *datasource.Arbiter {
	return a.arbiter
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, then closes the mirror and the storage
// connection. It is idempotent and returns every failure joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			slog.Error("mirror close error", "error", err)
			errs = append(errs, fmt.Errorf("mirror close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) logStartupInfo(primary string) {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("MASTER_KEY not set, /api routes are unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
	if cfg.Server.SwaggerEnabled {
		slog.Info("swagger UI enabled", "path", "/swagger/index.html")
	}
	slog.Info("datasource configured",
		"primary", primary,
		"mirror", cfg.Mirror.Type,
		"mirror_endpoints", cfg.DataSource.MirrorEndpoints,
		"decision_ttl", cfg.DataSource.DecisionTTL,
		"force", cfg.DataSource.Force,
	)
}
