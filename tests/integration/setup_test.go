//go:build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roadsync/config"
	"roadsync/internal/app"
)

// newTestApp builds the server stack over the given primary storage, with
// the mirror on MongoDB and the source pinned to force.
func newTestApp(t *testing.T, storageType, force string) *app.App {
	t.Helper()
	resetDatabases(t)

	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type:       storageType,
			PostgreSQL: config.PostgreSQLConfig{URL: pgURL, MaxConns: 4},
			MongoDB:    config.MongoDBConfig{URL: mongoURL, Database: "roadsync_test"},
		},
		Mirror: config.MirrorConfig{Type: "mongodb", URL: mongoURL, Database: "roadsync_test"},
		DataSource: config.DataSourceConfig{
			DecisionTTL:      time.Minute,
			ProbeTimeout:     time.Second,
			NetworkProbeAddr: "127.0.0.1:1",
			Force:            force,
		},
	}
	application, err := app.New(testCtx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return application
}

func serve(t *testing.T, a *app.App, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}
