package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadsync/internal/core"
	"roadsync/internal/datasource"
	"roadsync/internal/mirror"
)

type stubProber struct {
	report datasource.ProbeReport
}

func (p *stubProber) Probe(context.Context) datasource.ProbeReport { return p.report }

func newTestServer(t *testing.T, cfg *Config) (*Server, *datasource.Arbiter, *mirror.MemoryStore) {
	t.Helper()
	primaryDocs := mirror.NewMemoryStore()
	mirrorDocs := mirror.NewMemoryStore()
	prober := &stubProber{report: datasource.ProbeReport{
		Network: datasource.ServiceStatus{Reachable: true},
		Mirror:  map[string]datasource.ServiceStatus{"https://mirror.test": {Reachable: true}},
		Elapsed: 5 * time.Millisecond,
	}}
	arbiter := datasource.New(prober,
		datasource.NewDocumentBackend("primary", primaryDocs),
		datasource.NewDocumentBackend("mirror", mirrorDocs),
		datasource.Options{})
	return New(arbiter, cfg), arbiter, mirrorDocs
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestDataSourceStatus(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/datasource/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st datasource.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, datasource.SourceMirror, st.ActiveDatasource)
	assert.True(t, st.InternetConnected)
	assert.True(t, st.Services["mirror:https://mirror.test"].Reachable)
	assert.EqualValues(t, 5, st.ResponseTimeMS)
}

func TestForceAndResetDataSource(t *testing.T) {
	s, arbiter, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/datasource/force", `{"source":"primary"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, datasource.SourcePrimary, arbiter.ActiveSource(context.Background()))

	rec = do(t, s, http.MethodPost, "/api/datasource/force", `{"source":"firebase"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")

	rec = do(t, s, http.MethodPost, "/api/datasource/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, datasource.SourceMirror, arbiter.ActiveSource(context.Background()))
}

func TestWriteAndReadResource(t *testing.T) {
	s, _, mirrorDocs := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/data/reports", `{"id":"r1","reason":"Pothole","road_id":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"success":true,"resource":"reports"}`, rec.Body.String())

	doc, ok, err := mirrorDocs.Get(context.Background(), "reports", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Pothole", doc["reason"])

	rec = do(t, s, http.MethodGet, "/api/data/reports?road_id=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"r1","reason":"Pothole","road_id":3}]`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/data/reports?id=r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"r1","reason":"Pothole","road_id":3}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/data/reports?id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found_error")
}

func TestWriteResource_InvalidInput(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/data/reports", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/data/Bad-Type", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadResource_BackendFailure(t *testing.T) {
	s, _, mirrorDocs := newTestServer(t, nil)
	mirrorDocs.FailWith(errors.New("connection reset"))

	rec := do(t, s, http.MethodGet, "/api/data/reports", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestServer_MasterKeyAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t, &Config{MasterKey: "k", MetricsEnabled: true, MetricsEndpoint: "/metrics"})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/datasource/status", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/datasource/status", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_BodyLimit(t *testing.T) {
	s, _, _ := newTestServer(t, &Config{BodySizeLimit: 16})
	rec := do(t, s, http.MethodPost, "/api/data/reports", `{"reason":"this body is far too long"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestContext(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	var seen string
	s.echo.GET("/probe-ctx", func(c echo.Context) error {
		seen = core.RequestIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})
	rec := do(t, s, http.MethodGet, "/probe-ctx", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), seen)
}
