package primaryapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"roadsync/internal/core"
)

var endpoints = map[core.ResourceKind]string{
	core.ResourceRoadsDetails: "/api/roads-details",
	core.ResourceRoadworks:    "/api/roadworks",
	core.ResourceReports:      "/api/reports",
	core.ResourceStatistics:   "/api/statistics",
	core.ResourceUsers:        "/api/users",
}

// Endpoint returns the API path serving kind.
func Endpoint(kind core.ResourceKind) (string, error) {
	path, ok := endpoints[kind]
	if !ok {
		return "", fmt.Errorf("%w: no endpoint for resource %q", core.ErrInvalidArgument, kind)
	}
	return path, nil
}

// FetchRaw reads kind and returns the unwrapped JSON payload.
func (c *Client) FetchRaw(ctx context.Context, kind core.ResourceKind, params map[string]string) (json.RawMessage, error) {
	path, err := Endpoint(kind)
	if err != nil {
		return nil, err
	}
	var query url.Values
	if len(params) > 0 {
		query = make(url.Values, len(params))
		for k, v := range params {
			query.Set(k, v)
		}
	}

	resp, err := c.do(ctx, request{Method: http.MethodGet, Endpoint: path, Query: query, Retry: true})
	if err != nil {
		return nil, err
	}
	return unwrapEnvelope(resp.Body)
}

// Fetch reads kind and decodes it into its typed snapshot.
func (c *Client) Fetch(ctx context.Context, kind core.ResourceKind, params map[string]string) (core.Snapshot, error) {
	raw, err := c.FetchRaw(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	return core.DecodeResource(kind, raw)
}

// SubmitReport creates a report. It is sent once; a network failure
// leaves it to the caller to queue and replay.
func (c *Client) SubmitReport(ctx context.Context, sub core.ReportSubmission) (*core.Report, error) {
	resp, err := c.do(ctx, request{Method: http.MethodPost, Endpoint: endpoints[core.ResourceReports], Body: sub})
	if err != nil {
		return nil, err
	}
	raw, err := unwrapEnvelope(resp.Body)
	if err != nil {
		return nil, err
	}

	var report core.Report
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, core.NewSerializationError("decode created report", err)
		}
	}
	if report.Reason == "" {
		// Some deployments answer 201 with only the id.
		id := report.ID
		report = sub.AsReport(string(id), "")
	}
	return &report, nil
}

// Ping checks that the API answers at all. Any HTTP status counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.BaseURL+"/api", nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", core.ErrInvalidArgument, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewNetworkError("primary api unreachable", err)
	}
	_ = resp.Body.Close()
	return nil
}

// BreakerState reports the circuit breaker state for diagnostics.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State()
}
