// Package primaryapi is the HTTP client for the authoritative REST backend.
// Every failure is returned as a *core.SyncError so callers can tell
// reachability problems (queue, fall back) from rejections (surface).
package primaryapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"

	"roadsync/internal/core"
	"roadsync/internal/httpclient"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roadsync_primary_requests_total",
	Help: "Requests sent to the primary API by endpoint and result type",
}, []string{"endpoint", "result"})

// Config holds configuration for the primary API client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration

	// Retry applies to idempotent reads only. Writes are never retried
	// because the server may already have applied them.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Circuit breaker configuration; nil disables it.
	Breaker *BreakerConfig
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultConfig returns the client defaults for baseURL.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Token:          token,
		Timeout:        10 * time.Second,
		MaxRetries:     1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Breaker: &BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
}

// Client talks to the primary API.
type Client struct {
	httpClient *http.Client
	config     Config
	breaker    *circuitBreaker
}

// New creates a client with an HTTP client built from config.Timeout.
func New(config Config) *Client {
	httpCfg := httpclient.DefaultConfig()
	if config.Timeout > 0 {
		httpCfg.Timeout = config.Timeout
		httpCfg.ResponseHeaderTimeout = config.Timeout
	}
	return NewWithHTTPClient(httpclient.NewHTTPClient(&httpCfg), config)
}

// NewWithHTTPClient creates a client around a caller-supplied HTTP client.
func NewWithHTTPClient(httpClient *http.Client, config Config) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	c := &Client{httpClient: httpClient, config: config}
	if config.Breaker != nil {
		c.breaker = newCircuitBreaker(*config.Breaker)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

type request struct {
	Method   string
	Endpoint string
	Query    url.Values
	Body     interface{}
	// Retry allows the request to be repeated after a transient failure.
	Retry bool
}

type response struct {
	StatusCode int
	Body       []byte
}

// do executes req and returns the decoded body of a 2xx response.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		requestsTotal.WithLabelValues(req.Endpoint, "circuit_open").Inc()
		return nil, core.NewNetworkError("primary api circuit breaker is open", nil)
	}

	maxAttempts := 1
	if req.Retry {
		maxAttempts = max(c.config.MaxRetries+1, 1)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, core.NewNetworkError("request cancelled", ctx.Err())
			case <-time.After(c.backoff(attempt)):
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err != nil {
			lastErr = err
			c.recordFailure()
			continue
		}

		if isRetryable(resp.StatusCode) {
			c.recordFailure()
			lastErr = core.ClassifyHTTPStatus(resp.StatusCode, resp.Body)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if resp.StatusCode >= 500 {
				c.recordFailure()
			}
			err := core.ClassifyHTTPStatus(resp.StatusCode, resp.Body)
			requestsTotal.WithLabelValues(req.Endpoint, string(err.Type)).Inc()
			return nil, err
		}

		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
		requestsTotal.WithLabelValues(req.Endpoint, "ok").Inc()
		return resp, nil
	}

	requestsTotal.WithLabelValues(req.Endpoint, string(core.ErrorTypeOf(lastErr))).Inc()
	return nil, lastErr
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) doOnce(ctx context.Context, req request) (*response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewNetworkError("failed to reach primary api", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, core.NewNetworkError("failed to read primary api response", err)
	}
	return &response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (c *Client) buildRequest(ctx context.Context, req request) (*http.Request, error) {
	target := c.config.BaseURL + req.Endpoint
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewSerializationError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrInvalidArgument, err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "br, gzip")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return httpReq, nil
}

// readBody decodes br and gzip bodies. Setting Accept-Encoding by hand
// turns off the transport's transparent gzip handling.
func readBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return io.ReadAll(brotli.NewReader(resp.Body))
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(resp.Body)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if d > float64(c.config.MaxBackoff) {
		d = float64(c.config.MaxBackoff)
	}
	return time.Duration(d)
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}

// unwrapEnvelope returns the payload of a {"success":..., "data":...}
// response. Bodies without an envelope are returned as-is, and a Laravel
// paginator under data is flattened to its items.
func unwrapEnvelope(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewSerializationError("primary api returned invalid json", nil)
	}
	parsed := gjson.ParseBytes(body)
	if success := parsed.Get("success"); success.Exists() && !success.Bool() {
		msg := parsed.Get("message").String()
		if msg == "" {
			msg = "primary api reported failure"
		}
		return nil, core.NewServerError(http.StatusOK, msg, nil)
	}
	data := parsed.Get("data")
	if !data.Exists() {
		return body, nil
	}
	if data.IsObject() {
		if items := data.Get("data"); items.IsArray() && data.Get("current_page").Exists() {
			return []byte(items.Raw), nil
		}
	}
	return []byte(data.Raw), nil
}
