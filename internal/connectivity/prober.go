package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"roadsync/internal/httpclient"
)

// Prober periodically checks a URL and feeds the result into a Monitor.
// It plays the role of the platform's online/offline events for headless agents.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProber creates a prober. Every check is bounded by timeout.
func NewProber(monitor *Monitor, url string, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		url:      url,
		interval: interval,
		client:   httpclient.NewProbeClient(timeout),
	}
}

// Check performs one probe. Any HTTP response, whatever its status, counts
// as reachable; only transport failures and timeouts count as offline.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		slog.Error("invalid connectivity probe url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("connectivity probe failed", "url", p.url, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Run probes immediately, then every interval, until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)

	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// probe updates the monitor unless ctx ended mid-check; a cancelled check
// says nothing about reachability.
func (p *Prober) probe(ctx context.Context) {
	online := p.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	p.monitor.SetOnline(online)
}
