package datasource

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roadsync/internal/httpclient"
)

// DefaultProbeTimeout bounds every reachability check.
const DefaultProbeTimeout = 3 * time.Second

// DefaultNetworkProbeAddr is dialled to decide general network reachability.
const DefaultNetworkProbeAddr = "1.1.1.1:53"

// ServiceStatus is the result of probing one endpoint.
type ServiceStatus struct {
	Reachable      bool   `json:"reachable"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// ProbeReport is the outcome of one full probe.
type ProbeReport struct {
	Network ServiceStatus
	// Mirror holds one entry per mirror endpoint.
	Mirror  map[string]ServiceStatus
	Elapsed time.Duration
}

// Decide returns MIRROR only when the network and at least one mirror
// endpoint are reachable.
func (r ProbeReport) Decide() Source {
	if !r.Network.Reachable {
		return SourcePrimary
	}
	for _, s := range r.Mirror {
		if s.Reachable {
			return SourceMirror
		}
	}
	return SourcePrimary
}

// Prober checks reachability.
type Prober interface {
	Probe(ctx context.Context) ProbeReport
}

// NetProber dials a well-known address for network reachability and sends
// HEAD requests to the mirror endpoints. Endpoints without a scheme are
// treated as host:port and dialled.
type NetProber struct {
	networkAddr string
	endpoints   []string
	timeout     time.Duration
	client      *http.Client
	dialer      *net.Dialer
}

// NewNetProber creates a prober; zero values take the defaults.
func NewNetProber(networkAddr string, mirrorEndpoints []string, timeout time.Duration) *NetProber {
	if networkAddr == "" {
		networkAddr = DefaultNetworkProbeAddr
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &NetProber{
		networkAddr: networkAddr,
		endpoints:   append([]string(nil), mirrorEndpoints...),
		timeout:     timeout,
		client:      httpclient.NewProbeClient(timeout),
		dialer:      &net.Dialer{Timeout: timeout},
	}
}

// Probe checks the network and every mirror endpoint concurrently.
// It never takes much longer than the configured timeout.
func (p *NetProber) Probe(ctx context.Context) ProbeReport {
	start := time.Now()
	report := ProbeReport{Mirror: make(map[string]ServiceStatus, len(p.endpoints))}

	var mu sync.Mutex
	var g errgroup.Group
	g.Go(func() error {
		status := p.check(ctx, p.networkAddr)
		mu.Lock()
		report.Network = status
		mu.Unlock()
		return nil
	})
	for _, endpoint := range p.endpoints {
		g.Go(func() error {
			status := p.check(ctx, endpoint)
			mu.Lock()
			report.Mirror[endpoint] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(start)
	return report
}

func (p *NetProber) check(ctx context.Context, target string) ServiceStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if strings.Contains(target, "://") {
		err = p.head(ctx, target)
	} else {
		var conn net.Conn
		conn, err = p.dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
		}
	}

	status := ServiceStatus{ResponseTimeMS: time.Since(start).Milliseconds()}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Reachable = true
	return status
}

func (p *NetProber) head(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
