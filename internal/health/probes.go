package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger is satisfied by the job store, the broker queue, and pgx pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingProbe struct {
	name     string
	optional bool
	pinger   Pinger
}

// NewPingProbe wraps any Ping-able dependency as a probe.
func NewPingProbe(name string, optional bool, pinger Pinger) Probe {
	return &pingProbe{name: name, optional: optional, pinger: pinger}
}

func (p *pingProbe) Name() string   { return p.name }
func (p *pingProbe) Optional() bool { return p.optional }

func (p *pingProbe) Check(ctx context.Context) Result {
	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return Result{
			Status:        StatusUnhealthy,
			LatencyMillis: latency.Milliseconds(),
			Detail:        err.Error(),
		}
	}
	return Result{Status: StatusHealthy, LatencyMillis: latency.Milliseconds()}
}

type endpointProbe struct {
	name     string
	optional bool
	url      string
	client   *http.Client
}

// NewEndpointProbe checks an HTTP dependency by issuing a GET. Server errors
// map to unhealthy; client errors (auth, not-found) count as degraded since
// the endpoint is at least reachable.
func NewEndpointProbe(name string, optional bool, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return &endpointProbe{name: name, optional: optional, url: url, client: client}
}

func (p *endpointProbe) Name() string   { return p.name }
func (p *endpointProbe) Optional() bool { return p.optional }

func (p *endpointProbe) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{Status: StatusUnhealthy, Detail: err.Error()}
	}
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{
			Status:        StatusUnhealthy,
			LatencyMillis: latency.Milliseconds(),
			Detail:        err.Error(),
		}
	}
	defer resp.Body.Close()

	result := Result{LatencyMillis: latency.Milliseconds()}
	switch {
	case resp.StatusCode >= 500:
		result.Status = StatusUnhealthy
		result.Detail = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		result.Status = StatusDegraded
		result.Detail = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	default:
		result.Status = StatusHealthy
	}
	return result
}

type funcProbe struct {
	name     string
	optional bool
	check    func(ctx context.Context) Result
}

// NewFuncProbe adapts a bare function; used by tests and one-off checks.
func NewFuncProbe(name string, optional bool, check func(ctx context.Context) Result) Probe {
	return &funcProbe{name: name, optional: optional, check: check}
}

func (p *funcProbe) Name() string                     { return p.name }
func (p *funcProbe) Optional() bool                   { return p.optional }
func (p *funcProbe) Check(ctx context.Context) Result { return p.check(ctx) }
