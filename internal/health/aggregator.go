package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/logging"
)

// Status is a dependency or aggregate readiness verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is one probe's outcome.
type Result struct {
	Status        Status `json:"status"`
	LatencyMillis int64  `json:"latency_ms"`
	Detail        string `json:"detail,omitempty"`
	Optional      bool   `json:"optional,omitempty"`
}

// Snapshot is the transient aggregate recomputed on every check.
type Snapshot struct {
	Overall   Status            `json:"overall_status"`
	Services  map[string]Result `json:"services"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Probe reports the readiness of one dependency. Optional probes degrade the
// aggregate instead of failing it.
type Probe interface {
	Name() string
	Optional() bool
	Check(ctx context.Context) Result
}

// Aggregator runs registered probes concurrently with a per-probe timeout.
type Aggregator struct {
	probes  []Probe
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs an aggregator. A non-positive timeout falls back to 5s.
func New(logger *slog.Logger, timeout time.Duration, probes ...Probe) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		probes:  probes,
		timeout: timeout,
		logger:  logging.WithComponent(logger, "health"),
	}
}

// Register appends additional probes.
func (a *Aggregator) Register(probes ...Probe) {
	a.probes = append(a.probes, probes...)
}

// Check runs every probe concurrently and reduces the results:
// any required probe unhealthy -> unhealthy; any probe degraded (or optional
// probe unhealthy) -> degraded; otherwise healthy.
func (a *Aggregator) Check(ctx context.Context) Snapshot {
	snapshot := Snapshot{
		Services:  make(map[string]Result, len(a.probes)),
		CheckedAt: time.Now().UTC(),
	}

	type outcome struct {
		name     string
		optional bool
		result   Result
	}

	results := make(chan outcome, len(a.probes))
	var wg sync.WaitGroup
	for _, probe := range a.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			results <- outcome{name: p.Name(), optional: p.Optional(), result: a.runProbe(ctx, p)}
		}(probe)
	}
	wg.Wait()
	close(results)

	overall := StatusHealthy
	for out := range results {
		out.result.Optional = out.optional
		snapshot.Services[out.name] = out.result

		switch out.result.Status {
		case StatusUnhealthy:
			if out.optional {
				if overall != StatusUnhealthy {
					overall = StatusDegraded
				}
			} else {
				overall = StatusUnhealthy
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	snapshot.Overall = overall
	return snapshot
}

// runProbe bounds a single probe with the per-probe timeout. The probe runs
// in its own goroutine so a check that ignores ctx cannot stall the
// aggregate; an abandoned goroutine leaks only until its dependency call
// returns.
func (a *Aggregator) runProbe(ctx context.Context, probe Probe) Result {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan Result, 1)
	start := time.Now()
	go func() {
		done <- probe.Check(probeCtx)
	}()

	select {
	case result := <-done:
		return result
	case <-probeCtx.Done():
		a.logger.Warn("probe timed out",
			logging.String("probe", probe.Name()),
			logging.Duration("timeout", a.timeout),
		)
		return Result{
			Status:        StatusUnhealthy,
			LatencyMillis: time.Since(start).Milliseconds(),
			Detail:        fmt.Sprintf("probe timed out after %s", a.timeout),
		}
	}
}
