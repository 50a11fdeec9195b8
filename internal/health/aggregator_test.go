package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"docflow/internal/health"
	"docflow/internal/testsupport"
)

func staticProbe(name string, optional bool, status health.Status) health.Probe {
	return health.NewFuncProbe(name, optional, func(context.Context) health.Result {
		return health.Result{Status: status}
	})
}

func TestCheckAllHealthy(t *testing.T) {
	agg := health.New(testsupport.Logger(), time.Second,
		staticProbe("database", false, health.StatusHealthy),
		staticProbe("broker", false, health.StatusHealthy),
	)

	snapshot := agg.Check(context.Background())
	if snapshot.Overall != health.StatusHealthy {
		t.Fatalf("expected healthy, got %s", snapshot.Overall)
	}
	if len(snapshot.Services) != 2 {
		t.Fatalf("expected 2 service results, got %d", len(snapshot.Services))
	}
}

func TestCheckRequiredUnhealthyWins(t *testing.T) {
	agg := health.New(testsupport.Logger(), time.Second,
		staticProbe("database", false, health.StatusHealthy),
		staticProbe("broker", false, health.StatusUnhealthy),
		staticProbe("llm", true, health.StatusDegraded),
	)

	snapshot := agg.Check(context.Background())
	if snapshot.Overall != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", snapshot.Overall)
	}
}

func TestCheckOptionalUnhealthyDegrades(t *testing.T) {
	agg := health.New(testsupport.Logger(), time.Second,
		staticProbe("database", false, health.StatusHealthy),
		staticProbe("llm", true, health.StatusUnhealthy),
	)

	snapshot := agg.Check(context.Background())
	if snapshot.Overall != health.StatusDegraded {
		t.Fatalf("expected degraded, got %s", snapshot.Overall)
	}
	result := snapshot.Services["llm"]
	if !result.Optional {
		t.Fatal("expected optional flag on result")
	}
}

func TestCheckDegradedProbeDegrades(t *testing.T) {
	agg := health.New(testsupport.Logger(), time.Second,
		staticProbe("database", false, health.StatusDegraded),
	)
	if snapshot := agg.Check(context.Background()); snapshot.Overall != health.StatusDegraded {
		t.Fatalf("expected degraded, got %s", snapshot.Overall)
	}
}

func TestHungProbeReportsUnhealthy(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	agg := health.New(testsupport.Logger(), 50*time.Millisecond,
		health.NewFuncProbe("stuck", false, func(ctx context.Context) health.Result {
			<-block
			return health.Result{Status: health.StatusHealthy}
		}),
	)

	start := time.Now()
	snapshot := agg.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("check should be bounded by probe timeout, took %s", elapsed)
	}
	if snapshot.Overall != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy from hung probe, got %s", snapshot.Overall)
	}
	if snapshot.Services["stuck"].Detail == "" {
		t.Fatal("expected timeout detail")
	}
}

func TestPingProbe(t *testing.T) {
	okProbe := health.NewPingProbe("ok", false, pingFunc(func(context.Context) error { return nil }))
	if result := okProbe.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}

	failProbe := health.NewPingProbe("bad", false, pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))
	result := failProbe.Check(context.Background())
	if result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", result.Status)
	}
	if result.Detail != "connection refused" {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
