// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"docflow/internal/config"
	"docflow/internal/jobs"
	"docflow/internal/logging"
)

// NewConfig returns a default configuration rooted in a per-test temp
// directory, with timing knobs tightened so tests run fast.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.StagingDir = filepath.Join(base, "staging")
	cfg.LogDir = filepath.Join(base, "logs")
	cfg.APIBind = ""

	cfg.Pipeline.Workers = 1
	cfg.Pipeline.StageTimeout = 5
	cfg.Pipeline.RetryBackoffBase = 0
	cfg.Pipeline.RetryBackoffCap = 0
	cfg.Pipeline.HeartbeatInterval = 1
	cfg.Broker.VisibilityTimeout = 1

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a job store against the test config and registers
// cleanup.
func MustOpenStore(t *testing.T, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close job store: %v", err)
		}
	})
	return store
}

// Logger returns a no-op logger for components that require one.
var Logger = logging.NewNop
