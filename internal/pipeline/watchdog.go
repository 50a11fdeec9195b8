package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docflow/internal/config"
	"docflow/internal/jobs"
	"docflow/internal/logging"
	"docflow/internal/services"
)

// Watchdog force-fails processing jobs whose heartbeat has gone stale, which
// covers workers that died without nacking their delivery. The failure kind
// is timeout so the job remains eligible for an operator retry.
type Watchdog struct {
	store    *jobs.Store
	interval time.Duration
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// NewWatchdog builds a watchdog from pipeline configuration.
func NewWatchdog(cfg config.Pipeline, store *jobs.Store, metrics *Metrics, logger *slog.Logger) *Watchdog {
	interval := cfg.WatchdogIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.HeartbeatTimeoutDuration()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Watchdog{
		store:    store,
		interval: interval,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logging.WithComponent(logger, "watchdog"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep fails every processing job whose heartbeat predates the stale cutoff.
// Exported so tests and operators can trigger one pass directly.
func (w *Watchdog) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.timeout)
	stale, err := w.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		w.logger.Error("stale sweep query failed", logging.Error(err))
		return
	}

	for _, job := range stale {
		message := fmt.Sprintf("processing stalled in stage %s: no heartbeat within %s", job.CurrentStage, w.timeout)
		if job.CurrentStage == "" {
			message = fmt.Sprintf("processing stalled: no heartbeat within %s", w.timeout)
		}
		_, err := w.store.UpdateStatus(ctx, job.ID, jobs.Update{
			Status:       jobs.StatusFailed,
			Progress:     job.Progress,
			CurrentStage: job.CurrentStage,
			ErrorKind:    services.KindTimeout,
			ErrorMessage: message,
		})
		if err != nil {
			// Lost the race with the worker finishing; nothing to do.
			if errors.Is(err, jobs.ErrTerminal) || errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			w.logger.Error("force-fail stale job failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err),
			)
			continue
		}
		w.metrics.WatchdogKills.Inc()
		w.metrics.JobsFinished.WithLabelValues(string(jobs.StatusFailed), string(services.KindTimeout)).Inc()
		w.logger.Warn("force-failed stale job",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldDocumentID, job.DocumentID),
			logging.String(logging.FieldStage, job.CurrentStage),
		)
	}
}
