// Package dispatch accepts processing requests, admits them against the
// single-active-job rule, and hands accepted work to the broker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"docflow/internal/broker"
	"docflow/internal/config"
	"docflow/internal/health"
	"docflow/internal/jobs"
	"docflow/internal/logging"
	"docflow/internal/pipeline"
	"docflow/internal/services"
)

var (
	// ErrUnavailable rejects enqueues while required dependencies are down
	// and fail-fast admission is enabled.
	ErrUnavailable = errors.New("pipeline dependencies unavailable")
	// ErrNotRetryable rejects retries of jobs that failed with a fatal kind.
	ErrNotRetryable = errors.New("job failure is not retryable")
	// ErrRetryExhausted rejects retries past the configured ceiling.
	ErrRetryExhausted = errors.New("retry limit exhausted")
)

// HealthChecker is the admission-control surface of the health aggregator.
type HealthChecker interface {
	Check(ctx context.Context) health.Snapshot
}

// Orchestrator coordinates job admission, retry, and cancellation.
type Orchestrator struct {
	cfg     config.Orchestrator
	store   *jobs.Store
	queue   broker.Queue
	checker HealthChecker
	metrics *pipeline.Metrics
	logger  *slog.Logger
}

// New constructs an orchestrator. checker may be nil when fail-fast admission
// is disabled.
func New(cfg config.Orchestrator, store *jobs.Store, queue broker.Queue, checker HealthChecker, metrics *pipeline.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		checker: checker,
		metrics: metrics,
		logger:  logging.WithComponent(logger, "orchestrator"),
	}
}

// Enqueue admits a new processing job for the document. The job store's
// uniqueness constraint is the authority on the one-active-job rule; a
// concurrent duplicate surfaces as jobs.ErrAlreadyActive no matter which
// request wins the race.
func (o *Orchestrator) Enqueue(ctx context.Context, documentID, sourceRef string) (*jobs.Job, error) {
	if err := o.admit(ctx); err != nil {
		return nil, err
	}
	return o.createAndPush(ctx, documentID, sourceRef, 0)
}

// Retry admits a fresh job for a document whose most recent job failed.
// Fatal failures are permanent and each document has a bounded retry budget.
func (o *Orchestrator) Retry(ctx context.Context, documentID string) (*jobs.Job, error) {
	latest, err := o.store.LatestByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, jobs.ErrNotFound
	}
	if latest.Status.Active() {
		return nil, jobs.ErrAlreadyActive
	}
	if latest.Status != jobs.StatusFailed {
		return nil, fmt.Errorf("%w: last job %s %s", ErrNotRetryable, latest.ID, latest.Status)
	}
	if latest.ErrorKind == services.KindFatal {
		return nil, fmt.Errorf("%w: %s", ErrNotRetryable, latest.ErrorMessage)
	}
	if o.cfg.RetryLimit > 0 && latest.RetryCount >= o.cfg.RetryLimit {
		return nil, fmt.Errorf("%w: %d attempts", ErrRetryExhausted, latest.RetryCount+1)
	}

	if err := o.admit(ctx); err != nil {
		return nil, err
	}
	return o.createAndPush(ctx, documentID, latest.SourceRef, latest.RetryCount+1)
}

// Cancel requests cooperative cancellation of a job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("cancellation requested",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.String("status", string(job.Status)),
	)
	return job, nil
}

// admit applies fail-fast admission control when configured.
func (o *Orchestrator) admit(ctx context.Context) error {
	if !o.cfg.FailFast || o.checker == nil {
		return nil
	}
	snapshot := o.checker.Check(ctx)
	if snapshot.Overall == health.StatusUnhealthy {
		var down []string
		for name, result := range snapshot.Services {
			if !result.Optional && result.Status == health.StatusUnhealthy {
				down = append(down, name)
			}
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, down)
	}
	return nil
}

func (o *Orchestrator) createAndPush(ctx context.Context, documentID, sourceRef string, retryCount int) (*jobs.Job, error) {
	job, err := o.store.Create(ctx, documentID, sourceRef, retryCount)
	if err != nil {
		return nil, err
	}

	desc := broker.Descriptor{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		SourceRef:  job.SourceRef,
		Attempt:    retryCount,
	}
	if err := o.queue.Push(ctx, desc); err != nil {
		// The row exists but no worker will ever see it; fail it so the
		// document is not wedged behind a phantom active job.
		if _, failErr := o.store.UpdateStatus(ctx, job.ID, jobs.Update{
			Status:       jobs.StatusFailed,
			ErrorKind:    services.KindTransient,
			ErrorMessage: fmt.Sprintf("enqueue failed: %v", err),
		}); failErr != nil {
			o.logger.Error("failed to record enqueue failure",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(failErr),
			)
		}
		return nil, fmt.Errorf("push job to broker: %w", err)
	}

	o.metrics.JobsEnqueued.Inc()
	o.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.Int("retry_count", retryCount),
	)
	return job, nil
}
