package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/broker"
	"docflow/internal/config"
	"docflow/internal/jobs"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// Executor owns the worker pool. Workers pull deliveries from the broker,
// resume each job from its persisted current stage, and run the remaining
// stages in order.
type Executor struct {
	cfg      config.Pipeline
	store    *jobs.Store
	queue    broker.Queue
	handlers []stage.Handler
	retry    stage.RetryPolicy
	metrics  *Metrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewExecutor builds an executor over the given stage order.
func NewExecutor(cfg config.Pipeline, store *jobs.Store, queue broker.Queue, handlers []stage.Handler, metrics *Metrics, logger *slog.Logger) *Executor {
	retry := stage.RetryPolicy{
		MaxAttempts: cfg.StageRetryLimit,
		BackoffBase: cfg.RetryBackoffBaseDuration(),
		BackoffCap:  cfg.RetryBackoffCapDuration(),
		Jitter:      0.2,
	}
	if retry.MaxAttempts <= 0 {
		retry = stage.DefaultRetryPolicy()
	}
	return &Executor{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		handlers: handlers,
		retry:    retry,
		metrics:  metrics,
		logger:   logging.WithComponent(logger, "executor"),
	}
}

// Handlers exposes the stage list for health wiring.
func (e *Executor) Handlers() []stage.Handler {
	return e.handlers
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue closes; Wait blocks until all of them have drained.
func (e *Executor) Start(ctx context.Context) {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	e.logger.Info("starting workers", logging.Int("count", workers))
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.workerLoop(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, id int) {
	logger := e.logger.With(logging.Int("worker", id))
	for {
		delivery, err := e.queue.Pull(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
				return
			}
			logger.Error("pull failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		e.metrics.ActiveWorkers.Inc()
		e.process(ctx, logger, delivery)
		e.metrics.ActiveWorkers.Dec()
	}
}

// process drives one delivery to an ack or nack. The job store is the source
// of truth throughout: a redelivered descriptor whose job already finished is
// acked without work, and a crashed worker's delivery is replayed from the
// job's persisted current stage.
func (e *Executor) process(ctx context.Context, logger *slog.Logger, delivery *broker.Delivery) {
	jobCtx := logging.WithJob(ctx, delivery.JobID, delivery.DocumentID)
	log := logger.With(
		logging.String(logging.FieldJobID, delivery.JobID),
		logging.String(logging.FieldDocumentID, delivery.DocumentID),
	)

	job, err := e.store.GetByID(jobCtx, delivery.JobID)
	if err != nil {
		log.Error("load job failed", logging.Error(err))
		_ = delivery.Nack(true)
		return
	}
	if job == nil {
		log.Warn("delivery references unknown job, discarding")
		_ = delivery.Ack()
		return
	}
	if job.Status.Terminal() {
		log.Debug("job already terminal, discarding delivery",
			logging.String("status", string(job.Status)))
		_ = delivery.Ack()
		return
	}

	startIndex := e.resumeIndex(job)

	if _, err := e.store.UpdateStatus(jobCtx, job.ID, jobs.Update{
		Status:       jobs.StatusProcessing,
		Progress:     job.Progress,
		CurrentStage: e.handlers[startIndex].Name(),
	}); err != nil {
		if errors.Is(err, jobs.ErrTerminal) || errors.Is(err, jobs.ErrNotFound) {
			_ = delivery.Ack()
			return
		}
		log.Error("mark processing failed", logging.Error(err))
		_ = delivery.Nack(true)
		return
	}

	stopHeartbeat := e.startHeartbeat(jobCtx, job.ID)
	defer stopHeartbeat()

	total := len(e.handlers)
	for i := startIndex; i < total; i++ {
		handler := e.handlers[i]
		stageCtx := logging.WithStage(jobCtx, handler.Name())
		stageLog := log.With(logging.String(logging.FieldStage, handler.Name()))

		cancelled, err := e.store.CancelRequested(stageCtx, job.ID)
		if err != nil {
			stageLog.Error("cancel check failed", logging.Error(err))
		}
		if cancelled {
			e.finishFailed(stageCtx, stageLog, job.ID, handler.Name(), i*100/total,
				services.KindCancelled, "cancelled by request")
			_ = delivery.Ack()
			return
		}

		if _, err := e.store.UpdateStatus(stageCtx, job.ID, jobs.Update{
			Status:       jobs.StatusProcessing,
			Progress:     i * 100 / total,
			CurrentStage: handler.Name(),
		}); err != nil {
			if errors.Is(err, jobs.ErrTerminal) {
				_ = delivery.Ack()
				return
			}
			stageLog.Error("record stage start failed", logging.Error(err))
			_ = delivery.Nack(true)
			return
		}

		exec := stage.NewExecution(job.ID, job.DocumentID, job.SourceRef, delivery.Attempt, stageLog)
		runErr := e.runStage(stageCtx, stageLog, handler, exec)
		if runErr != nil {
			kind := services.KindOf(runErr)
			e.finishFailed(stageCtx, stageLog, job.ID, handler.Name(), i*100/total,
				kind, services.Message(runErr))
			_ = delivery.Ack()
			return
		}

		progress := (i + 1) * 100 / total
		status := jobs.StatusProcessing
		if i == total-1 {
			status = jobs.StatusCompleted
		}
		if _, err := e.store.UpdateStatus(stageCtx, job.ID, jobs.Update{
			Status:       status,
			Progress:     progress,
			CurrentStage: handler.Name(),
		}); err != nil {
			if errors.Is(err, jobs.ErrTerminal) {
				_ = delivery.Ack()
				return
			}
			stageLog.Error("record stage completion failed", logging.Error(err))
			_ = delivery.Nack(true)
			return
		}
	}

	e.metrics.JobsFinished.WithLabelValues(string(jobs.StatusCompleted), "").Inc()
	log.Info("job completed")
	_ = delivery.Ack()
}

// resumeIndex maps the job's persisted current stage back to its position in
// the stage order. The interrupted stage is re-run in full; earlier stages
// are skipped.
func (e *Executor) resumeIndex(job *jobs.Job) int {
	if job.CurrentStage == "" {
		return 0
	}
	for i, handler := range e.handlers {
		if handler.Name() == job.CurrentStage {
			return i
		}
	}
	return 0
}

// runStage executes one handler with the per-stage timeout, retrying
// transient failures up to the policy ceiling with exponential backoff.
func (e *Executor) runStage(ctx context.Context, logger *slog.Logger, handler stage.Handler, exec *stage.Execution) error {
	var lastErr error
	maxAttempts := e.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.retry.Delay(attempt - 1)
			logger.Warn("retrying stage",
				logging.Int("attempt", attempt),
				logging.Duration("backoff", delay),
				logging.Error(lastErr),
			)
			e.metrics.StageRetries.WithLabelValues(handler.Name()).Inc()
			select {
			case <-ctx.Done():
				return services.Wrap(services.ErrCancelled, handler.Name(), "retry wait", "", ctx.Err())
			case <-time.After(delay):
			}
		}

		start := time.Now()
		lastErr = e.runAttempt(ctx, handler, exec)
		e.metrics.StageDuration.WithLabelValues(handler.Name()).Observe(time.Since(start).Seconds())

		if lastErr == nil {
			return nil
		}
		if !services.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (e *Executor) runAttempt(ctx context.Context, handler stage.Handler, exec *stage.Execution) error {
	attemptCtx := ctx
	if timeout := e.cfg.StageTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handler.Run(attemptCtx, exec)
}

func (e *Executor) finishFailed(ctx context.Context, logger *slog.Logger, jobID, stageName string, progress int, kind services.Kind, message string) {
	_, err := e.store.UpdateStatus(ctx, jobID, jobs.Update{
		Status:       jobs.StatusFailed,
		Progress:     progress,
		CurrentStage: stageName,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
	if err != nil && !errors.Is(err, jobs.ErrTerminal) {
		logger.Error("record failure failed", logging.Error(err))
		return
	}
	e.metrics.JobsFinished.WithLabelValues(string(jobs.StatusFailed), string(kind)).Inc()
	logger.Warn("job failed",
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.String("error_message", message),
	)
}

// startHeartbeat refreshes the job's liveness timestamp until the returned
// stop function is called.
func (e *Executor) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := e.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 15 * time.Second
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.UpdateHeartbeat(ctx, jobID); err != nil {
					e.logger.Warn("heartbeat update failed",
						logging.String(logging.FieldJobID, jobID),
						logging.Error(err),
					)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
