package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"docflow/internal/broker"
	"docflow/internal/config"
	"docflow/internal/jobs"
	"docflow/internal/pipeline"
	"docflow/internal/services"
	"docflow/internal/stage"
	"docflow/internal/testsupport"
)

type fakeStage struct {
	name string

	mu    sync.Mutex
	calls int
	run   func(call int, ctx context.Context, exec *stage.Execution) error
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(ctx context.Context, exec *stage.Execution) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.run == nil {
		return nil
	}
	return f.run(call, ctx, exec)
}

func (f *fakeStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(f.name)
}

func (f *fakeStage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type executorHarness struct {
	store    *jobs.Store
	queue    *broker.MemoryQueue
	executor *pipeline.Executor
	cancel   context.CancelFunc
}

func newExecutorHarness(t *testing.T, cfg *config.Config, handlers ...stage.Handler) *executorHarness {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	queue := broker.NewMemoryQueue(0)
	t.Cleanup(func() { _ = queue.Close() })

	metrics := pipeline.NewMetrics(prometheus.NewRegistry())
	executor := pipeline.NewExecutor(cfg.Pipeline, store, queue, handlers, metrics, testsupport.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	executor.Start(ctx)
	t.Cleanup(func() {
		cancel()
		executor.Wait()
	})
	return &executorHarness{store: store, queue: queue, executor: executor, cancel: cancel}
}

func (h *executorHarness) enqueue(t *testing.T, job *jobs.Job) {
	t.Helper()
	err := h.queue.Push(context.Background(), broker.Descriptor{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		SourceRef:  job.SourceRef,
		Attempt:    job.RetryCount,
	})
	if err != nil {
		t.Fatalf("push descriptor: %v", err)
	}
}

func waitForStatus(t *testing.T, store *jobs.Store, jobID string, want jobs.Status) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last seen %#v", jobID, want, job)
	return nil
}

func TestExecutorRunsAllStagesToCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	s1 := &fakeStage{name: "validate"}
	s2 := &fakeStage{name: "parse"}
	s3 := &fakeStage{name: "embed"}
	h := newExecutorHarness(t, cfg, s1, s2, s3)

	job, err := h.store.Create(context.Background(), "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	done := waitForStatus(t, h.store, job.ID, jobs.StatusCompleted)
	if done.Progress != 100 {
		t.Fatalf("expected 100%% progress, got %d", done.Progress)
	}
	if done.CurrentStage != "embed" {
		t.Fatalf("expected final stage label, got %q", done.CurrentStage)
	}
	for _, s := range []*fakeStage{s1, s2, s3} {
		if s.callCount() != 1 {
			t.Fatalf("stage %s ran %d times, expected 1", s.name, s.callCount())
		}
	}
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.StageRetryLimit = 3

	flaky := &fakeStage{name: "extract"}
	flaky.run = func(call int, ctx context.Context, exec *stage.Execution) error {
		if call < 3 {
			return services.Wrap(services.ErrTransient, "extract", "call", "temporary", nil)
		}
		return nil
	}
	h := newExecutorHarness(t, cfg, &fakeStage{name: "validate"}, flaky)

	job, err := h.store.Create(context.Background(), "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	waitForStatus(t, h.store, job.ID, jobs.StatusCompleted)
	if flaky.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.callCount())
	}
}

func TestExecutorExhaustedRetriesFailTransient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.StageRetryLimit = 2

	broken := &fakeStage{name: "embed"}
	broken.run = func(int, context.Context, *stage.Execution) error {
		return services.Wrap(services.ErrTransient, "embed", "store", "still down", nil)
	}
	h := newExecutorHarness(t, cfg, broken)

	job, err := h.store.Create(context.Background(), "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	failed := waitForStatus(t, h.store, job.ID, jobs.StatusFailed)
	if failed.ErrorKind != services.KindTransient {
		t.Fatalf("expected transient kind, got %s", failed.ErrorKind)
	}
	if broken.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", broken.callCount())
	}
}

func TestExecutorFatalErrorFreezesProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	s1 := &fakeStage{name: "validate"}
	s2 := &fakeStage{name: "parse"}
	s2.run = func(int, context.Context, *stage.Execution) error {
		return services.Wrap(services.ErrUnsupported, "parse", "check format", "unsupported format", nil)
	}
	s3 := &fakeStage{name: "embed"}
	h := newExecutorHarness(t, cfg, s1, s2, s3)

	job, err := h.store.Create(context.Background(), "doc-1", "a.bin", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	failed := waitForStatus(t, h.store, job.ID, jobs.StatusFailed)
	if failed.ErrorKind != services.KindFatal {
		t.Fatalf("expected fatal kind, got %s", failed.ErrorKind)
	}
	// One of three stages completed before the failure.
	if failed.Progress != 33 {
		t.Fatalf("expected progress frozen at 33, got %d", failed.Progress)
	}
	if failed.CurrentStage != "parse" {
		t.Fatalf("expected failing stage recorded, got %q", failed.CurrentStage)
	}
	if s2.callCount() != 1 {
		t.Fatalf("fatal failure must not retry, got %d attempts", s2.callCount())
	}
	if s3.callCount() != 0 {
		t.Fatalf("later stage must not run after failure, got %d calls", s3.callCount())
	}
}

func TestExecutorCancelBetweenStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	var h *executorHarness
	s1 := &fakeStage{name: "validate"}
	s1.run = func(call int, ctx context.Context, exec *stage.Execution) error {
		if _, err := h.store.RequestCancel(ctx, exec.JobID); err != nil {
			return err
		}
		return nil
	}
	s2 := &fakeStage{name: "parse"}
	h = newExecutorHarness(t, cfg, s1, s2)

	job, err := h.store.Create(context.Background(), "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	failed := waitForStatus(t, h.store, job.ID, jobs.StatusFailed)
	if failed.ErrorKind != services.KindCancelled {
		t.Fatalf("expected cancelled kind, got %s", failed.ErrorKind)
	}
	if s2.callCount() != 0 {
		t.Fatal("stage after cancellation must not run")
	}
}

func TestExecutorResumesFromCurrentStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	s1 := &fakeStage{name: "validate"}
	s2 := &fakeStage{name: "parse"}
	s3 := &fakeStage{name: "embed"}
	h := newExecutorHarness(t, cfg, s1, s2, s3)

	ctx := context.Background()
	job, err := h.store.Create(ctx, "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Simulate a worker that crashed mid-parse: the job store says parse was
	// underway when the delivery comes back around.
	if _, err := h.store.UpdateStatus(ctx, job.ID, jobs.Update{
		Status:       jobs.StatusProcessing,
		Progress:     33,
		CurrentStage: "parse",
	}); err != nil {
		t.Fatalf("simulate crash state failed: %v", err)
	}

	h.enqueue(t, job)

	waitForStatus(t, h.store, job.ID, jobs.StatusCompleted)
	if s1.callCount() != 0 {
		t.Fatalf("completed stage must not re-run, validate ran %d times", s1.callCount())
	}
	if s2.callCount() != 1 || s3.callCount() != 1 {
		t.Fatalf("expected parse and embed to run once, got %d and %d", s2.callCount(), s3.callCount())
	}
}

func TestExecutorDiscardsTerminalDelivery(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	s1 := &fakeStage{name: "validate"}
	h := newExecutorHarness(t, cfg, s1)

	ctx := context.Background()
	job, err := h.store.Create(ctx, "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.store.UpdateStatus(ctx, job.ID, jobs.Update{Status: jobs.StatusCompleted}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	h.enqueue(t, job)

	// Give the worker a moment to consume and discard.
	deadline := time.Now().Add(2 * time.Second)
	for h.queue.Depth() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if s1.callCount() != 0 {
		t.Fatalf("terminal job must not be reprocessed, stage ran %d times", s1.callCount())
	}
}

func TestExecutorStageTimeoutIsTransient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.StageTimeout = 1
	cfg.Pipeline.StageRetryLimit = 1

	slow := &fakeStage{name: "extract"}
	slow.run = func(_ int, ctx context.Context, _ *stage.Execution) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}
	h := newExecutorHarness(t, cfg, slow)

	job, err := h.store.Create(context.Background(), "doc-1", "a.pdf", 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.enqueue(t, job)

	failed := waitForStatus(t, h.store, job.ID, jobs.StatusFailed)
	if failed.ErrorKind != services.KindTransient {
		t.Fatalf("expected deadline to classify transient, got %s", failed.ErrorKind)
	}
}
