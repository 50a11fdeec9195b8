// Package daemon wires the processing services together and enforces
// single-instance execution.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"docflow/internal/broker"
	"docflow/internal/config"
	"docflow/internal/dispatch"
	"docflow/internal/health"
	"docflow/internal/jobs"
	"docflow/internal/logging"
	"docflow/internal/notify"
	"docflow/internal/pipeline"
	"docflow/internal/services/graphstore"
	"docflow/internal/services/llm"
	"docflow/internal/services/vectorstore"
	"docflow/internal/stage"
	"docflow/internal/stages"
)

// Daemon owns the long-running services: the worker pool, the watchdog, the
// progress notifier, and the HTTP API.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *jobs.Store
	queue        broker.Queue
	notifier     *notify.Notifier
	registry     *prometheus.Registry
	metrics      *pipeline.Metrics
	aggregator   *health.Aggregator
	executor     *pipeline.Executor
	watchdog     *pipeline.Watchdog
	orchestrator *dispatch.Orchestrator

	vectors *vectorstore.Store
	graphs  *graphstore.Store

	api *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with all dependencies wired. External stores are
// only connected when their URLs are configured; the corresponding stages are
// skipped otherwise.
func New(ctx context.Context, cfg *config.Config, store *jobs.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    store,
		notifier: notify.New(logger),
		registry: registry,
		metrics:  pipeline.NewMetrics(registry),
		lockPath: filepath.Join(cfg.DataDir, "docflowd.lock"),
	}
	d.lock = flock.New(d.lockPath)

	queue, err := openQueue(cfg.Broker)
	if err != nil {
		return nil, err
	}
	d.queue = queue

	handlers, err := d.buildStages(ctx)
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	d.aggregator = health.New(logger, cfg.Health.ProbeTimeoutDuration(), d.probes()...)
	d.executor = pipeline.NewExecutor(cfg.Pipeline, store, queue, handlers, d.metrics, logger)
	d.watchdog = pipeline.NewWatchdog(cfg.Pipeline, store, d.metrics, logger)
	d.orchestrator = dispatch.New(cfg.Orchestrator, store, queue, d.aggregator, d.metrics, logger)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

func openQueue(cfg config.Broker) (broker.Queue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return broker.NewMemoryQueue(cfg.VisibilityTimeoutDuration()), nil
	}
	return broker.DialAMQP(cfg)
}

func (d *Daemon) buildStages(ctx context.Context) ([]stage.Handler, error) {
	handlers := []stage.Handler{
		stages.NewValidateStage(),
		stages.NewParseStage(d.cfg.StagingDir),
	}

	llmConfigured := strings.TrimSpace(d.cfg.LLM.APIKey) != "" || strings.TrimSpace(d.cfg.LLM.BaseURL) != ""
	if !llmConfigured {
		d.logger.Warn("llm not configured, extract/embed/graph stages disabled")
		return handlers, nil
	}
	client := llm.New(d.cfg.LLM)
	handlers = append(handlers, stages.NewExtractStage(client, d.cfg.StagingDir))

	if url := strings.TrimSpace(d.cfg.VectorStore.URL); url != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		vectors, err := vectorstore.Connect(connectCtx, url, d.cfg.LLM.EmbeddingDimension)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect vector store: %w", err)
		}
		d.vectors = vectors
		handlers = append(handlers, stages.NewEmbedStage(client, vectors, d.cfg.StagingDir))
	} else {
		d.logger.Warn("vector store not configured, embed stage disabled")
	}

	if url := strings.TrimSpace(d.cfg.GraphStore.URL); url != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		graphs, err := graphstore.Connect(connectCtx, url)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect graph store: %w", err)
		}
		d.graphs = graphs
		handlers = append(handlers, stages.NewGraphStage(client, graphs, d.cfg.StagingDir))
	} else {
		d.logger.Warn("graph store not configured, graph stage disabled")
	}

	return handlers, nil
}

func (d *Daemon) probes() []health.Probe {
	probes := []health.Probe{
		health.NewPingProbe("database", false, d.store),
		health.NewPingProbe("broker", false, d.queue),
	}
	if d.vectors != nil {
		probes = append(probes, health.NewPingProbe("vector_store", false, d.vectors))
	}
	if d.graphs != nil {
		probes = append(probes, health.NewPingProbe("graph_store", false, d.graphs))
	}
	if url := strings.TrimSpace(d.cfg.LLM.BaseURL); url != "" {
		probes = append(probes, health.NewEndpointProbe("llm", true, url, nil))
	}
	return probes
}

// Start acquires the instance lock and launches the worker pool, watchdog,
// and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is running (lock held at %s)", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.store.OnUpdate(func(job *jobs.Job) {
		d.notifier.Publish(notify.EventFromJob(job))
	})

	d.executor.Start(runCtx)
	go d.watchdog.Start(runCtx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("database", d.store.Path()),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop shuts the services down and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.executor.Wait()
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release instance lock failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close releases connections. Call after Stop.
func (d *Daemon) Close() error {
	var errs []error
	if d.queue != nil {
		if err := d.queue.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if d.vectors != nil {
		d.vectors.Close()
	}
	if d.graphs != nil {
		d.graphs.Close()
	}
	return errors.Join(errs...)
}

// Health runs the aggregate dependency check.
func (d *Daemon) Health(ctx context.Context) health.Snapshot {
	return d.aggregator.Check(ctx)
}

// Orchestrator exposes job admission for the API server and CLI.
func (d *Daemon) Orchestrator() *dispatch.Orchestrator {
	return d.orchestrator
}

// Store exposes the job store for read paths.
func (d *Daemon) Store() *jobs.Store {
	return d.store
}

// Notifier exposes the progress broadcaster.
func (d *Daemon) Notifier() *notify.Notifier {
	return d.notifier
}

// Running reports whether Start has completed without a matching Stop.
func (d *Daemon) Running() bool {
	return d.running.Load()
}
