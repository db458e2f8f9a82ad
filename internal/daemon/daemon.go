// Package daemon wires the sync pipeline together: watcher events
// flow into the ingestion coordinator, which files records into the
// per-project cubes tracked by the registry.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oniwakaa/cubesync/internal/config"
	"github.com/oniwakaa/cubesync/internal/logger"
	"github.com/oniwakaa/cubesync/internal/observability"
	"github.com/oniwakaa/cubesync/pkg/cube"
	"github.com/oniwakaa/cubesync/pkg/ingest"
	"github.com/oniwakaa/cubesync/pkg/registry"
	"github.com/oniwakaa/cubesync/pkg/watcher"
)

// Daemon represents the cubesync daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store       cube.Store
	registry    *registry.Registry
	watcher     *watcher.Watcher
	coordinator *ingest.Coordinator
	scheduler   *ingest.Scheduler

	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status reports the daemon state
type Status struct {
	Running   bool           `json:"running"`
	StartTime time.Time      `json:"start_time,omitempty"`
	Uptime    time.Duration  `json:"uptime,omitempty"`
	Watcher   watcher.Status `json:"watcher"`
	Stores    int            `json:"stores"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	var embedder cube.Embedder
	if d.config.Embedding.Enabled() {
		embedder = cube.NewOpenAIEmbedder(
			d.config.Embedding.BaseURL,
			d.config.Embedding.APIKey,
			d.config.Embedding.Model,
		)
		d.logger.Info().Str("model", d.config.Embedding.Model).Msg("Embedding provider configured")
	}

	d.store = cube.NewSQLiteStore(embedder, d.logger.Zerolog())
	d.registry = registry.New(d.store, d.config.CubeDataDir(), d.logger.Zerolog())
	d.logger.Info().Msg("Store registry initialized")

	d.coordinator = ingest.New(ingest.Config{
		Registry:      d.registry,
		WorkspacePath: d.config.WorkspacePath,
		MaxFileSize:   d.config.Ingest.MaxFileSize,
		Workers:       d.config.Ingest.Workers,
		QueueSize:     d.config.Ingest.QueueSize,
	}, d.logger.Zerolog())

	w, err := watcher.New(watcher.Config{
		WorkspacePath: d.config.WorkspacePath,
		Debounce:      d.config.Watcher.Debounce(),
		IgnoreFile:    d.config.Watcher.IgnoreFile,
		ResolveUser:   d.userResolver(),
		OnEvent:       d.coordinator.Handle,
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	d.watcher = w
	d.coordinator.SetFilters(w)
	d.logger.Info().Msg("Change watcher initialized")

	if d.config.Resync.Enabled {
		scheduler, err := ingest.NewScheduler(d.coordinator, d.config.User.ID, d.config.Resync.Schedule, d.logger.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create resync scheduler: %w", err)
		}
		d.scheduler = scheduler
		d.logger.Info().Str("schedule", d.config.Resync.Schedule).Msg("Resync scheduler initialized")
	}

	return nil
}

func (d *Daemon) userResolver() watcher.UserIDResolver {
	userID := d.config.User.ID
	return func(string) string { return userID }
}

// Start starts the pipeline
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting cubesync daemon")

	d.coordinator.Start(d.ctx)

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if d.config.Resync.OnStartup {
		go d.startupResync()
	}

	if d.scheduler != nil {
		d.scheduler.Start()
	}

	if d.config.Metrics.Enabled {
		d.startMetricsServer()
	}

	d.logger.Info().Str("workspace", d.config.WorkspacePath).Msg("Daemon started")
	return nil
}

// startupResync seeds the cubes from the current workspace state so
// files changed while the daemon was down are not lost.
func (d *Daemon) startupResync() {
	summaries, err := d.coordinator.ResyncAll(d.ctx, d.config.User.ID)
	if err != nil {
		d.logger.Error().Err(err).Msg("Startup resync failed")
		return
	}
	var total int
	for _, s := range summaries {
		total += s.Ingested
	}
	d.logger.Info().
		Int("projects", len(summaries)).
		Int("ingested", total).
		Msg("Startup resync complete")
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())

	d.metricsServer = &http.Server{
		Addr:    d.config.Metrics.Addr,
		Handler: mux,
	}
	go func() {
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	d.logger.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics server started")
}

// Stop stops the pipeline, draining in-flight ingestion work.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping cubesync daemon")

	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	if err := d.watcher.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop watcher")
	}

	d.coordinator.Stop()
	d.cancel()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	if err := d.registry.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close store registry")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	d.logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Watcher: d.watcher.Status(),
		Stores:  d.registry.Len(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Resync runs a force-resync for one project.
func (d *Daemon) Resync(ctx context.Context, projectID string) (*ingest.ResyncSummary, error) {
	return d.coordinator.ForceResync(ctx, d.config.User.ID, projectID)
}

// Cleanup removes the store for a project. With destroy the backing
// data is deleted.
func (d *Daemon) Cleanup(projectID string, destroy bool) error {
	return d.registry.Cleanup(registry.Key{UserID: d.config.User.ID, ProjectID: projectID}, destroy)
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the store registry
func (d *Daemon) GetRegistry() *registry.Registry {
	return d.registry
}

// Logger returns a child logger scoped to a component
func (d *Daemon) Logger(component string) zerolog.Logger {
	return d.logger.With().Str("component", component).Logger()
}
