// Package ingest applies debounced change events to the memory cubes
// backing each (user, project) pair.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/oniwakaa/cubesync/internal/observability"
	"github.com/oniwakaa/cubesync/pkg/cube"
	"github.com/oniwakaa/cubesync/pkg/pathfilter"
	"github.com/oniwakaa/cubesync/pkg/registry"
	"github.com/oniwakaa/cubesync/pkg/watcher"
)

const (
	// DefaultMaxFileSize caps the content read per file.
	DefaultMaxFileSize = 10 * 1024 * 1024

	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// FilterProvider yields the filter engine for a project, so the
// coordinator re-checks exclusion with the same rules the watcher
// applied.
type FilterProvider interface {
	FilterFor(projectID string) *pathfilter.Engine
}

// Config holds configuration for the coordinator
type Config struct {
	Registry      *registry.Registry
	Filters       FilterProvider
	WorkspacePath string
	MaxFileSize   int64
	Workers       int
	QueueSize     int
}

// Coordinator consumes change events through a worker pool. Enqueue
// never blocks the caller: a full queue drops the event with an error
// log instead of stalling the watcher's dispatch path.
type Coordinator struct {
	registry      *registry.Registry
	filters       FilterProvider
	workspacePath string
	maxFileSize   int64
	workers       int
	logger        zerolog.Logger

	queue    chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type job struct {
	id    string
	event watcher.Event
}

// New creates a coordinator. Workers are not started until Start.
func New(config Config, logger zerolog.Logger) *Coordinator {
	if config.MaxFileSize == 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if config.Workers == 0 {
		config.Workers = defaultWorkers
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaultQueueSize
	}

	return &Coordinator{
		registry:      config.Registry,
		filters:       config.Filters,
		workspacePath: filepath.Clean(config.WorkspacePath),
		maxFileSize:   config.MaxFileSize,
		workers:       config.Workers,
		logger:        logger.With().Str("component", "ingest").Logger(),
		queue:         make(chan job, config.QueueSize),
	}
}

// SetFilters installs the filter provider. Used when the provider is
// the watcher itself, which is constructed after the coordinator.
// Call before Start.
func (c *Coordinator) SetFilters(filters FilterProvider) {
	c.filters = filters
}

// Start launches the worker pool. Workers exit when ctx is cancelled
// or Stop closes the queue.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.logger.Info().Int("workers", c.workers).Msg("ingestion workers started")
}

// Stop drains the queue and waits for in-flight work to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.queue)
	})
	c.wg.Wait()
	c.logger.Info().Msg("ingestion workers stopped")
}

// Handle enqueues one change event. Safe to call from the watcher's
// debounce callbacks.
func (c *Coordinator) Handle(ev watcher.Event) {
	j := job{id: newJobID(), event: ev}
	select {
	case c.queue <- j:
		observability.SetQueueDepth(len(c.queue))
	default:
		observability.RecordEventDropped("queue_full")
		c.logger.Error().
			Str("path", ev.Path).
			Str("kind", string(ev.Kind)).
			Msg("ingestion queue full, event dropped")
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case j, ok := <-c.queue:
			if !ok {
				return
			}
			observability.SetQueueDepth(len(c.queue))
			c.process(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	ev := j.event
	logger := c.logger.With().
		Str("job_id", j.id).
		Str("user_id", ev.UserID).
		Str("project_id", ev.ProjectID).
		Str("rel_path", ev.RelPath).
		Logger()

	// Rules may have changed between debounce arm and fire, so the
	// decision is made again here.
	if c.filters != nil {
		if d := c.filters.FilterFor(ev.ProjectID).Decide(ev.RelPath, false); d.Excluded {
			observability.RecordFileSkipped(string(d.Reason))
			logger.Debug().Str("reason", string(d.Reason)).Msg("path excluded at ingest time")
			return
		}
	}

	start := time.Now()
	var err error
	switch ev.Kind {
	case watcher.KindDeleted:
		err = c.remove(ctx, ev, logger)
	default:
		_, err = c.upsert(ctx, ev, logger)
	}
	observability.RecordIngest(string(ev.Kind), time.Since(start), err == nil)

	if err != nil {
		logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("ingestion failed")
		observability.RecordIngestAudit(ev.UserID, ev.ProjectID, string(ev.Kind), "failure",
			map[string]interface{}{"rel_path": ev.RelPath, "error": err.Error()})
	}
}

// upsert outcomes
const (
	outcomeAdded     = "added"
	outcomeMissing   = "missing"
	outcomeEmpty     = "empty"
	outcomeOversized = "oversized"
	outcomeDirectory = "directory"
)

// upsert reads the file and stores it. Files that vanished, are
// empty, or exceed the size cap are skipped with a logged reason.
func (c *Coordinator) upsert(ctx context.Context, ev watcher.Event, logger zerolog.Logger) (string, error) {
	info, err := os.Stat(ev.Path)
	if err != nil {
		if os.IsNotExist(err) {
			observability.RecordFileSkipped(outcomeMissing)
			logger.Debug().Msg("file gone before ingestion, skipping")
			return outcomeMissing, nil
		}
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		observability.RecordFileSkipped(outcomeDirectory)
		return outcomeDirectory, nil
	}
	if info.Size() == 0 {
		observability.RecordFileSkipped(outcomeEmpty)
		logger.Debug().Msg("empty file, skipping")
		return outcomeEmpty, nil
	}
	if info.Size() > c.maxFileSize {
		observability.RecordFileSkipped(outcomeOversized)
		logger.Warn().
			Int64("size", info.Size()).
			Int64("limit", c.maxFileSize).
			Msg("file exceeds size limit, skipping")
		return outcomeOversized, nil
	}

	content, err := os.ReadFile(ev.Path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	h, err := c.registry.GetOrCreate(ctx, registry.Key{UserID: ev.UserID, ProjectID: ev.ProjectID})
	if err != nil {
		return "", err
	}
	observability.SetActiveStores(c.registry.Len())

	rec := cube.Record{
		RelPath:   ev.RelPath,
		Project:   ev.ProjectID,
		Content:   string(content),
		ModTime:   info.ModTime(),
		Size:      info.Size(),
		Extension: filepath.Ext(ev.RelPath),
	}
	if err := h.Cube.Add(ctx, rec); err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}

	logger.Info().Int64("size", info.Size()).Msg("file ingested")
	observability.RecordIngestAudit(ev.UserID, ev.ProjectID, "record_added", "success",
		map[string]interface{}{"rel_path": ev.RelPath, "size": info.Size()})
	return outcomeAdded, nil
}

// remove is best-effort: a pair with no store, or a path with no
// record, degrades to a logged no-op.
func (c *Coordinator) remove(ctx context.Context, ev watcher.Event, logger zerolog.Logger) error {
	h, ok := c.registry.Get(registry.Key{UserID: ev.UserID, ProjectID: ev.ProjectID})
	if !ok {
		logger.Debug().Msg("delete for pair with no store, nothing to remove")
		return nil
	}

	removed, err := h.Cube.Remove(ctx, ev.RelPath)
	if err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	if removed == 0 {
		logger.Debug().Msg("delete matched no records")
		return nil
	}

	logger.Info().Int("removed", removed).Msg("records removed")
	observability.RecordIngestAudit(ev.UserID, ev.ProjectID, "record_removed", "success",
		map[string]interface{}{"rel_path": ev.RelPath, "removed": removed})
	return nil
}

func newJobID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return id
}
