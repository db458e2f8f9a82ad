package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oniwakaa/cubesync/internal/observability"
	"github.com/oniwakaa/cubesync/pkg/pathfilter"
	"github.com/oniwakaa/cubesync/pkg/registry"
	"github.com/oniwakaa/cubesync/pkg/watcher"
)

// largeDirThreshold is the entry count above which a directory gets an
// advisory log during a resync walk.
const largeDirThreshold = 5000

// ResyncSummary reports what a force-resync walk did.
type ResyncSummary struct {
	UserID    string        `json:"user_id"`
	ProjectID string        `json:"project_id"`
	Ingested  int           `json:"ingested"`
	Skipped   int           `json:"skipped"`
	Excluded  int           `json:"excluded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ForceResync walks the project tree and ingests every included file
// synchronously, bypassing the debounce pipeline. Used for initial
// sync and recovery after missed events. Fails outright when the
// project directory or its store cannot be produced.
func (c *Coordinator) ForceResync(ctx context.Context, userID, projectID string) (*ResyncSummary, error) {
	start := time.Now()
	logger := c.logger.With().
		Str("user_id", userID).
		Str("project_id", projectID).
		Logger()

	projectRoot := filepath.Join(c.workspacePath, projectID)
	info, err := os.Stat(projectRoot)
	if err != nil {
		observability.RecordResync(projectID, time.Since(start), false)
		return nil, fmt.Errorf("project directory: %w", err)
	}
	if !info.IsDir() {
		observability.RecordResync(projectID, time.Since(start), false)
		return nil, fmt.Errorf("project path %s is not a directory", projectRoot)
	}

	// Resolve the store up front so a broken backend fails the whole
	// run instead of failing per file.
	if _, err := c.registry.GetOrCreate(ctx, registry.Key{UserID: userID, ProjectID: projectID}); err != nil {
		observability.RecordResync(projectID, time.Since(start), false)
		return nil, fmt.Errorf("resolve store: %w", err)
	}
	observability.SetActiveStores(c.registry.Len())

	var engine *pathfilter.Engine
	if c.filters != nil {
		engine = c.filters.FilterFor(projectID)
	} else {
		engine = pathfilter.NewEngine(nil)
	}

	summary := &ResyncSummary{UserID: userID, ProjectID: projectID}
	err = filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(projectRoot, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if engine.Decide(rel, true).Excluded {
				return filepath.SkipDir
			}
			if entries, readErr := os.ReadDir(path); readErr == nil && len(entries) > largeDirThreshold {
				logger.Warn().
					Str("rel_path", rel).
					Int("entries", len(entries)).
					Msg("unusually large directory, consider an ignore rule")
			}
			return nil
		}

		if engine.Decide(rel, false).Excluded {
			summary.Excluded++
			return nil
		}

		ev := watcher.Event{
			Path:       path,
			RelPath:    rel,
			UserID:     userID,
			ProjectID:  projectID,
			Kind:       watcher.KindCreated,
			ObservedAt: time.Now(),
		}
		outcome, upsertErr := c.upsert(ctx, ev, logger)
		switch {
		case upsertErr != nil:
			summary.Failed++
			logger.Error().Err(upsertErr).Str("rel_path", rel).Msg("resync ingest failed")
		case outcome == outcomeAdded:
			summary.Ingested++
		default:
			summary.Skipped++
		}
		return nil
	})
	summary.Duration = time.Since(start)

	if err != nil {
		observability.RecordResync(projectID, summary.Duration, false)
		observability.RecordResyncAudit(userID, projectID, "failure",
			map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("walk project tree: %w", err)
	}

	if rate, ok := engine.InclusionRate(); ok && engine.LowInclusion() {
		logger.Warn().
			Float64("inclusion_rate", rate).
			Msg("fewer than 10% of observed paths are included, check the ignore rules")
	}

	logger.Info().
		Int("ingested", summary.Ingested).
		Int("skipped", summary.Skipped).
		Int("excluded", summary.Excluded).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("resync complete")
	observability.RecordResync(projectID, summary.Duration, true)
	observability.RecordResyncAudit(userID, projectID, "success", map[string]interface{}{
		"ingested": summary.Ingested,
		"skipped":  summary.Skipped,
		"excluded": summary.Excluded,
	})
	return summary, nil
}

// ResyncAll resyncs every top-level project directory under the
// workspace for userID.
func (c *Coordinator) ResyncAll(ctx context.Context, userID string) ([]*ResyncSummary, error) {
	entries, err := os.ReadDir(c.workspacePath)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}

	var summaries []*ResyncSummary
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		summary, err := c.ForceResync(ctx, userID, entry.Name())
		if err != nil {
			return summaries, fmt.Errorf("resync %s: %w", entry.Name(), err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
