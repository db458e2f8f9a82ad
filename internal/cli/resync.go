package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oniwakaa/cubesync/internal/config"
	"github.com/oniwakaa/cubesync/internal/logger"
	"github.com/oniwakaa/cubesync/pkg/cube"
	"github.com/oniwakaa/cubesync/pkg/ingest"
	"github.com/oniwakaa/cubesync/pkg/registry"
)

var resyncCmd = &cobra.Command{
	Use:   "resync [project]",
	Short: "Force a full resync of one or all projects",
	Long: `Walk a project tree and ingest every included file, bypassing the
debounce pipeline. Without an argument every project directory in the
workspace is resynced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResync,
}

func init() {
	rootCmd.AddCommand(resyncCmd)
}

func runResync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	coordinator, reg := newPipeline(cfg, log)
	defer reg.Close()

	ctx := context.Background()
	var summaries []*ingest.ResyncSummary
	if len(args) == 1 {
		summary, err := coordinator.ForceResync(ctx, cfg.User.ID, args[0])
		if err != nil {
			return err
		}
		summaries = append(summaries, summary)
	} else {
		summaries, err = coordinator.ResyncAll(ctx, cfg.User.ID)
		if err != nil {
			return err
		}
	}

	for _, s := range summaries {
		fmt.Printf("%s: %d ingested, %d skipped, %d excluded, %d failed (%s)\n",
			s.ProjectID, s.Ingested, s.Skipped, s.Excluded, s.Failed, s.Duration.Round(1e6))
	}
	return nil
}

// newPipeline builds the one-shot ingestion stack used by resync and
// cleanup, without a watcher.
func newPipeline(cfg *config.Config, log *logger.Logger) (*ingest.Coordinator, *registry.Registry) {
	var embedder cube.Embedder
	if cfg.Embedding.Enabled() {
		embedder = cube.NewOpenAIEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	}

	store := cube.NewSQLiteStore(embedder, log.Zerolog())
	reg := registry.New(store, cfg.CubeDataDir(), log.Zerolog())
	coordinator := ingest.New(ingest.Config{
		Registry:      reg,
		WorkspacePath: cfg.WorkspacePath,
		MaxFileSize:   cfg.Ingest.MaxFileSize,
	}, log.Zerolog())
	return coordinator, reg
}
