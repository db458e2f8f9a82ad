package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oniwakaa/cubesync/internal/config"
	"github.com/oniwakaa/cubesync/pkg/registry"
)

var (
	cleanupPurge bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <project>",
	Short: "Remove the memory cube for a project",
	Long: `Deregister the memory cube for a project. With --purge the backing
storage is deleted as well. A project with no cube is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupPurge, "purge", false, "delete the cube's backing storage")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	projectID := args[0]
	key := registry.Key{UserID: cfg.User.ID, ProjectID: projectID}

	_, reg := newPipeline(cfg, log)
	defer reg.Close()

	location := reg.Location(key)
	if _, err := os.Stat(location); os.IsNotExist(err) {
		fmt.Printf("No cube found for project %q, nothing to clean up\n", projectID)
		return nil
	}

	if !cleanupPurge {
		fmt.Printf("Cube for project %q lives at %s (use --purge to delete it)\n", projectID, location)
		return nil
	}

	// Open the cube so cleanup can release it properly.
	if _, err := reg.GetOrCreate(context.Background(), key); err != nil {
		return fmt.Errorf("open cube: %w", err)
	}
	if err := reg.Cleanup(key, true); err != nil {
		return err
	}

	fmt.Printf("Cube for project %q removed\n", projectID)
	return nil
}
