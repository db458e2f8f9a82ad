package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oniwakaa/cubesync/internal/config"
	"github.com/oniwakaa/cubesync/internal/daemon"
	"github.com/oniwakaa/cubesync/internal/logger"
)

var (
	startWorkspace string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cubesync daemon",
	Long: `Start the cubesync daemon in the foreground.
The daemon watches the workspace and keeps the per-project memory
cubes in sync until interrupted.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startWorkspace, "workspace", "", "workspace path override")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if startWorkspace != "" {
		cfg.WorkspacePath = startWorkspace
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return nil
}

// newLogger builds the logger from config with the --log-level flag
// taking precedence.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	logCfg := logger.Config{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		Console:  true,
		Pretty:   true,
		MaxSize:  cfg.Logging.MaxSize,
		MaxAge:   cfg.Logging.MaxAge,
		Compress: cfg.Logging.Compress,
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	return logger.New(logCfg)
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cubesync.pid"
	}
	return filepath.Join(home, ".cubesync", "cubesync.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so probe with signal 0
	return process.Signal(syscall.Signal(0)) == nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}
