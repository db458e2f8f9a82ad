package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the main cubesync configuration
type Config struct {
	// Workspace path holding one project directory per project
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory for cube storage and runtime files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Watcher
	Watcher WatcherConfig `json:"watcher" mapstructure:"watcher"`

	// Ingestion
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`

	// Resync
	Resync ResyncConfig `json:"resync" mapstructure:"resync"`

	// User identity
	User UserConfig `json:"user" mapstructure:"user"`

	// Embedding provider, optional
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// WatcherConfig holds filesystem watcher configuration
type WatcherConfig struct {
	DebounceMs int    `json:"debounce_ms" mapstructure:"debounce_ms"`
	IgnoreFile string `json:"ignore_file" mapstructure:"ignore_file"`
}

// Debounce returns the debounce window as a duration
func (c WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// IngestConfig holds ingestion pipeline configuration
type IngestConfig struct {
	MaxFileSize int64 `json:"max_file_size" mapstructure:"max_file_size"` // bytes
	Workers     int   `json:"workers" mapstructure:"workers"`
	QueueSize   int   `json:"queue_size" mapstructure:"queue_size"`
}

// ResyncConfig holds periodic resync configuration
type ResyncConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Schedule  string `json:"schedule" mapstructure:"schedule"` // five-field cron expression
	OnStartup bool   `json:"on_startup" mapstructure:"on_startup"`
}

// UserConfig holds user identity resolution configuration
type UserConfig struct {
	// Strategy is "fixed" (every path belongs to ID) or "env"
	// (read from CUBESYNC_USER at startup, falling back to ID).
	Strategy string `json:"strategy" mapstructure:"strategy"`
	ID       string `json:"id" mapstructure:"id"`
}

// EmbeddingConfig holds the optional embedding provider settings.
// An empty model disables semantic search.
type EmbeddingConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
}

// Enabled reports whether an embedding provider is configured
func (c EmbeddingConfig) Enabled() bool {
	return c.Model != ""
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `json:"level" mapstructure:"level"`
	File     string `json:"file" mapstructure:"file"`
	MaxSize  int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge   int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Watcher: WatcherConfig{
			DebounceMs: 500,
			IgnoreFile: ".cubeignore",
		},
		Ingest: IngestConfig{
			MaxFileSize: 10 * 1024 * 1024,
			Workers:     4,
			QueueSize:   1024,
		},
		Resync: ResyncConfig{
			Enabled:   false,
			Schedule:  "0 * * * *",
			OnStartup: true,
		},
		User: UserConfig{
			Strategy: "fixed",
			ID:       "default_user",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9155",
		},
		Logging: LoggingConfig{
			Level:    "info",
			MaxSize:  100,
			MaxAge:   7,
			Compress: true,
		},
	}
}

// CubeDataDir returns the directory cube storage lives under
func (c *Config) CubeDataDir() string {
	return filepath.Join(c.DataDir, "memory_cubes")
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}
	if c.Watcher.DebounceMs < 0 {
		return fmt.Errorf("watcher.debounce_ms must be >= 0")
	}
	if c.Ingest.MaxFileSize <= 0 {
		return fmt.Errorf("ingest.max_file_size must be positive")
	}
	if c.Ingest.Workers < 0 {
		return fmt.Errorf("ingest.workers must be >= 0")
	}
	if c.User.Strategy != "" && c.User.Strategy != "fixed" && c.User.Strategy != "env" {
		return fmt.Errorf("invalid user strategy: %s (must be: fixed, env)", c.User.Strategy)
	}
	if c.Resync.Enabled && c.Resync.Schedule == "" {
		return fmt.Errorf("resync.schedule is required when resync is enabled")
	}
	return nil
}
