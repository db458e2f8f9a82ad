package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 500, cfg.Watcher.DebounceMs)
	assert.Equal(t, 500*time.Millisecond, cfg.Watcher.Debounce())
	assert.Equal(t, ".cubeignore", cfg.Watcher.IgnoreFile)
	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MaxFileSize)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, "fixed", cfg.User.Strategy)
	assert.Equal(t, "default_user", cfg.User.ID)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Embedding.Enabled())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.WorkspacePath = "/srv/workspace"
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing workspace path", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative debounce", func(t *testing.T) {
		cfg := valid()
		cfg.Watcher.DebounceMs = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero max file size", func(t *testing.T) {
		cfg := valid()
		cfg.Ingest.MaxFileSize = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad user strategy", func(t *testing.T) {
		cfg := valid()
		cfg.User.Strategy = "ldap"
		assert.Error(t, cfg.Validate())
	})

	t.Run("resync enabled without schedule", func(t *testing.T) {
		cfg := valid()
		cfg.Resync.Enabled = true
		cfg.Resync.Schedule = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestEmbeddingEnabled(t *testing.T) {
	assert.False(t, EmbeddingConfig{}.Enabled())
	assert.True(t, EmbeddingConfig{Model: "text-embedding-3-small"}.Enabled())
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	assert.Contains(t, s, "workspace_path")
	assert.Contains(t, s, "debounce_ms")
}
