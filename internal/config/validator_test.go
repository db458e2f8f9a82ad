package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSchema(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		doc := `{
			"workspace_path": "/srv/workspace",
			"watcher": {"debounce_ms": 500, "ignore_file": ".cubeignore"},
			"user": {"strategy": "fixed", "id": "alice"},
			"logging": {"level": "debug"}
		}`
		assert.NoError(t, ValidateSchema([]byte(doc)))
	})

	t.Run("empty document", func(t *testing.T) {
		assert.NoError(t, ValidateSchema([]byte(`{}`)))
	})

	t.Run("unknown top-level key", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"workspaces": "/srv"}`))
		assert.Error(t, err)
	})

	t.Run("unknown nested key", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"watcher": {"debounce": 500}}`))
		assert.Error(t, err)
	})

	t.Run("wrong type", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"ingest": {"workers": "many"}}`))
		assert.Error(t, err)
	})

	t.Run("invalid enum value", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"logging": {"level": "verbose"}}`))
		assert.Error(t, err)
	})

	t.Run("negative debounce", func(t *testing.T) {
		err := ValidateSchema([]byte(`{"watcher": {"debounce_ms": -10}}`))
		assert.Error(t, err)
	})
}
