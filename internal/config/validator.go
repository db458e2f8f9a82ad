package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema constrains the config file shape before unmarshalling,
// so a typo'd key or wrong type fails with a pointed message instead
// of silently falling back to a default.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "workspace_path": {"type": "string"},
    "data_dir": {"type": "string"},
    "watcher": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "debounce_ms": {"type": "integer", "minimum": 0},
        "ignore_file": {"type": "string"}
      }
    },
    "ingest": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_file_size": {"type": "integer", "minimum": 1},
        "workers": {"type": "integer", "minimum": 0},
        "queue_size": {"type": "integer", "minimum": 0}
      }
    },
    "resync": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "schedule": {"type": "string"},
        "on_startup": {"type": "boolean"}
      }
    },
    "user": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "strategy": {"type": "string", "enum": ["fixed", "env"]},
        "id": {"type": "string"}
      }
    },
    "embedding": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "base_url": {"type": "string"},
        "api_key": {"type": "string"},
        "model": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateSchema validates raw config JSON against the schema.
func ValidateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}
