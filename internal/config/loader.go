package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// settingsSchema is validated before decoding so a malformed file fails with
// a field-level message instead of a zero-valued Settings.
const settingsSchema = `{
	"type": "object",
	"properties": {
		"log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
		"target": {
			"type": "object",
			"properties": {
				"mount_root": {"type": "string", "minLength": 1},
				"ramdisk_max_bytes": {"type": "integer", "minimum": 1},
				"ramdisk_mem_fraction": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
			}
		},
		"safety": {
			"type": "object",
			"properties": {
				"min_free_space_bytes": {"type": "integer", "minimum": 1},
				"memory_margin_bytes": {"type": "integer", "minimum": 1},
				"max_cpu_percent": {"type": "number", "exclusiveMinimum": 0},
				"max_load_average": {"type": "number", "exclusiveMinimum": 0}
			}
		},
		"monitor": {
			"type": "object",
			"properties": {
				"sample_interval_seconds": {"type": "number", "exclusiveMinimum": 0},
				"max_samples": {"type": "integer", "minimum": 1}
			}
		},
		"tools": {
			"type": "object",
			"properties": {
				"enabled": {"type": "array", "items": {"type": "string"}},
				"timeout_seconds": {"type": "integer", "minimum": 1}
			}
		},
		"report": {
			"type": "object",
			"properties": {
				"output_dir": {"type": "string", "minLength": 1},
				"text": {"type": "boolean"},
				"json": {"type": "boolean"}
			}
		},
		"metrics": {
			"type": "object",
			"properties": {
				"addr": {"type": "string"}
			}
		}
	}
}`

// Load reads settings from path, applying defaults for absent fields. A
// missing path (or an empty one) yields the defaults, matching the behavior
// operators expect from a zero-config run. YAML files are accepted alongside
// JSON.
func Load(path string, logger *zap.Logger) (*Settings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := Default()

	if path == "" {
		return settings, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("config file not found, using defaults", zap.String("path", path))
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	doc := raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = yamlToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, settings); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger.Info("loaded configuration", zap.String("path", path))
	return settings, nil
}

func validateSchema(doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(settingsSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("config: invalid settings: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(v))
}

// normalizeYAML rewrites map[interface{}]interface{} keys so the document
// can round-trip through encoding/json.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// WriteDefault writes the built-in configuration to path as indented JSON.
func WriteDefault(path string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
