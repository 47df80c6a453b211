package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/graphrun/pkg/schema"
)

// DecodeJSON reads a graph configuration from JSON.
func DecodeJSON(data []byte) (schema.GraphConfig, error) {
	var cfg schema.GraphConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, schema.ConfigurationError("invalid graph JSON: %s", err.Error()).WithCause(err)
	}
	return cfg, nil
}

// DecodeYAML reads a graph configuration from YAML.
func DecodeYAML(data []byte) (schema.GraphConfig, error) {
	var cfg schema.GraphConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, schema.ConfigurationError("invalid graph YAML: %s", err.Error()).WithCause(err)
	}
	return cfg, nil
}

// ReadFile loads a graph configuration, choosing the decoder by extension.
func ReadFile(path string) (schema.GraphConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.GraphConfig{}, fmt.Errorf("read graph file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return DecodeJSON(data)
	}
}
