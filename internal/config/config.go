package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime parameters of the adapter-serving layer.
type Config struct {
	// Base-model geometry the layer registry is built from.
	NumLayers int `json:"num_layers" yaml:"num_layers"`

	// WorldSize is the number of tensor-parallel shards; rank padding
	// accounts for it.
	WorldSize int `json:"world_size" yaml:"world_size"`

	// LayerModules overrides the default layer-type to module-name-pattern
	// mapping. Empty means the llama-style defaults.
	LayerModules map[string]string `json:"layer_modules" yaml:"layer_modules"`

	// FlightAddr is the Arrow Flight endpoint of the remote adapter weight
	// store. Empty disables remote fetch.
	FlightAddr string `json:"flight_addr" yaml:"flight_addr"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

func (c *Config) Validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", c.NumLayers)
	}
	if c.WorldSize <= 0 {
		return fmt.Errorf("invalid world_size: %d (must be positive)", c.WorldSize)
	}
	for layerType, pattern := range c.LayerModules {
		if pattern == "" {
			return fmt.Errorf("empty module pattern for layer type %q", layerType)
		}
	}
	return nil
}

func Default() Config {
	return Config{
		NumLayers: 32,
		WorldSize: 1,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads a configuration file based on its extension (.yaml/.yml/.json),
// overlaying the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
