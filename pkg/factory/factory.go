package factory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used by cmd/sdcprovider and cmd/sdcconsumer when -c
// is not given.
const DefaultConfigPath = "config/sdccfg.yaml"

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// ReadConfig loads path using a DefaultLoader. Convenience wrapper for
// callers that don't need a custom Loader.
func ReadConfig(path string) (*Config, error) {
	return (&DefaultLoader{}).Load(path)
}

// Load reads YAML from the given path, applies defaults, and validates.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
