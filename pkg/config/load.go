package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML or CUE config file on top of Default, applies
// environment overrides, and validates the result. An empty path returns the
// defaults with overrides applied.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode checks data against the schema and merges it into cfg.
func decode(path string, data []byte, cfg *Config) error {
	s, err := loadSchema()
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		// JSON is valid YAML, so CUE output goes through the same decoder.
		data, err = s.compileCUE(path, data)
		if err != nil {
			return err
		}
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if doc == nil {
		return nil
	}
	if err := s.check(doc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}
