package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.copytree/config.json
// Project: .copytree/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	globalPath := filepath.Join(homeDir, ".copytree", "config.json")
	projectPath := filepath.Join(".copytree", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges the fields it sets
// into base. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Executor.Workers > 0 {
		base.Executor.Workers = loaded.Executor.Workers
	}
	if loaded.Executor.TopLevelTaskLimit > 0 {
		base.Executor.TopLevelTaskLimit = loaded.Executor.TopLevelTaskLimit
	}
	if loaded.Cache.Path != "" {
		base.Cache.Path = loaded.Cache.Path
	}
	if loaded.Cache.TimeoutSeconds > 0 {
		base.Cache.TimeoutSeconds = loaded.Cache.TimeoutSeconds
	}
	if loaded.Retry.InitialIntervalMS > 0 {
		base.Retry.InitialIntervalMS = loaded.Retry.InitialIntervalMS
	}
	if loaded.Retry.MaxIntervalMS > 0 {
		base.Retry.MaxIntervalMS = loaded.Retry.MaxIntervalMS
	}
	if loaded.Retry.MaxElapsedTimeMS > 0 {
		base.Retry.MaxElapsedTimeMS = loaded.Retry.MaxElapsedTimeMS
	}
	if loaded.Retry.Multiplier > 0 {
		base.Retry.Multiplier = loaded.Retry.Multiplier
	}
	return nil
}
