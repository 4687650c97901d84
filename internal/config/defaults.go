package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	workers := 4 * runtime.NumCPU()
	return &Config{
		Executor: ExecutorConfig{
			Workers:           workers,
			TopLevelTaskLimit: int64(2 * workers),
		},
		Cache: CacheConfig{
			Path:           defaultCachePath(),
			TimeoutSeconds: 3600,
		},
		Retry: RetryConfig{
			InitialIntervalMS: 100,
			MaxIntervalMS:     10000,
			MaxElapsedTimeMS:  120000,
			Multiplier:        2.0,
		},
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".copytree", "resource.cache")
	}
	return filepath.Join(home, ".copytree", "resource.cache")
}
