package config

// ExecutorConfig tunes the parallel task executor.
type ExecutorConfig struct {
	Workers           int   `json:"workers,omitempty"`              // concurrent task executions
	TopLevelTaskLimit int64 `json:"top_level_task_limit,omitempty"` // resident top-level task bound
}

// CacheConfig tunes the persistent resource cache.
type CacheConfig struct {
	Path           string `json:"path,omitempty"`            // cache database path
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default table TTL
}

// RetryConfig tunes cache refresh retries.
type RetryConfig struct {
	InitialIntervalMS int     `json:"initial_interval_ms,omitempty"`
	MaxIntervalMS     int     `json:"max_interval_ms,omitempty"`
	MaxElapsedTimeMS  int     `json:"max_elapsed_time_ms,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Executor ExecutorConfig `json:"executor"`
	Cache    CacheConfig    `json:"cache"`
	Retry    RetryConfig    `json:"retry"`
}
