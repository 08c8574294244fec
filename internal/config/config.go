// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fieldsync. It supports a
// three-layer override chain (defaults -> config file -> environment ->
// CLI flags) and rejects unknown keys with "did you mean?" suggestions.
package config

// Config is the top-level configuration structure parsed from a TOML
// file. Collections are named sections; everything else is global.
type Config struct {
	// APIBaseURL is the backend root. Collection endpoints default to
	// APIBaseURL + "/" + collection name.
	APIBaseURL string `toml:"api_base_url"`
	// ProbeURL is the reachability probe target. Defaults to
	// APIBaseURL + "/healthz".
	ProbeURL string `toml:"probe_url"`
	// PushURL is the optional websocket sync-hint stream. Empty
	// disables the push channel; the periodic probe still runs.
	PushURL string `toml:"push_url"`
	// DataDir overrides the platform state directory (database, logs,
	// wake file, pidfile).
	DataDir string `toml:"data_dir"`

	Collections map[string]CollectionConfig `toml:"collection"`

	Retry        RetryConfig        `toml:"retry"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Background   BackgroundConfig   `toml:"background"`
	Cache        CacheConfig        `toml:"cache"`
	Logging      LoggingConfig      `toml:"logging"`
}

// CollectionConfig declares one syncable collection. A collection with
// an empty endpoint inherits api_base_url + "/" + name.
type CollectionConfig struct {
	Endpoint string `toml:"endpoint"`
	// ConflictPolicy is one of server_wins, client_wins, merge, manual.
	ConflictPolicy string `toml:"conflict_policy"`
	// CacheStrategy is one of cache_first, network_first,
	// stale_while_revalidate, network_only, cache_only.
	CacheStrategy string `toml:"cache_strategy"`
}

// RetryConfig controls the delivery retry schedule. Durations are TOML
// strings parsed with time.ParseDuration.
type RetryConfig struct {
	MaxRetries int     `toml:"max_retries"`
	BaseDelay  string  `toml:"base_delay"`
	Multiplier float64 `toml:"multiplier"`
	MaxDelay   string  `toml:"max_delay"`
	FanOut     int     `toml:"fan_out"`
}

// ConnectivityConfig controls the reachability monitor.
type ConnectivityConfig struct {
	ProbeInterval string `toml:"probe_interval"`
	// Grace is the debounce window before an online transition commits.
	Grace string `toml:"grace"`
}

// BackgroundConfig controls the daemon's sync loop.
type BackgroundConfig struct {
	Interval string `toml:"interval"`
	// WakeFile overrides the default wake file path under the data dir.
	WakeFile string `toml:"wake_file"`
}

// CacheConfig controls the read-path response cache.
type CacheConfig struct {
	MaxAge string `toml:"max_age"`
}

// LoggingConfig controls log output: level, format, and rotation for
// the daemon's file log.
type LoggingConfig struct {
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
	LogFormat     string `toml:"log_format"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
}

// CLIOverrides holds values from CLI flags that override config file
// and environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	DataDir    string // --data-dir flag
	LogLevel   string // --log-level flag
}
