package config

// Default values for configuration options. These are the "layer 0" of
// the override chain and work without any config file, except for
// api_base_url which has no sensible default and must be provided.
const (
	defaultConflictPolicy = "server_wins"
	defaultCacheStrategy  = "network_first"
	defaultMaxRetries     = 5
	defaultBaseDelay      = "5s"
	defaultMultiplier     = 2.0
	defaultMaxDelay       = "5m"
	defaultFanOut         = 4
	defaultProbeInterval  = "30s"
	defaultGrace          = "300ms"
	defaultBgInterval     = "5m"
	defaultCacheMaxAge    = "168h"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultLogMaxSizeMB   = 50
	defaultLogMaxBackups  = 3
)

// DefaultConfig returns a Config populated with all default values.
// Used both as the starting point for TOML decoding (unset fields keep
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Collections: make(map[string]CollectionConfig),
		Retry: RetryConfig{
			MaxRetries: defaultMaxRetries,
			BaseDelay:  defaultBaseDelay,
			Multiplier: defaultMultiplier,
			MaxDelay:   defaultMaxDelay,
			FanOut:     defaultFanOut,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: defaultProbeInterval,
			Grace:         defaultGrace,
		},
		Background: BackgroundConfig{
			Interval: defaultBgInterval,
		},
		Cache: CacheConfig{
			MaxAge: defaultCacheMaxAge,
		},
		Logging: LoggingConfig{
			LogLevel:      defaultLogLevel,
			LogFormat:     defaultLogFormat,
			LogMaxSizeMB:  defaultLogMaxSizeMB,
			LogMaxBackups: defaultLogMaxBackups,
		},
	}
}
