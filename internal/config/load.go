package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal errors with "did you
// mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns a Config populated with all default values. This supports
// the zero-config first run: the API URL can come entirely from the
// environment.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is a fully merged configuration with derived fields filled
// in: durations parsed, collection endpoints defaulted, paths anchored
// under the data directory.
type Resolved struct {
	Config

	ConfigPath string
	Token      string

	StateDBPath string
	WakeFile    string
	PidFile     string

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ProbeInterval time.Duration
	Grace         time.Duration
	BgInterval    time.Duration
	CacheMaxAge   time.Duration
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.APIBaseURL != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.LogLevel != "" {
		cfg.Logging.LogLevel = cli.LogLevel
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("api_base_url not set: configure it in %s or set %s", cfgPath, EnvAPIURL)
	}

	// Re-validate after overrides: the environment can introduce a bad
	// URL or log level just as easily as the file.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = base + "/healthz"
	}

	for name, col := range cfg.Collections {
		if col.Endpoint == "" {
			col.Endpoint = base + "/" + name
		}

		if col.ConflictPolicy == "" {
			col.ConflictPolicy = defaultConflictPolicy
		}

		if col.CacheStrategy == "" {
			col.CacheStrategy = defaultCacheStrategy
		}

		cfg.Collections[name] = col
	}

	r := &Resolved{
		Config:     *cfg,
		ConfigPath: cfgPath,
		Token:      env.Token,
	}

	r.StateDBPath = StatePath(cfg.DataDir)
	r.PidFile = PidPath(cfg.DataDir)

	r.WakeFile = cfg.Background.WakeFile
	if r.WakeFile == "" {
		r.WakeFile = WakePath(cfg.DataDir)
	}

	// Validated above; parse failures are unreachable here.
	r.BaseDelay, _ = time.ParseDuration(cfg.Retry.BaseDelay)
	r.MaxDelay, _ = time.ParseDuration(cfg.Retry.MaxDelay)
	r.ProbeInterval, _ = time.ParseDuration(cfg.Connectivity.ProbeInterval)
	r.Grace, _ = time.ParseDuration(cfg.Connectivity.Grace)
	r.BgInterval, _ = time.ParseDuration(cfg.Background.Interval)
	r.CacheMaxAge, _ = time.ParseDuration(cfg.Cache.MaxAge)

	return r, nil
}
