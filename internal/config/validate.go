package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minRetries  = 1
	maxRetries  = 50
	minFanOut   = 1
	maxFanOut   = 32
	minBackoff  = 100 * time.Millisecond
	minInterval = time.Second
)

// validConflictPolicies mirrors the resolver's policy set. Kept local so
// config does not import the resolver.
var validConflictPolicies = map[string]bool{
	"server_wins": true, "client_wins": true, "merge": true, "manual": true,
}

// validCacheStrategies mirrors the cache layer's strategy set.
var validCacheStrategies = map[string]bool{
	"cache_first": true, "network_first": true, "stale_while_revalidate": true,
	"network_only": true, "cache_only": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks all configuration values and returns all errors
// found. It accumulates every error rather than stopping at the first,
// so users see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateURLs(cfg)...)
	errs = append(errs, validateCollections(cfg)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateConnectivity(&cfg.Connectivity)...)
	errs = append(errs, validateBackground(&cfg.Background)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateURLs(cfg *Config) []error {
	var errs []error

	if cfg.APIBaseURL != "" {
		if err := checkHTTPURL("api_base_url", cfg.APIBaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.ProbeURL != "" {
		if err := checkHTTPURL("probe_url", cfg.ProbeURL); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.PushURL != "" {
		u, err := url.Parse(cfg.PushURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("push_url %q: must be a ws:// or wss:// URL", cfg.PushURL))
		}
	}

	return errs
}

func checkHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q: must be an http(s) URL", key, raw)
	}

	return nil
}

func validateCollections(cfg *Config) []error {
	var errs []error

	for name, col := range cfg.Collections {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("collection with empty name"))

			continue
		}

		if col.Endpoint == "" && cfg.APIBaseURL == "" {
			errs = append(errs, fmt.Errorf(
				"collection %q: endpoint required when api_base_url is unset", name))
		}

		if col.Endpoint != "" {
			if err := checkHTTPURL("collection "+name+" endpoint", col.Endpoint); err != nil {
				errs = append(errs, err)
			}
		}

		if col.ConflictPolicy != "" && !validConflictPolicies[col.ConflictPolicy] {
			errs = append(errs, fmt.Errorf(
				"collection %q: unknown conflict_policy %q", name, col.ConflictPolicy))
		}

		if col.CacheStrategy != "" && !validCacheStrategies[col.CacheStrategy] {
			errs = append(errs, fmt.Errorf(
				"collection %q: unknown cache_strategy %q", name, col.CacheStrategy))
		}
	}

	return errs
}

func validateRetry(rc *RetryConfig) []error {
	var errs []error

	if rc.MaxRetries < minRetries || rc.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf(
			"retry.max_retries %d: must be between %d and %d", rc.MaxRetries, minRetries, maxRetries))
	}

	if d, err := checkDuration("retry.base_delay", rc.BaseDelay); err != nil {
		errs = append(errs, err)
	} else if d < minBackoff {
		errs = append(errs, fmt.Errorf("retry.base_delay %s: must be at least %s", rc.BaseDelay, minBackoff))
	}

	if _, err := checkDuration("retry.max_delay", rc.MaxDelay); err != nil {
		errs = append(errs, err)
	}

	if rc.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier %g: must be at least 1", rc.Multiplier))
	}

	if rc.FanOut < minFanOut || rc.FanOut > maxFanOut {
		errs = append(errs, fmt.Errorf(
			"retry.fan_out %d: must be between %d and %d", rc.FanOut, minFanOut, maxFanOut))
	}

	return errs
}

func validateConnectivity(cc *ConnectivityConfig) []error {
	var errs []error

	if d, err := checkDuration("connectivity.probe_interval", cc.ProbeInterval); err != nil {
		errs = append(errs, err)
	} else if d < minInterval {
		errs = append(errs, fmt.Errorf(
			"connectivity.probe_interval %s: must be at least %s", cc.ProbeInterval, minInterval))
	}

	if _, err := checkDuration("connectivity.grace", cc.Grace); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateBackground(bc *BackgroundConfig) []error {
	var errs []error

	if d, err := checkDuration("background.interval", bc.Interval); err != nil {
		errs = append(errs, err)
	} else if d < minInterval {
		errs = append(errs, fmt.Errorf(
			"background.interval %s: must be at least %s", bc.Interval, minInterval))
	}

	return errs
}

func validateCache(cc *CacheConfig) []error {
	var errs []error

	if d, err := checkDuration("cache.max_age", cc.MaxAge); err != nil {
		errs = append(errs, err)
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_age %s: must be positive", cc.MaxAge))
	}

	return errs
}

func validateLogging(lc *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[lc.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level %q: must be debug, info, warn, or error", lc.LogLevel))
	}

	if !validLogFormats[lc.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format %q: must be auto, text, or json", lc.LogFormat))
	}

	if lc.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("logging.log_max_size_mb %d: must be at least 1", lc.LogMaxSizeMB))
	}

	if lc.LogMaxBackups < 0 {
		errs = append(errs, fmt.Errorf("logging.log_max_backups %d: must not be negative", lc.LogMaxBackups))
	}

	return errs
}

func checkDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: invalid duration", key, raw)
	}

	return d, nil
}
