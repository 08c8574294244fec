package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you
// mean?" suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file, flattened with dots.
var knownKeys = map[string]bool{
	"api_base_url": true, "probe_url": true, "push_url": true, "data_dir": true,
	// Retry settings
	"retry.max_retries": true, "retry.base_delay": true, "retry.multiplier": true,
	"retry.max_delay": true, "retry.fan_out": true,
	// Connectivity settings
	"connectivity.probe_interval": true, "connectivity.grace": true,
	// Background settings
	"background.interval": true, "background.wake_file": true,
	// Cache settings
	"cache.max_age": true,
	// Logging settings
	"logging.log_level": true, "logging.log_file": true, "logging.log_format": true,
	"logging.log_max_size_mb": true, "logging.log_max_backups": true,
}

// knownCollectionKeys are the valid keys inside a collection section.
var knownCollectionKeys = map[string]bool{
	"endpoint": true, "conflict_policy": true, "cache_strategy": true,
}

// knownKeysList is the sorted slice form for Levenshtein matching.
// Sorted for deterministic suggestions when two candidates have the
// same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

var knownCollectionKeysList = func() []string {
	keys := make([]string, 0, len(knownCollectionKeys))
	for k := range knownCollectionKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and
// returns an error with "did you mean?" suggestions for each unknown
// key. Silently ignoring a typo in a config file leads to
// hard-to-debug behavior, so unknown keys are fatal.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		if strings.HasPrefix(keyStr, "collection.") {
			errs = append(errs, buildCollectionKeyError(keyStr))

			continue
		}

		suggestion := closestMatch(keyStr, knownKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// buildCollectionKeyError reports an unknown key inside a collection
// section, e.g. "collection.beneficiaries.endpont".
func buildCollectionKeyError(keyStr string) error {
	parts := strings.Split(keyStr, ".")
	if len(parts) < 3 {
		return fmt.Errorf("unknown config key %q", keyStr)
	}

	name, field := parts[1], parts[2]

	suggestion := closestMatch(field, knownCollectionKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown key %q in collection %q — did you mean %q?", field, name, suggestion)
	}

	return fmt.Errorf("unknown key %q in collection %q", field, name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(prev[j]+cost, min(prev[j+1]+1, curr[j]+1))
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
