package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

const validConfig = `
api_base_url = "https://api.example.org/v1"

[collection.beneficiaries]
conflict_policy = "merge"

[collection.evaluations]
endpoint = "https://api.example.org/v2/evaluations"
cache_strategy = "stale_while_revalidate"

[retry]
max_retries = 3
base_delay = "2s"

[logging]
log_level = "debug"
`

func TestLoad_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBaseURL != "https://api.example.org/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}

	if cfg.Collections["beneficiaries"].ConflictPolicy != "merge" {
		t.Errorf("beneficiaries policy = %q, want merge", cfg.Collections["beneficiaries"].ConflictPolicy)
	}

	// Unset fields keep defaults.
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}

	if cfg.Retry.Multiplier != defaultMultiplier {
		t.Errorf("Multiplier = %g, want default", cfg.Retry.Multiplier)
	}
}

func TestLoad_UnknownKeySuggestion(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api_base_url = "https://api.example.org/v1"
probe_ural = "https://api.example.org/healthz"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("unknown key accepted")
	}

	if !strings.Contains(err.Error(), "probe_url") {
		t.Errorf("err = %v, want did-you-mean probe_url", err)
	}
}

func TestLoad_UnknownCollectionKey(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api_base_url = "https://api.example.org/v1"

[collection.beneficiaries]
endpont = "https://api.example.org/v1/beneficiaries"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("unknown collection key accepted")
	}

	if !strings.Contains(err.Error(), "endpoint") {
		t.Errorf("err = %v, want did-you-mean endpoint", err)
	}
}

func TestLoad_AccumulatesAllErrors(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api_base_url = "not a url"

[retry]
max_retries = 0
base_delay = "fast"

[logging]
log_level = "loud"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid config accepted")
	}

	for _, want := range []string{"api_base_url", "max_retries", "base_delay", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error report missing %q: %v", want, err)
		}
	}
}

func TestValidate_ConflictPolicyAndStrategy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.APIBaseURL = "https://api.example.org/v1"
	cfg.Collections["beneficiaries"] = CollectionConfig{
		ConflictPolicy: "newest_wins",
		CacheStrategy:  "psychic",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid policy and strategy accepted")
	}

	if !strings.Contains(err.Error(), "newest_wins") || !strings.Contains(err.Error(), "psychic") {
		t.Errorf("err = %v, want both violations reported", err)
	}
}

func TestValidate_PushURLScheme(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PushURL = "https://api.example.org/hints"

	if err := Validate(cfg); err == nil {
		t.Error("http push_url accepted, want ws/wss required")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}

	if cfg.Retry.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default", cfg.Retry.MaxRetries)
	}
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeConfig(t, validConfig)

	env := EnvOverrides{
		ConfigPath: path,
		APIBaseURL: "https://staging.example.org/v1",
		LogLevel:   "warn",
	}

	// CLI wins over environment.
	cli := CLIOverrides{LogLevel: "error", DataDir: t.TempDir()}

	r, err := Resolve(env, cli)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if r.APIBaseURL != "https://staging.example.org/v1" {
		t.Errorf("APIBaseURL = %q, want env override", r.APIBaseURL)
	}

	if r.Logging.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want CLI override", r.Logging.LogLevel)
	}

	if r.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", r.BaseDelay)
	}
}

func TestResolve_DerivesEndpointsAndPaths(t *testing.T) {
	path := writeConfig(t, validConfig)
	dataDir := t.TempDir()

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{DataDir: dataDir})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// beneficiaries inherits the base URL; evaluations keeps its own.
	if got := r.Collections["beneficiaries"].Endpoint; got != "https://api.example.org/v1/beneficiaries" {
		t.Errorf("beneficiaries endpoint = %q", got)
	}

	if got := r.Collections["evaluations"].Endpoint; got != "https://api.example.org/v2/evaluations" {
		t.Errorf("evaluations endpoint = %q", got)
	}

	if r.ProbeURL != "https://api.example.org/v1/healthz" {
		t.Errorf("ProbeURL = %q", r.ProbeURL)
	}

	if r.StateDBPath != filepath.Join(dataDir, "fieldsync.db") {
		t.Errorf("StateDBPath = %q", r.StateDBPath)
	}

	if r.WakeFile != filepath.Join(dataDir, "sync.wake") {
		t.Errorf("WakeFile = %q", r.WakeFile)
	}

	// Defaults filled for fields the file left unset.
	if got := r.Collections["evaluations"].ConflictPolicy; got != defaultConflictPolicy {
		t.Errorf("evaluations policy = %q, want default", got)
	}
}

func TestResolve_RequiresAPIBaseURL(t *testing.T) {
	_, err := Resolve(EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "absent.toml")}, CLIOverrides{})
	if err == nil || !strings.Contains(err.Error(), "api_base_url") {
		t.Errorf("err = %v, want api_base_url required", err)
	}
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"endpont", "endpoint", 1},
		{"kitten", "sitting", 3},
	}

	for _, tc := range cases {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
