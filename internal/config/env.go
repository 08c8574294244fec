package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "FIELDSYNC_CONFIG"
	EnvDataDir  = "FIELDSYNC_DATA_DIR"
	EnvAPIURL   = "FIELDSYNC_API_URL"
	EnvLogLevel = "FIELDSYNC_LOG_LEVEL"
	EnvToken    = "FIELDSYNC_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // FIELDSYNC_CONFIG: override config file path
	DataDir    string // FIELDSYNC_DATA_DIR: state directory override
	APIBaseURL string // FIELDSYNC_API_URL: backend root override
	LogLevel   string // FIELDSYNC_LOG_LEVEL: log level override
	Token      string // FIELDSYNC_TOKEN: static bearer token
}

// ReadEnvOverrides reads environment variables and returns any
// overrides found. This does not modify the Config; Resolve applies
// the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		APIBaseURL: os.Getenv(EnvAPIURL),
		LogLevel:   os.Getenv(EnvLogLevel),
		Token:      os.Getenv(EnvToken),
	}
}
