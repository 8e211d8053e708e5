package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "STEPSYNC_CONFIG"
	EnvUser        = "STEPSYNC_USER"
	EnvPostgresURL = "STEPSYNC_POSTGRES_URL"
	EnvRedisAddr   = "STEPSYNC_REDIS_ADDR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // STEPSYNC_CONFIG: override config file path
	UserID      string // STEPSYNC_USER: user whose progress is synced
	PostgresURL string // STEPSYNC_POSTGRES_URL: keeps credentials out of the file
	RedisAddr   string // STEPSYNC_REDIS_ADDR: enables push
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		UserID:      os.Getenv(EnvUser),
		PostgresURL: os.Getenv(EnvPostgresURL),
		RedisAddr:   os.Getenv(EnvRedisAddr),
	}
}
