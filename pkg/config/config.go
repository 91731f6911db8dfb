// Package config loads server configuration from environment variables and
// an optional yaml threshold profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port string

	// One of the two; DatabaseURL (Postgres) wins when both are set.
	DatabaseURL string
	SQLitePath  string

	// Optional collaborators.
	RedisAddr   string
	IdentityURL string

	RateLimit         int64
	RateWindowMinutes int

	ThresholdProfile string // path to a yaml threshold table

	IdentityTimeout time.Duration

	OTLPEndpoint string
	OTelEnabled  bool

	// Halted starts the server in read-only mode.
	Halted bool
}

// Load reads configuration from environment variables with sensible local
// defaults.
func Load() *Config {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getenv("SQLITE_PATH", "petitiond.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		IdentityURL:       os.Getenv("IDENTITY_URL"),
		ThresholdProfile:  os.Getenv("THRESHOLD_PROFILE"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		Halted:            os.Getenv("HALTED") == "true",
		RateLimit:         getenvInt64("RATE_LIMIT", 50),
		RateWindowMinutes: int(getenvInt64("RATE_WINDOW_MINUTES", 60)),
		IdentityTimeout:   time.Duration(getenvInt64("IDENTITY_TIMEOUT_MS", 5000)) * time.Millisecond,
	}
	return cfg
}

// RateWindow returns the window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMinutes) * time.Minute
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
