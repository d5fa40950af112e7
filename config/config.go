// Package config loads runtime configuration from environment variables,
// with a .env file picked up in development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the tunable settings for a messenger node.
type Config struct {
	// StorePath is the SQLite database path. Empty selects the in-memory
	// store, which loses state on restart.
	StorePath string

	// ListenAddr is the TCP listen address for the transport.
	ListenAddr string

	// FlushInterval is how often the outbox scans for entries to retry.
	FlushInterval time.Duration

	// RetryCeiling is the number of delivery attempts before an entry is
	// abandoned.
	RetryCeiling int

	// BackoffBase is the delay after the first failed attempt. Each
	// further attempt doubles it, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// LogLevel is a logrus level name.
	LogLevel string
}

// Load reads configuration from the environment, falling back to defaults
// suitable for development. A .env file in the working directory is loaded
// first if present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		StorePath:     os.Getenv("DMCORE_DB_PATH"),
		ListenAddr:    getEnv("DMCORE_LISTEN_ADDR", "127.0.0.1:33445"),
		FlushInterval: getDuration("DMCORE_FLUSH_INTERVAL", 60*time.Second),
		RetryCeiling:  getInt("DMCORE_RETRY_CEILING", 10),
		BackoffBase:   getDuration("DMCORE_BACKOFF_BASE", 30*time.Second),
		BackoffMax:    getDuration("DMCORE_BACKOFF_MAX", 30*time.Minute),
		LogLevel:      getEnv("DMCORE_LOG_LEVEL", "info"),
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"package":  "config",
			"level":    cfg.LogLevel,
		}).Warn("unknown log level, keeping default")
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
