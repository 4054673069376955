package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// HTTP API
	ListenAddr string

	// Host inventory
	HostsFile string

	// Remote execution
	DialTimeout     time.Duration
	StallTimeout    time.Duration
	BulkConcurrency int

	// Job retention
	Retention     time.Duration
	SweepInterval time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		ListenAddr: getEnv("FLEETJOBS_LISTEN_ADDR", ":8090"),

		HostsFile: getEnv("FLEETJOBS_HOSTS_FILE", "/etc/fleetjobs/hosts.yaml"),

		DialTimeout:     getDuration("FLEETJOBS_DIAL_TIMEOUT", 10*time.Second),
		StallTimeout:    getDuration("FLEETJOBS_STALL_TIMEOUT", 2*time.Minute),
		BulkConcurrency: getInt("FLEETJOBS_BULK_CONCURRENCY", 4),

		Retention:     getDuration("FLEETJOBS_JOB_RETENTION", 15*time.Minute),
		SweepInterval: getDuration("FLEETJOBS_SWEEP_INTERVAL", time.Minute),

		LogFile:  getEnv("FLEETJOBS_LOG_FILE", "/tmp/fleetjobs.log"),
		LogLevel: parseLogLevel(getEnv("FLEETJOBS_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
