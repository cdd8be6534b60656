package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/affsync/service/reconcile"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Platform adapter definitions
	PlatformsFile string

	// Upstream quota
	RateMaxPerMinute int
	RateMaxPerDay    int
	RateLocation     *time.Location

	// Sync cycle
	SyncSafetyMargin time.Duration
	SyncMaxPages     int
	SyncInterval     time.Duration

	// Ledger
	SourceLocation  *time.Location
	RejectionPolicy reconcile.RejectionPolicy
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "affsync-sync")

	cfg.PlatformsFile = getEnvOrDefault("PLATFORMS_FILE", "platforms.yaml")

	perMinute, err := parseInt("RATE_MAX_PER_MINUTE", 60)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateMaxPerMinute = perMinute

	perDay, err := parseInt("RATE_MAX_PER_DAY", 10000)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateMaxPerDay = perDay

	if cfg.RateLocation, err = parseLocation("RATE_TIMEZONE", "Local"); err != nil {
		errs = append(errs, err)
	}

	if cfg.SyncSafetyMargin, err = parseDuration("SYNC_SAFETY_MARGIN", "24h"); err != nil {
		errs = append(errs, err)
	}

	if cfg.SyncMaxPages, err = parseInt("SYNC_MAX_PAGES", 200); err != nil {
		errs = append(errs, err)
	}

	if cfg.SyncInterval, err = parseDuration("SYNC_INTERVAL", "1h"); err != nil {
		errs = append(errs, err)
	}

	if cfg.SourceLocation, err = parseLocation("SOURCE_TIMEZONE", "UTC"); err != nil {
		errs = append(errs, err)
	}

	if cfg.RejectionPolicy, err = reconcile.ParseRejectionPolicy(os.Getenv("REJECTION_POLICY")); err != nil {
		errs = append(errs, fmt.Errorf("REJECTION_POLICY: %w", err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.RateMaxPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("RateMaxPerMinute must be positive"))
	}

	if c.RateMaxPerDay <= 0 {
		errs = append(errs, fmt.Errorf("RateMaxPerDay must be positive"))
	}

	if c.RateMaxPerDay < c.RateMaxPerMinute {
		errs = append(errs, fmt.Errorf("RateMaxPerDay (%d) cannot be less than RateMaxPerMinute (%d)",
			c.RateMaxPerDay, c.RateMaxPerMinute))
	}

	if c.SyncSafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("SyncSafetyMargin cannot be negative"))
	}

	if c.SyncMaxPages <= 0 {
		errs = append(errs, fmt.Errorf("SyncMaxPages must be positive"))
	}

	if c.SyncInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SyncInterval must be at least 1 minute"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ParseLogLevel maps LOG_LEVEL values to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseLocation(key, defaultValue string) (*time.Location, error) {
	value := getEnvOrDefault(key, defaultValue)
	loc, err := time.LoadLocation(value)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid timezone %q: %w", key, value, err)
	}
	return loc, nil
}
