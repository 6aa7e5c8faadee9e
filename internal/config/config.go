package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	AggregationInline = "inline"
	AggregationQueue  = "queue"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Store
	StoreDriver string
	DatabaseURL string

	// Redis (optional)
	RedisURL string

	// JWT
	JWTSecret       string
	CheckUserActive bool

	// Frontend
	FrontendURL string

	// Session engine
	PauseThreshold        time.Duration
	PauseSweepInterval    time.Duration
	ForceEndThreshold     time.Duration
	ForceEndSweepInterval time.Duration
	SweepBatchSize        int
	ActivityStoreTimeout  time.Duration
	TrackingTimezone      string

	// Aggregation
	AggregationMode    string
	AggregationWorkers int

	// Retention
	RetentionDays          int
	RetentionSweepInterval time.Duration

	// WebSocket
	WSRateLimitPerMinute int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:     getEnvOrDefault("PORT", "8080"),
		Env:      getEnvOrDefault("ENV", "development"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),

		StoreDriver: getEnvOrDefault("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:    getEnvOrDefault("REDIS_URL", ""),

		JWTSecret:       mustGetEnv("JWT_SECRET"),
		CheckUserActive: getEnvAsBoolOrDefault("CHECK_USER_ACTIVE", false),
		FrontendURL:     getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),

		PauseThreshold:        getEnvAsSecondsOrDefault("PAUSE_THRESHOLD_SECONDS", 600),
		PauseSweepInterval:    getEnvAsSecondsOrDefault("PAUSE_SWEEP_INTERVAL_SECONDS", 120),
		ForceEndThreshold:     getEnvAsSecondsOrDefault("FORCE_END_THRESHOLD_SECONDS", 1800),
		ForceEndSweepInterval: getEnvAsSecondsOrDefault("FORCE_END_SWEEP_INTERVAL_SECONDS", 300),
		SweepBatchSize:        getEnvAsIntOrDefault("SWEEP_BATCH_SIZE", 500),
		ActivityStoreTimeout:  time.Duration(getEnvAsIntOrDefault("ACTIVITY_STORE_TIMEOUT_MS", 2000)) * time.Millisecond,
		TrackingTimezone:      getEnvOrDefault("TRACKING_TIMEZONE", "UTC"),

		AggregationMode:    strings.ToLower(getEnvOrDefault("AGGREGATION_MODE", AggregationInline)),
		AggregationWorkers: getEnvAsIntOrDefault("AGGREGATION_WORKERS", 2),

		RetentionDays:          getEnvAsIntOrDefault("RETENTION_DAYS", 90),
		RetentionSweepInterval: getEnvAsSecondsOrDefault("RETENTION_SWEEP_INTERVAL_SECONDS", 86400),

		WSRateLimitPerMinute: getEnvAsIntOrDefault("WS_RATE_LIMIT_PER_MINUTE", 30),
	}

	return cfg
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}

	switch c.AggregationMode {
	case AggregationInline:
	case AggregationQueue:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("AGGREGATION_MODE=queue requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("AGGREGATION_MODE must be %q or %q, got %q", AggregationInline, AggregationQueue, c.AggregationMode))
	}

	if c.PauseThreshold <= 0 {
		errs = append(errs, errors.New("PAUSE_THRESHOLD_SECONDS must be positive"))
	}
	if c.ForceEndThreshold <= c.PauseThreshold {
		errs = append(errs, errors.New("FORCE_END_THRESHOLD_SECONDS must exceed PAUSE_THRESHOLD_SECONDS"))
	}
	if c.PauseSweepInterval <= 0 || c.ForceEndSweepInterval <= 0 || c.RetentionSweepInterval <= 0 {
		errs = append(errs, errors.New("sweep intervals must be positive"))
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH_SIZE must be positive"))
	}
	if c.ActivityStoreTimeout <= 0 {
		errs = append(errs, errors.New("ACTIVITY_STORE_TIMEOUT_MS must be positive"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("RETENTION_DAYS must not be negative"))
	}
	if _, err := time.LoadLocation(c.TrackingTimezone); err != nil {
		errs = append(errs, fmt.Errorf("TRACKING_TIMEZONE: %w", err))
	}

	return errors.Join(errs...)
}

// Location resolves TrackingTimezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TrackingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsSecondsOrDefault(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsIntOrDefault(key, defaultSeconds)) * time.Second
}
