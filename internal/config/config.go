// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Reconciliation defaults, used when a trigger request omits tolerances
	AmountPercentageTolerance float64 // 0..1
	AmountAbsoluteTolerance   string  // currency units, decimal string
	DateToleranceDays         int
	FuzzyMatchThreshold       float64 // 0..100 similarity score

	// Queued-mode worker pool
	WorkerCount int
	QueueSize   int
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultPctTolerance = 0.01
	DefaultAbsTolerance = "0"
	DefaultDateDays     = 3
	DefaultFuzzyScore   = 80.0
	DefaultWorkerCount  = 2
	DefaultQueueSize    = 64
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:               os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AmountPercentageTolerance: getEnvFloat("AMOUNT_PCT_TOLERANCE", DefaultPctTolerance),
		AmountAbsoluteTolerance:   getEnv("AMOUNT_ABS_TOLERANCE", DefaultAbsTolerance),
		DateToleranceDays:         int(getEnvInt64("DATE_TOLERANCE_DAYS", DefaultDateDays)),
		FuzzyMatchThreshold:       getEnvFloat("FUZZY_MATCH_THRESHOLD", DefaultFuzzyScore),
		WorkerCount:               int(getEnvInt64("WORKER_COUNT", DefaultWorkerCount)),
		QueueSize:                 int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.AmountPercentageTolerance < 0 || c.AmountPercentageTolerance > 1 {
		return fmt.Errorf("AMOUNT_PCT_TOLERANCE must be between 0 and 1")
	}
	if c.FuzzyMatchThreshold < 0 || c.FuzzyMatchThreshold > 100 {
		return fmt.Errorf("FUZZY_MATCH_THRESHOLD must be between 0 and 100")
	}
	if c.DateToleranceDays < 0 {
		return fmt.Errorf("DATE_TOLERANCE_DAYS must not be negative")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
