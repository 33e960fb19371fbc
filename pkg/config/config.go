// Package config provides environment-based configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Logging configuration
	LogLevel string
	LogJSON  bool

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Pipeline configuration
	Pipeline PipelineConfig

	// Reclaimer configuration
	Reclaim ReclaimConfig

	// Binary cache configuration
	Cache CacheConfig

	// Status aggregation configuration
	Status StatusConfig
}

// PipelineConfig holds lifecycle engine loop configuration.
type PipelineConfig struct {
	// BuildInterval is the poll interval for the evaluation/build loop.
	BuildInterval time.Duration
	// ScanInterval is the poll interval for the vulnerability scan loop.
	ScanInterval time.Duration
	// EvalTimeout bounds a single derivation evaluation.
	EvalTimeout time.Duration
	// BuildTimeout bounds a single derivation build.
	BuildTimeout time.Duration
	// ScanTimeout bounds a single vulnerability scan.
	ScanTimeout time.Duration
	// GroupLimit caps the number of derivations taken per nixos group per poll.
	// Zero means unlimited.
	GroupLimit int
}

// ReclaimConfig holds stuck-state reclaimer configuration.
type ReclaimConfig struct {
	// Interval is how often the reclaimer sweeps.
	Interval time.Duration
	// StaleAfter is the age of updated_at past which a non-terminal,
	// non-pending derivation is considered abandoned.
	StaleAfter time.Duration
}

// CacheConfig holds binary cache push configuration.
type CacheConfig struct {
	AtticEndpoint  string
	AtticCacheName string
	SigningKey     string
	PushTimeout    time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration

	// Optional S3-compatible mirror for push manifests.
	S3Bucket string
	S3Region string
}

// StatusConfig holds status aggregation configuration.
type StatusConfig struct {
	// HeartbeatWindow is how recent a heartbeat must be for a system
	// to count as online.
	HeartbeatWindow time.Duration
	// StuckAttempts is the commit attempt_count at which a commit is
	// classified as failed or stuck.
	StuckAttempts int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/nixfleet?sslmode=disable"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", true),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Pipeline: PipelineConfig{
			BuildInterval: getDurationEnv("BUILD_POLL_INTERVAL", 2*time.Minute),
			ScanInterval:  getDurationEnv("SCAN_POLL_INTERVAL", 30*time.Second),
			EvalTimeout:   getDurationEnv("EVAL_TIMEOUT", 10*time.Minute),
			BuildTimeout:  getDurationEnv("BUILD_TIMEOUT", 60*time.Minute),
			ScanTimeout:   getDurationEnv("SCAN_TIMEOUT", 5*time.Minute),
			GroupLimit:    getIntEnv("BUILD_GROUP_LIMIT", 0),
		},
		Reclaim: ReclaimConfig{
			Interval:   getDurationEnv("RECLAIM_INTERVAL", 10*time.Minute),
			StaleAfter: getDurationEnv("RECLAIM_STALE_AFTER", 75*time.Minute),
		},
		Cache: CacheConfig{
			AtticEndpoint:  getEnv("ATTIC_ENDPOINT", "http://localhost:8080"),
			AtticCacheName: getEnv("ATTIC_CACHE", "nixfleet"),
			SigningKey:     getEnv("ATTIC_SIGNING_KEY", ""),
			PushTimeout:    getDurationEnv("CACHE_PUSH_TIMEOUT", 5*time.Minute),
			MaxRetries:     getIntEnv("CACHE_PUSH_MAX_RETRIES", 2),
			RetryBackoff:   getDurationEnv("CACHE_PUSH_RETRY_BACKOFF", 10*time.Second),
			S3Bucket:       getEnv("CACHE_S3_BUCKET", ""),
			S3Region:       getEnv("CACHE_S3_REGION", "us-east-1"),
		},
		Status: StatusConfig{
			HeartbeatWindow: getDurationEnv("HEARTBEAT_WINDOW", 5*time.Minute),
			StuckAttempts:   getIntEnv("COMMIT_STUCK_ATTEMPTS", 6),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Reclaim.StaleAfter <= 0 {
		return fmt.Errorf("RECLAIM_STALE_AFTER must be positive")
	}
	if c.Status.StuckAttempts < 2 {
		return fmt.Errorf("COMMIT_STUCK_ATTEMPTS must be at least 2")
	}
	if c.Cache.MaxRetries < 0 {
		return fmt.Errorf("CACHE_PUSH_MAX_RETRIES must not be negative")
	}
	return nil
}

// LoadWithDefaults loads configuration without validating required fields.
// Useful for testing.
func LoadWithDefaults() *Config {
	cfg, _ := Load()
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
