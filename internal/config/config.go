// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for the tuning database and exports
	TuningConfig   string // Path to the YAML parameter-space config (optional)
	LogLevel       string
	Port           int
	DevMode        bool
	MaxParallel    int           // Default worker count for batch execution
	TaskTimeout    time.Duration // Per-strategy execution timeout
	RetentionDays  int           // Days to keep finished sessions before cleanup
	BacktestScript string        // External backtest runner command (empty = in-process)
	Archive        *ArchiveConfig
}

// ArchiveConfig holds S3-compatible archive storage settings
type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string // Custom endpoint for S3-compatible stores (empty = AWS)
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		if _, err := os.Stat("../data"); err == nil {
			dataDir = "../data"
		} else {
			dataDir = "./data"
		}
	}

	cfg := &Config{
		DataDir:        dataDir,
		TuningConfig:   getEnv("TUNING_CONFIG", ""),
		Port:           getEnvAsInt("PORT", 8010),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxParallel:    getEnvAsInt("MAX_PARALLEL", 4),
		TaskTimeout:    time.Duration(getEnvAsInt("TIMEOUT_MINUTES", 30)) * time.Minute,
		RetentionDays:  getEnvAsInt("RESULTS_RETENTION_DAYS", 30),
		BacktestScript: getEnv("BACKTEST_SCRIPT", ""),
		Archive:        loadArchiveConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.MaxParallel <= 0 {
		return fmt.Errorf("MAX_PARALLEL must be positive, got %d", c.MaxParallel)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TIMEOUT_MINUTES must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when archiving is enabled")
	}
	return nil
}

// loadArchiveConfig loads S3 archive settings from the environment
func loadArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Enabled:         getEnvAsBool("ARCHIVE_ENABLED", false),
		Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
		Region:          getEnv("ARCHIVE_REGION", "auto"),
		Bucket:          getEnv("ARCHIVE_BUCKET", ""),
		AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		RetentionDays:   getEnvAsInt("ARCHIVE_RETENTION_DAYS", 30),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
