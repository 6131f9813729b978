// Package config loads the scheduler daemon's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/serialization"
)

// Config holds all configuration for the jobsync daemon
type Config struct {
	// RedisURL is the connection URL for the schedule store
	RedisURL string
	// RedisKeyPrefix namespaces every key the daemon reads or writes
	RedisKeyPrefix string
	// ServerURL is the base URL of the job endpoint, e.g. http://localhost:1337/parse
	ServerURL string
	// ApplicationID identifies the application to the job endpoint
	ApplicationID string
	// MasterKey authorizes job triggers. May be empty; the header is still sent.
	MasterKey string
	// APIPort is the port the admin API listens on
	APIPort string
	// DispatchConcurrency is the number of concurrent trigger calls
	DispatchConcurrency int
	// DispatchQueueSize bounds the triggers waiting for a free worker
	DispatchQueueSize int
	// DispatchTimeout bounds a single trigger call
	DispatchTimeout time.Duration
	// FireDedupEnabled makes replicas claim each fire in Redis before dispatching
	FireDedupEnabled bool
	// FireLockTTL is how long a claimed fire stays locked
	FireLockTTL time.Duration
	// ResyncInterval triggers a periodic full resync; 0 resyncs at startup only
	ResyncInterval time.Duration
	// RecordFormat is the encoding used for records written by this process
	RecordFormat serialization.PayloadFormat
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	format, err := serialization.ParseFormat(getEnv("RECORD_FORMAT", "json"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECORD_FORMAT: %w", err)
	}

	cfg := &Config{
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisKeyPrefix:      getEnv("REDIS_KEY_PREFIX", "jobsync:"),
		ServerURL:           getEnv("SERVER_URL", "http://localhost:1337/parse"),
		ApplicationID:       getEnv("APPLICATION_ID", ""),
		MasterKey:           getEnv("MASTER_KEY", ""),
		APIPort:             getEnv("API_PORT", "8080"),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 10),
		DispatchQueueSize:   getEnvAsInt("DISPATCH_QUEUE_SIZE", 1000),
		DispatchTimeout:     getEnvAsDuration("DISPATCH_TIMEOUT", 30*time.Second),
		FireDedupEnabled:    getEnvAsBool("FIRE_DEDUP_ENABLED", false),
		FireLockTTL:         getEnvAsDuration("FIRE_LOCK_TTL", 2*time.Minute),
		ResyncInterval:      getEnvAsDuration("RESYNC_INTERVAL", 0),
		RecordFormat:        format,
		Logging:             loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL cannot be empty")
	}
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("APPLICATION_ID cannot be empty")
	}
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT cannot be empty")
	}
	if cfg.DispatchConcurrency < 1 {
		return nil, fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1")
	}
	if cfg.DispatchQueueSize < 0 {
		return nil, fmt.Errorf("DISPATCH_QUEUE_SIZE cannot be negative")
	}
	if cfg.DispatchTimeout <= 0 {
		return nil, fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}
	if cfg.FireDedupEnabled && cfg.FireLockTTL <= 0 {
		return nil, fmt.Errorf("FIRE_LOCK_TTL must be positive when FIRE_DEDUP_ENABLED is set")
	}
	if cfg.ResyncInterval < 0 {
		return nil, fmt.Errorf("RESYNC_INTERVAL cannot be negative")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
