// Package config provides environment-based configuration for the build farm processes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the build farm.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Logging
	LogLevel  string
	LogFormat string

	// API server configuration
	APIPort int
	APIHost string

	// Signed public artifact URLs
	PublicURLSecret string
	PublicURLTTL    time.Duration

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// ServerTimeout is how stale a heartbeat may be before its process counts as offline.
	ServerTimeout time.Duration

	// Outer loop: tick interval and reconnect backoff
	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// ProjectsFile is an optional project definitions file synced at startup.
	ProjectsFile string

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Worker configuration
	Worker WorkerConfig
}

// SchedulerConfig holds scheduler-specific configuration.
type SchedulerConfig struct {
	BuildPollInterval    time.Duration
	LogRetention         time.Duration
	LogRetentionInterval time.Duration
}

// WorkerConfig holds build worker-specific configuration.
type WorkerConfig struct {
	ID           int64
	WorkDir      string
	ArtifactsDir string
	// Interpreter runs the build script. Empty executes the script directly.
	Interpreter string
	KillGrace   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:      getEnv("DATABASE_URL", "postgres://localhost:5432/buildfarm?sslmode=disable"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		APIPort:          getIntEnv("API_PORT", 8080),
		APIHost:          getEnv("API_HOST", "0.0.0.0"),
		PublicURLSecret:  getEnv("PUBLIC_URL_SECRET", ""),
		PublicURLTTL:     getDurationEnv("PUBLIC_URL_TTL", 2*time.Minute),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		ServerTimeout:    getDurationEnv("SERVER_TIMEOUT", 30*time.Second),
		PollInterval:     getDurationEnv("POLL_INTERVAL", time.Second),
		ReconnectInitial: getDurationEnv("RECONNECT_INITIAL", time.Second),
		ReconnectMax:     getDurationEnv("RECONNECT_MAX", 30*time.Second),
		ProjectsFile:     getEnv("PROJECTS_FILE", ""),
		Scheduler: SchedulerConfig{
			BuildPollInterval:    getDurationEnv("SCHEDULER_BUILD_POLL_INTERVAL", 2*time.Second),
			LogRetention:         getDurationEnv("LOG_RETENTION", 30*24*time.Hour),
			LogRetentionInterval: getDurationEnv("LOG_RETENTION_INTERVAL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			ID:           getInt64Env("WORKER_ID", 1),
			WorkDir:      getEnv("WORKER_WORKDIR", "/var/lib/buildfarm/work"),
			ArtifactsDir: getEnv("WORKER_ARTIFACTS_DIR", "/var/lib/buildfarm/artifacts"),
			Interpreter:  getEnvAllowEmpty("WORKER_INTERPRETER", "python3"),
			KillGrace:    getDurationEnv("WORKER_KILL_GRACE", 10*time.Second),
		},
	}
}

// Validate checks the settings every process depends on.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ServerTimeout <= c.PollInterval {
		return fmt.Errorf("SERVER_TIMEOUT must be longer than POLL_INTERVAL")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_INITIAL must be positive and not above RECONNECT_MAX")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Scheduler.BuildPollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_BUILD_POLL_INTERVAL must be positive")
	}
	if c.Scheduler.LogRetention <= 0 || c.Scheduler.LogRetentionInterval <= 0 {
		return fmt.Errorf("LOG_RETENTION and LOG_RETENTION_INTERVAL must be positive")
	}
	return nil
}

// ValidateWorker checks the worker settings.
func (c *Config) ValidateWorker() error {
	if c.Worker.ID <= 0 {
		return fmt.Errorf("WORKER_ID must be a positive integer, 0 is reserved for the scheduler")
	}
	if c.Worker.WorkDir == "" || c.Worker.ArtifactsDir == "" {
		return fmt.Errorf("WORKER_WORKDIR and WORKER_ARTIFACTS_DIR are required")
	}
	if c.Worker.KillGrace < 0 {
		return fmt.Errorf("WORKER_KILL_GRACE must not be negative")
	}
	return nil
}

// ValidateAPI checks the API server settings.
func (c *Config) ValidateAPI() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535")
	}
	if len(c.PublicURLSecret) < 32 {
		return fmt.Errorf("PUBLIC_URL_SECRET must be at least 32 characters")
	}
	if c.PublicURLTTL <= 0 {
		return fmt.Errorf("PUBLIC_URL_TTL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty returns the value of key even when it is set to the empty string.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
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

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
