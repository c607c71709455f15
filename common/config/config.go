package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings (file storage, streaming, rate limits)
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EngineConfig bounds the workflow and project execution engines
type EngineConfig struct {
	// Process-wide cap on concurrently running workflow executions
	MaxConcurrentWorkflows int

	// Per-session default when workflow settings leave it unset
	DefaultMaxConcurrentNodes int

	// Ceiling applied to every node timeout regardless of request
	MaxTimeoutMinutes int

	// Default per-node timeout when the node declares none
	DefaultTimeoutMinutes int

	// Root under which per-execution project directories are created
	WorkDir string

	// Keep project directories after execution instead of removing them
	RetainArtifacts bool

	// Directory name scanned for produced files, relative to project root
	OutputDirName string

	// Per-stream stdout/stderr capture bound
	MaxOutputBytes int

	// SIGTERM to SIGKILL grace
	KillGracePeriod time.Duration
}

// SchedulerConfig holds cron-driven submission settings
type SchedulerConfig struct {
	// Semicolon-separated "spec|workflowID|userID" entries
	Entries string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// FeatureFlags for deployment toggles
type FeatureFlags struct {
	EnableScheduler   bool
	EnableRateLimits  bool
	EnableLiveOutput  bool
	EnableHTTPStorage bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "cascade"),
			User:        getEnv("POSTGRES_USER", "cascade"),
			Password:    getEnv("POSTGRES_PASSWORD", "cascade"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows:    getEnvInt("ENGINE_MAX_CONCURRENT_WORKFLOWS", 10),
			DefaultMaxConcurrentNodes: getEnvInt("ENGINE_DEFAULT_MAX_CONCURRENT_NODES", 4),
			MaxTimeoutMinutes:         getEnvInt("ENGINE_MAX_TIMEOUT_MINUTES", 60),
			DefaultTimeoutMinutes:     getEnvInt("ENGINE_DEFAULT_TIMEOUT_MINUTES", 10),
			WorkDir:                   getEnv("ENGINE_WORK_DIR", filepath.Join(os.TempDir(), "cascade")),
			RetainArtifacts:           getEnvBool("ENGINE_RETAIN_ARTIFACTS", false),
			OutputDirName:             getEnv("ENGINE_OUTPUT_DIR", "output"),
			MaxOutputBytes:            getEnvInt("ENGINE_MAX_OUTPUT_BYTES", 1<<20),
			KillGracePeriod:           getEnvDuration("ENGINE_KILL_GRACE", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			Entries: getEnv("SCHEDULER_ENTRIES", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Features: FeatureFlags{
			EnableScheduler:   getEnvBool("ENABLE_SCHEDULER", false),
			EnableRateLimits:  getEnvBool("ENABLE_RATE_LIMITS", true),
			EnableLiveOutput:  getEnvBool("ENABLE_LIVE_OUTPUT", true),
			EnableHTTPStorage: getEnvBool("ENABLE_HTTP_STORAGE", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("max_concurrent_workflows must be >= 1")
	}

	if c.Engine.DefaultMaxConcurrentNodes < 1 {
		return fmt.Errorf("default_max_concurrent_nodes must be >= 1")
	}

	if c.Engine.MaxTimeoutMinutes < 1 {
		return fmt.Errorf("max_timeout_minutes must be >= 1")
	}

	if c.Engine.MaxOutputBytes < 1024 {
		return fmt.Errorf("max_output_bytes too small: %d", c.Engine.MaxOutputBytes)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
