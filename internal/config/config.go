// Package config provides application configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxProviderTimeout caps how long a single provider call may take.
const MaxProviderTimeout = 30 * time.Second

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	StorageDriver string // "sqlite" or "postgres"
	DBPath        string
	DatabaseURL   string

	JWTSecret          string
	JWTSecretGenerated bool
	TokenTTL           time.Duration

	AdminEmail    string
	AdminPassword string

	Sandbox   SandboxConfig
	Providers ProvidersConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Timeout   TimeoutConfig
	Retry     RetryConfig
}

// SandboxConfig controls the code execution sandbox.
type SandboxConfig struct {
	Image          string
	Runtime        string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Timeout        time.Duration
	MemoryMB       int
	PidsLimit      int
	CPUs           float64
	NetworkEnabled bool
	PullImage      bool
	MaxCodeBytes   int
	ReapInterval   time.Duration
	ReapAfter      time.Duration
}

// ProvidersConfig controls the AI provider chain.
type ProvidersConfig struct {
	Timeout time.Duration
	File    string
	Entries []ProviderEntry
}

// RateLimitConfig controls per-account throttling of billable endpoints.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TimeoutConfig groups HTTP-facing timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// RetryConfig controls SQLite busy retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8001"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", "sqlite")),
		DBPath:        getEnv("DB_PATH", "./data/stormcloud.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		TokenTTL:      getEnvDuration("TOKEN_TTL", 24*time.Hour),
		AdminEmail:    getEnv("ADMIN_EMAIL", "admin@stormcloud.dev"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		Sandbox: SandboxConfig{
			Image:          getEnv("SANDBOX_IMAGE", "python:3.12-alpine"),
			Runtime:        getEnv("CONTAINER_RUNTIME", ""),
			Timeout:        getEnvDuration("SANDBOX_TIMEOUT", 5*time.Second),
			MemoryMB:       getEnvInt("SANDBOX_MEMORY_MB", 128),
			PidsLimit:      getEnvInt("SANDBOX_PIDS_LIMIT", 64),
			CPUs:           getEnvFloat("SANDBOX_CPUS", 0.5),
			NetworkEnabled: getEnvBool("SANDBOX_NETWORK_ENABLED", false),
			PullImage:      getEnvBool("SANDBOX_PULL_IMAGE", true),
			MaxCodeBytes:   getEnvInt("SANDBOX_MAX_CODE_BYTES", 64*1024),
			ReapInterval:   getEnvDuration("SANDBOX_REAP_INTERVAL", time.Minute),
			ReapAfter:      getEnvDuration("SANDBOX_REAP_AFTER", 2*time.Minute),
		},
		Providers: ProvidersConfig{
			Timeout: getEnvDuration("PROVIDER_TIMEOUT", MaxProviderTimeout),
			File:    getEnv("PROVIDERS_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	entries, err := LoadProviders(cfg.Providers.File)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	cfg.Providers.Entries = entries

	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StorageDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("SANDBOX_MEMORY_MB must be > 0")
	}
	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("SANDBOX_PIDS_LIMIT must be > 0")
	}
	if c.Sandbox.MaxCodeBytes <= 0 {
		return fmt.Errorf("SANDBOX_MAX_CODE_BYTES must be > 0")
	}
	if c.Sandbox.ReapInterval <= 0 {
		return fmt.Errorf("SANDBOX_REAP_INTERVAL must be > 0")
	}
	// A shorter age would let the reaper remove containers that are still running.
	if c.Sandbox.ReapAfter <= c.Sandbox.Timeout {
		return fmt.Errorf("SANDBOX_REAP_AFTER must be greater than SANDBOX_TIMEOUT (%s)", c.Sandbox.Timeout)
	}
	if c.Providers.Timeout <= 0 || c.Providers.Timeout > MaxProviderTimeout {
		return fmt.Errorf("PROVIDER_TIMEOUT must be in (0, %s]", MaxProviderTimeout)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// DSN returns the data source for the configured storage driver.
func (c *Config) DSN() string {
	if c.StorageDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
