package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Otto analysis orchestration server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Shunya       ShunyaConfig
	Orchestrator OrchestratorConfig
	Reconciler   ReconcilerConfig
	Webhook      WebhookConfig
	Breaker      BreakerConfig
	RateLimit    RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ShunyaConfig configures the signed HTTP client for the external
// analysis service.
type ShunyaConfig struct {
	BaseURL       string
	TokenSecret   string
	WebhookSecret string
	SignPayloads  bool
	TokenTTL      time.Duration
	CallTimeout   time.Duration
	RetryDelays   []time.Duration
}

// OrchestratorConfig holds the submission retry policy and the job ceiling.
// The external service's SLAs are unconfirmed, so these stay configurable
// rather than hard-coded.
type OrchestratorConfig struct {
	RetryDelays []time.Duration
	MaxAttempts int
	JobCeiling  time.Duration
}

type ReconcilerConfig struct {
	SweepInterval time.Duration
	GracePeriod   time.Duration
	PollBackoff   []time.Duration
}

type WebhookConfig struct {
	TimestampTolerance time.Duration
}

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
	Backend   string // "memory" or "redis"
}

type RateLimitConfig struct {
	RequestsPerMin int
}

var validBreakerBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("OTTO_PORT", 8080),
			Env:  envString("OTTO_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Shunya: ShunyaConfig{
			BaseURL:       os.Getenv("SHUNYA_BASE_URL"),
			TokenSecret:   os.Getenv("SHUNYA_TOKEN_SECRET"),
			WebhookSecret: os.Getenv("SHUNYA_WEBHOOK_SECRET"),
			SignPayloads:  envBool("SHUNYA_SIGN_PAYLOADS", false),
			TokenTTL:      envDuration("SHUNYA_TOKEN_TTL", 5*time.Minute),
			CallTimeout:   envDuration("SHUNYA_CALL_TIMEOUT", 30*time.Second),
			RetryDelays: envDelays("SHUNYA_RETRY_DELAYS", []time.Duration{
				5 * time.Second, 10 * time.Second, 30 * time.Second,
			}),
		},
		Orchestrator: OrchestratorConfig{
			RetryDelays: envDelays("ORCHESTRATOR_RETRY_DELAYS", []time.Duration{
				5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second,
			}),
			MaxAttempts: envInt("ORCHESTRATOR_MAX_ATTEMPTS", 5),
			JobCeiling:  envDuration("ORCHESTRATOR_JOB_CEILING", 24*time.Hour),
		},
		Reconciler: ReconcilerConfig{
			SweepInterval: envDuration("RECONCILER_SWEEP_INTERVAL", 30*time.Second),
			GracePeriod:   envDuration("RECONCILER_GRACE_PERIOD", 2*time.Minute),
			PollBackoff: envDelays("RECONCILER_POLL_BACKOFF", []time.Duration{
				5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second,
			}),
		},
		Webhook: WebhookConfig{
			TimestampTolerance: envDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold: envInt("BREAKER_THRESHOLD", 5),
			Cooldown:  envDuration("BREAKER_COOLDOWN", 30*time.Second),
			Backend:   envString("BREAKER_BACKEND", "memory"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Shunya.BaseURL == "" {
		return fmt.Errorf("SHUNYA_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Shunya.BaseURL, "http://") && !strings.HasPrefix(c.Shunya.BaseURL, "https://") {
		return fmt.Errorf("SHUNYA_BASE_URL must start with http:// or https://, got %q", c.Shunya.BaseURL)
	}
	if c.Shunya.TokenSecret == "" {
		return fmt.Errorf("SHUNYA_TOKEN_SECRET is required")
	}
	if c.Shunya.WebhookSecret == "" {
		return fmt.Errorf("SHUNYA_WEBHOOK_SECRET is required")
	}

	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("ORCHESTRATOR_MAX_ATTEMPTS must be at least 1, got %d", c.Orchestrator.MaxAttempts)
	}

	if !validBreakerBackends[c.Breaker.Backend] {
		return fmt.Errorf("BREAKER_BACKEND must be one of memory, redis; got %q", c.Breaker.Backend)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envDelays parses a comma-separated duration list, e.g. "5s,10s,30s".
func envDelays(key string, defaultVal []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return defaultVal
		}
		delays = append(delays, d)
	}
	return delays
}
