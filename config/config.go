package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StoreBackend string // "postgres" or "memory"
	PostgresDSN  string

	// Cache. Optional: enables the auth cache, sessions, subscription cache and rate limiter.
	RedisAddr string

	// Providers
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"
	LogFormat            string // "json" or "console"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Usage metering
	MeteringEnabled     bool
	EnforcementEnabled  bool
	AlertsEnabled       bool
	AlertInterval       time.Duration
	SeedDefaults        bool
	DefaultTier         string
	PersistDefaultRates bool
	RollupMode          string // "unique" or "attempts"
	PricebookPath       string

	// Dev
	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		DefaultTier:          strings.ToLower(getEnv("USAGE_DEFAULT_TIER", "free")),
		RollupMode:           strings.ToLower(getEnv("USAGE_ROLLUP_MODE", "unique")),
		PricebookPath:        os.Getenv("PRICEBOOK_PATH"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.MeteringEnabled, err = getBool("USAGE_METERING_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.EnforcementEnabled, err = getBool("USAGE_ENFORCEMENT_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.AlertsEnabled, err = getBool("USAGE_ALERTS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.AlertInterval, err = getDuration("USAGE_ALERT_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SeedDefaults, err = getBool("USAGE_SEED_DEFAULTS", false); err != nil {
		return nil, err
	}
	if cfg.PersistDefaultRates, err = getBool("USAGE_PERSIST_DEFAULT_RATES", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (want postgres or memory)", c.StoreBackend)
	}
	if c.RollupMode != "unique" && c.RollupMode != "attempts" {
		return fmt.Errorf("invalid USAGE_ROLLUP_MODE %q (want unique or attempts)", c.RollupMode)
	}
	if c.AlertInterval <= 0 {
		return fmt.Errorf("USAGE_ALERT_INTERVAL must be positive")
	}
	if c.DefaultRateLimitTPM <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must be positive")
	}
	if c.DefaultTier == "" {
		return fmt.Errorf("USAGE_DEFAULT_TIER must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
