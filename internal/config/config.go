// Package config loads typed process configuration from the environment,
// the way adred-codev-ws_poc's ws/config.go does: caarlos0/env parses a
// tagged struct, godotenv optionally seeds a local .env file first, and a
// Validate pass turns missing/invalid values into a single startup error.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the full set of options recognized by the engine.
type Config struct {
	// Messaging-network credentials (opaque to this module — passed through
	// to the external messaging client, never parsed here).
	TelegramAPIID    int    `env:"TELEGRAM_API_ID"`
	TelegramAPIHash  string `env:"TELEGRAM_API_HASH"`
	TelegramPhone    string `env:"TELEGRAM_PHONE"`
	Telegram2FA      string `env:"TELEGRAM_2FA_SECRET"`

	// Persistence DSN components (or a single connection string).
	DatabaseURL      string `env:"DATABASE_URL"`
	DBHost           string `env:"DB_HOST" envDefault:"localhost"`
	DBPort           int    `env:"DB_PORT" envDefault:"5432"`
	DBUser           string `env:"DB_USER"`
	DBPassword       string `env:"DB_PASSWORD"`
	DBName           string `env:"DB_NAME" envDefault:"userbot_orders"`
	DBPoolMaxConns   int    `env:"DB_POOL_MAX_CONNS" envDefault:"20"`
	DBPoolOverflow   int    `env:"DB_POOL_OVERFLOW" envDefault:"10"`

	// PostgREST-style fallback surface, used only when the pooled path
	// is unusable.
	RESTFallbackURL   string `env:"REST_FALLBACK_URL"`
	RESTFallbackToken string `env:"REST_FALLBACK_TOKEN"`

	// Remote classifier.
	LLMAPIKey       string        `env:"LLM_API_KEY"`
	LLMModel        string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMBaseURL      string        `env:"LLM_BASE_URL" envDefault:"https://api.proxyapi.ru/openai/v1"`
	LLMTemperature  float64       `env:"LLM_TEMPERATURE" envDefault:"0.1"`
	LLMMaxTokens    int           `env:"LLM_MAX_TOKENS" envDefault:"500"`
	LLMTimeout      time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
	LLMMaxRetries   int           `env:"LLM_MAX_RETRIES" envDefault:"3"`
	LLMBatchSize    int           `env:"LLM_BATCH_SIZE" envDefault:"10"`
	LLMRetryBaseDelay time.Duration `env:"LLM_RETRY_BASE_DELAY" envDefault:"1s"`

	// Cost tariff — a single configuration constant fed into the Budget
	// Governor, rather than hardcoded inline.
	CostPerKInputTokens  float64 `env:"COST_PER_1K_INPUT_TOKENS" envDefault:"0.00015"`
	CostPerKOutputTokens float64 `env:"COST_PER_1K_OUTPUT_TOKENS" envDefault:"0.0006"`
	DailyBudgetCeiling   float64 `env:"DAILY_BUDGET_CEILING_USD" envDefault:"5.0"`

	// Response cache.
	CacheEnabled bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	CacheSweep   time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	CacheBackend string        `env:"CACHE_BACKEND" envDefault:"memory"` // "memory" | "redis"
	RedisAddr    string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int           `env:"REDIS_DB" envDefault:"0"`

	// Detection thresholds.
	RelevanceThreshold   float64 `env:"RELEVANCE_THRESHOLD" envDefault:"0.5"`
	RegexConfidenceFloor float64 `env:"REGEX_CONFIDENCE_FLOOR" envDefault:"0.80"`
	ShortMessageGuard    int     `env:"SHORT_MESSAGE_GUARD" envDefault:"20"`

	// Orchestrator concurrency.
	MaxConcurrentLLMCalls int `env:"MAX_CONCURRENT_LLM_CALLS" envDefault:"8"`

	// Admin HTTP surface.
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminToken  string `env:"ADMIN_API_TOKEN"`
	AllowOrigins string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	// Chat registry, persisted as a small JSON file.
	ChatRegistryPath string `env:"CHAT_REGISTRY_PATH" envDefault:"./chat_registry.json"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads an optional .env file then parses the environment into Config,
// validating the result. Priority: real env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate turns missing-credential / malformed-value conditions into a
// single fatal configuration error at startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DBUser == "" {
		return fmt.Errorf("either DATABASE_URL or DB_USER/DB_PASSWORD must be set")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.DailyBudgetCeiling <= 0 {
		return fmt.Errorf("DAILY_BUDGET_CEILING_USD must be > 0, got %.4f", c.DailyBudgetCeiling)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("RELEVANCE_THRESHOLD must be in [0,1], got %.2f", c.RelevanceThreshold)
	}
	if c.LLMBatchSize < 1 {
		return fmt.Errorf("LLM_BATCH_SIZE must be > 0, got %d", c.LLMBatchSize)
	}
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of: memory, redis (got %q)", c.CacheBackend)
	}
	return nil
}

// DSN builds a libpq-style connection string from the discrete DB_* fields
// when DATABASE_URL is not set directly.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	userinfo := url.UserPassword(c.DBUser, c.DBPassword)
	return fmt.Sprintf("postgres://%s@%s:%d/%s", userinfo.String(), c.DBHost, c.DBPort, c.DBName)
}
