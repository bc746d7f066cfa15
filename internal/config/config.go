package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/pep299/daily-digest/internal/excerpt"
	"github.com/pep299/daily-digest/internal/rank"
	"github.com/pep299/daily-digest/internal/source"
)

// Config holds all configuration for the application
type Config struct {
	// Server settings
	Port      string `json:"port"`
	Host      string `json:"host"`
	AuthToken string `json:"-"` // Don't expose in JSON

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Schedule settings
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`

	// Store settings
	StoreDriver   string `json:"store_driver"` // "memory", "sqlite", "postgres" or "gcs"
	DatabaseDSN   string `json:"-"`
	CacheBucket   string `json:"cache_bucket"`
	StorePrefix   string `json:"store_prefix"`
	RetentionDays int    `json:"retention_days"`

	// Ingestion settings
	Sources           []source.Config `json:"sources"`
	IngestParallelism int             `json:"ingest_parallelism"`
	SourceTimeout     time.Duration   `json:"source_timeout"`
	IngestLookback    time.Duration   `json:"ingest_lookback"`
	ArxivEmail        string          `json:"arxiv_email"`

	// Ranking settings
	TopN                int           `json:"top_n"`
	Weights             rank.Weights  `json:"weights"`
	Keywords            []string      `json:"keywords"`
	RecencyHalfLife     time.Duration `json:"recency_half_life"`
	DefaultSourceWeight float64       `json:"default_source_weight"`

	// Summarizer settings
	SummarizerProvider    string        `json:"summarizer_provider"` // "gemini" or "openai"
	GeminiAPIKey          string        `json:"-"`
	GeminiModel           string        `json:"gemini_model"`
	OpenAIAPIKey          string        `json:"-"`
	OpenAIModel           string        `json:"openai_model"`
	OpenAIBaseURL         string        `json:"openai_base_url,omitempty"`
	MaxInputChars         int           `json:"max_input_chars"`
	MaxOutputTokens       int           `json:"max_output_tokens"`
	SummarizeAttempts     int           `json:"summarize_attempts"`
	BaseBackoff           time.Duration `json:"base_backoff"`
	MaxBackoff            time.Duration `json:"max_backoff"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	RatePerSecond         float64       `json:"rate_per_second"`
	BreakerThreshold      int           `json:"breaker_threshold"`
	BreakerCooldown       time.Duration `json:"breaker_cooldown"`
	CallTimeout           time.Duration `json:"call_timeout"`
	FallbackChars         int           `json:"fallback_chars"`

	// Delivery settings
	DeliveryChannel  string        `json:"delivery_channel"` // "slack" or "telegram"
	SlackBotToken    string        `json:"-"`
	SlackChannel     string        `json:"slack_channel"`
	TelegramBotToken string        `json:"-"`
	TelegramChatID   string        `json:"telegram_chat_id"`
	DeliveryAttempts int           `json:"delivery_attempts"`
	DeliveryBackoff  time.Duration `json:"delivery_backoff"`

	// Run settings
	RunMaxDuration time.Duration `json:"run_max_duration"`
}

// fileConfig is the optional YAML file named by DIGEST_CONFIG.
type fileConfig struct {
	Sources []source.Config `yaml:"sources"`
	Ranking struct {
		TopN                int           `yaml:"top_n"`
		Weights             *rank.Weights `yaml:"weights"`
		Keywords            []string      `yaml:"keywords"`
		DefaultSourceWeight *float64      `yaml:"default_source_weight"`
	} `yaml:"ranking"`
}

// Load reads configuration from the .env file, the optional YAML file and
// environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	config := &Config{
		Port:      getEnvOrDefault("PORT", "8080"),
		Host:      getEnvOrDefault("HOST", "0.0.0.0"),
		AuthToken: getEnvOrDefault("WEBHOOK_AUTH_TOKEN", ""),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:  getEnvOrDefault("LOG_FILE", ""),

		Schedule: getEnvOrDefault("SCHEDULE", "0 6 * * *"),
		Timezone: getEnvOrDefault("TIMEZONE", "UTC"),

		StoreDriver:   getEnvOrDefault("STORE_DRIVER", "memory"),
		DatabaseDSN:   getEnvOrDefault("DATABASE_DSN", ""),
		CacheBucket:   getEnvOrDefault("CACHE_BUCKET", ""),
		StorePrefix:   getEnvOrDefault("STORE_PREFIX", "digest/"),
		RetentionDays: getEnvOrDefaultInt("RETENTION_DAYS", 90),

		IngestParallelism: getEnvOrDefaultInt("INGEST_PARALLELISM", 4),
		SourceTimeout:     getEnvOrDefaultDuration("SOURCE_TIMEOUT", 30*time.Second),
		IngestLookback:    getEnvOrDefaultDuration("INGEST_LOOKBACK", 72*time.Hour),
		ArxivEmail:        getEnvOrDefault("ARXIV_EMAIL", ""),

		TopN: getEnvOrDefaultInt("TOP_N", rank.DefaultTopN),
		Weights: rank.Weights{
			Recency: 0.5,
			Source:  0.3,
			Keyword: 0.2,
		},
		RecencyHalfLife:     getEnvOrDefaultDuration("RECENCY_HALF_LIFE", 24*time.Hour),
		DefaultSourceWeight: 0.5,

		SummarizerProvider:    getEnvOrDefault("SUMMARIZER_PROVIDER", "gemini"),
		GeminiAPIKey:          getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:           getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		OpenAIAPIKey:          getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnvOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIBaseURL:         getEnvOrDefault("OPENAI_BASE_URL", ""),
		MaxInputChars:         getEnvOrDefaultInt("SUMMARY_MAX_INPUT_CHARS", 4000),
		MaxOutputTokens:       getEnvOrDefaultInt("SUMMARY_MAX_OUTPUT_TOKENS", 256),
		SummarizeAttempts:     getEnvOrDefaultInt("SUMMARY_MAX_ATTEMPTS", 3),
		BaseBackoff:           getEnvOrDefaultDuration("SUMMARY_BASE_BACKOFF", time.Second),
		MaxBackoff:            getEnvOrDefaultDuration("SUMMARY_MAX_BACKOFF", 20*time.Second),
		MaxConcurrentRequests: getEnvOrDefaultInt("MAX_CONCURRENT_REQUESTS", 3),
		RatePerSecond:         getEnvOrDefaultFloat("SUMMARY_RATE_PER_SECOND", 2),
		BreakerThreshold:      getEnvOrDefaultInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:       getEnvOrDefaultDuration("BREAKER_COOLDOWN", time.Minute),
		CallTimeout:           getEnvOrDefaultDuration("SUMMARY_CALL_TIMEOUT", 30*time.Second),
		FallbackChars:         getEnvOrDefaultInt("FALLBACK_CHARS", excerpt.DefaultFallbackChars),

		DeliveryChannel:  getEnvOrDefault("DELIVERY_CHANNEL", "slack"),
		SlackBotToken:    getEnvOrDefault("SLACK_BOT_TOKEN", ""),
		SlackChannel:     getEnvOrDefault("SLACK_CHANNEL", "#general"),
		TelegramBotToken: getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvOrDefault("TELEGRAM_CHAT_ID", ""),
		DeliveryAttempts: getEnvOrDefaultInt("DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryBackoff:  getEnvOrDefaultDuration("DELIVERY_BACKOFF", 5*time.Second),

		RunMaxDuration: getEnvOrDefaultDuration("RUN_MAX_DURATION", 30*time.Minute),
	}

	if path := os.Getenv("DIGEST_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnvOverrides()

	return config, config.validate()
}

// loadFile merges the YAML file at path into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "DIGEST_CONFIG", Message: err.Error()}
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return &ConfigError{Field: "DIGEST_CONFIG", Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	c.Sources = append(c.Sources, fc.Sources...)
	if fc.Ranking.TopN > 0 {
		c.TopN = fc.Ranking.TopN
	}
	if fc.Ranking.Weights != nil {
		c.Weights = *fc.Ranking.Weights
	}
	if len(fc.Ranking.Keywords) > 0 {
		c.Keywords = fc.Ranking.Keywords
	}
	if fc.Ranking.DefaultSourceWeight != nil {
		c.DefaultSourceWeight = *fc.Ranking.DefaultSourceWeight
	}
	return nil
}

// applyEnvOverrides applies the settings whose environment value wins over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOP_N"); v != "" {
		c.TopN = getEnvOrDefaultInt("TOP_N", c.TopN)
	}
	c.Weights.Recency = getEnvOrDefaultFloat("WEIGHT_RECENCY", c.Weights.Recency)
	c.Weights.Source = getEnvOrDefaultFloat("WEIGHT_SOURCE", c.Weights.Source)
	c.Weights.Keyword = getEnvOrDefaultFloat("WEIGHT_KEYWORD", c.Weights.Keyword)
	if keywords := parseStringSlice(os.Getenv("KEYWORDS")); len(keywords) > 0 {
		c.Keywords = keywords
	}
	for _, feed := range parseStringSlice(os.Getenv("RSS_FEEDS")) {
		c.Sources = append(c.Sources, source.Config{ID: feedID(feed), Kind: source.KindFeed, URL: feed})
	}
}

// validate checks if required configuration values are present
func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return &ConfigError{Field: "DIGEST_CONFIG", Message: "at least one source is required (config file or RSS_FEEDS)"}
	}

	switch c.SummarizerProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return &ConfigError{Field: "GEMINI_API_KEY", Message: "Gemini API key is required"}
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return &ConfigError{Field: "OPENAI_API_KEY", Message: "OpenAI API key is required"}
		}
	default:
		return &ConfigError{Field: "SUMMARIZER_PROVIDER", Message: fmt.Sprintf("unknown provider %q", c.SummarizerProvider)}
	}

	switch c.DeliveryChannel {
	case "slack":
		if c.SlackBotToken == "" {
			return &ConfigError{Field: "SLACK_BOT_TOKEN", Message: "Slack bot token is required"}
		}
	case "telegram":
		if c.TelegramBotToken == "" || c.TelegramChatID == "" {
			return &ConfigError{Field: "TELEGRAM_BOT_TOKEN", Message: "Telegram bot token and chat id are required"}
		}
	default:
		return &ConfigError{Field: "DELIVERY_CHANNEL", Message: fmt.Sprintf("unknown channel %q", c.DeliveryChannel)}
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.DatabaseDSN == "" {
			c.DatabaseDSN = "daily-digest.db"
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return &ConfigError{Field: "DATABASE_DSN", Message: "a Postgres DSN is required"}
		}
	case "gcs":
		if c.CacheBucket == "" {
			return &ConfigError{Field: "CACHE_BUCKET", Message: "a bucket is required for the gcs store"}
		}
	default:
		return &ConfigError{Field: "STORE_DRIVER", Message: fmt.Sprintf("unknown driver %q", c.StoreDriver)}
	}

	if c.TopN <= 0 {
		return &ConfigError{Field: "TOP_N", Message: "must be positive"}
	}
	if c.Weights.Recency < 0 || c.Weights.Source < 0 || c.Weights.Keyword < 0 {
		return &ConfigError{Field: "WEIGHT_*", Message: "ranking weights must not be negative"}
	}
	if c.FallbackChars <= 0 {
		return &ConfigError{Field: "FALLBACK_CHARS", Message: "must be positive"}
	}
	if c.RetentionDays <= 0 {
		return &ConfigError{Field: "RETENTION_DAYS", Message: "must be positive"}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return &ConfigError{Field: "TIMEZONE", Message: err.Error()}
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return &ConfigError{Field: "SCHEDULE", Message: err.Error()}
	}
	return nil
}

// Location returns the time zone run dates are computed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Retention returns the dedup retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// getEnvOrDefault returns environment variable value or default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default if not set
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default if not set
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvOrDefaultDuration accepts Go durations ("90s", "24h").
func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseStringSlice parses comma-separated string into slice
func parseStringSlice(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// feedID names a feed source after its host.
func feedID(feed string) string {
	if u, err := url.Parse(feed); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Host, "www.")
	}
	return feed
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
