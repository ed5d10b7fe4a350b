// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Recommender backends.
const (
	BackendGRPC = "grpc"
	BackendLLM  = "llm"
	BackendNone = "none"
)

// Moderation classifiers.
const (
	ClassifierRemote = "remote"
	ClassifierRules  = "rules"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	AuthSecret         string
	MaxRequestBodySize int64
	CORS               CORSConfig
	RateLimit          RateLimitConfig
	Recommender        RecommenderConfig
	Moderation         ModerationConfig
	Session            SessionConfig
	Cache              CacheConfig
	Postal             PostalConfig
	Retry              RetryConfig
	Timeout            TimeoutConfig
}

// CORSConfig widens cross-origin access beyond FRONTEND_URL.
type CORSConfig struct {
	ExtraOrigins []string
	MaxAge       time.Duration
}

// AllowedOrigins returns the origins the browser may call from. Development
// allows any origin.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() || c.FrontendURL == "" {
		return []string{"*"}
	}
	return append([]string{c.FrontendURL}, c.CORS.ExtraOrigins...)
}

// RateLimitConfig throttles conversation turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RecommenderConfig selects and configures the remote recommendation function.
type RecommenderConfig struct {
	Backend       string
	FunctionsAddr string
	Timeout       time.Duration
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// ModerationConfig configures automatic review moderation.
type ModerationConfig struct {
	Classifier       string
	RulesPath        string
	BatchConcurrency int
}

// SessionConfig controls conversational session lifecycle.
type SessionConfig struct {
	AllowReactivation bool
	IdleTTL           time.Duration
	SweepInterval     time.Duration
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	RedisAddr      string
	ReviewsWindow  time.Duration
	SessionsWindow time.Duration
	PostalWindow   time.Duration
}

// PostalConfig configures the postal-code lookup client.
type PostalConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RetryConfig controls SQLite busy retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TimeoutConfig holds miscellaneous timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/perfumaria.db"),
		AuthSecret:         getEnv("AUTH_SECRET", ""),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		CORS: CORSConfig{
			ExtraOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
			MaxAge:       getEnvDuration("CORS_MAX_AGE", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Recommender: RecommenderConfig{
			Backend:       strings.ToLower(getEnv("RECOMMENDER_BACKEND", BackendGRPC)),
			FunctionsAddr: getEnv("FUNCTIONS_ADDR", ""),
			Timeout:       getEnvDuration("RECOMMENDER_TIMEOUT", 60*time.Second),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Moderation: ModerationConfig{
			Classifier:       strings.ToLower(getEnv("MODERATION_CLASSIFIER", ClassifierRules)),
			RulesPath:        getEnv("MODERATION_RULES_PATH", ""),
			BatchConcurrency: getEnvInt("MODERATION_BATCH_CONCURRENCY", 4),
		},
		Session: SessionConfig{
			AllowReactivation: getEnvBool("SESSION_ALLOW_REACTIVATION", false),
			IdleTTL:           getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			SweepInterval:     getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Cache: CacheConfig{
			RedisAddr:      getEnv("REDIS_ADDR", ""),
			ReviewsWindow:  getEnvDuration("CACHE_REVIEWS_WINDOW", 30*time.Second),
			SessionsWindow: getEnvDuration("CACHE_SESSIONS_WINDOW", time.Minute),
			PostalWindow:   getEnvDuration("CACHE_POSTAL_WINDOW", 24*time.Hour),
		},
		Postal: PostalConfig{
			BaseURL: getEnv("POSTAL_BASE_URL", "https://viacep.com.br"),
			Timeout: getEnvDuration("POSTAL_TIMEOUT", 5*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	switch c.Recommender.Backend {
	case BackendGRPC, BackendLLM, BackendNone:
	default:
		return fmt.Errorf("RECOMMENDER_BACKEND must be one of grpc, llm, none (got %q)", c.Recommender.Backend)
	}
	if c.Recommender.Timeout <= 0 {
		return fmt.Errorf("RECOMMENDER_TIMEOUT must be > 0")
	}
	switch c.Moderation.Classifier {
	case ClassifierRemote, ClassifierRules:
	default:
		return fmt.Errorf("MODERATION_CLASSIFIER must be one of remote, rules (got %q)", c.Moderation.Classifier)
	}
	if c.Moderation.BatchConcurrency <= 0 {
		return fmt.Errorf("MODERATION_BATCH_CONCURRENCY must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if !c.IsDevelopment() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SigningSecret returns the token signing secret, with a fixed fallback in development.
func (c *Config) SigningSecret() []byte {
	if c.AuthSecret == "" {
		return []byte("perfumaria-dev-secret")
	}
	return []byte(c.AuthSecret)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
