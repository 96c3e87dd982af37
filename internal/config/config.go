// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Completion providers.
const (
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
	ProviderStub   = "stub"
)

// Config holds all application configuration.
type Config struct {
	Port                  string
	FrontendURL           string
	LogLevel              slog.Level
	SessionTTL            time.Duration
	FeedbackSubmitReturns bool
	StatsTimeout          time.Duration
	Store                 StoreConfig
	Completion            CompletionConfig
	Auth                  AuthConfig
	RateLimit             RateLimitConfig
	ConversationLog       ConversationLogConfig
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	Backend   string
	DBPath    string
	RedisAddr string
	RedisDB   int
}

// CompletionConfig configures the chat-completion backend.
type CompletionConfig struct {
	Provider      string
	Model         string
	Temperature   float64
	Timeout       time.Duration
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GRPCAddr      string
	StubReply     string
}

// AuthConfig configures the credential check in front of the chat page.
type AuthConfig struct {
	Password     string
	PasswordHash string
	Secret       string
	TokenTTL     time.Duration
}

// Enabled returns true when a password has been configured.
func (a AuthConfig) Enabled() bool {
	return a.Password != "" || a.PasswordHash != ""
}

// RateLimitConfig bounds how many questions a device may ask per window.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		FrontendURL:           getEnv("FRONTEND_URL", ""),
		LogLevel:              getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		SessionTTL:            getEnvDuration("SESSION_TTL", 60*time.Minute),
		FeedbackSubmitReturns: getEnvBool("FEEDBACK_SUBMIT_RETURNS", true),
		StatsTimeout:          getEnvDuration("STATS_TIMEOUT", 10*time.Second),
		Store: StoreConfig{
			Backend:   strings.ToLower(getEnv("SESSION_STORE", StoreMemory)),
			DBPath:    getEnv("DB_PATH", "./data/sessions.db"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getEnvInt("REDIS_DB", 0),
		},
		Completion: CompletionConfig{
			Provider:      strings.ToLower(getEnv("COMPLETION_PROVIDER", ProviderOpenAI)),
			Model:         getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			Temperature:   getEnvFloat("COMPLETION_TEMPERATURE", 0),
			Timeout:       getEnvDuration("COMPLETION_TIMEOUT", 60*time.Second),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GRPCAddr:      getEnv("COMPLETION_GRPC_ADDR", "localhost:50051"),
			StubReply:     getEnv("COMPLETION_STUB_REPLY", "This is a canned reply from the local stub."),
		},
		Auth: AuthConfig{
			Password:     getEnv("APP_PASSWORD", ""),
			PasswordHash: getEnv("APP_PASSWORD_HASH", ""),
			Secret:       getEnv("AUTH_SECRET", ""),
			TokenTTL:     getEnvDuration("AUTH_TOKEN_TTL", 12*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
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
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty when SESSION_STORE=sqlite")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of memory, sqlite, redis (got %q)", c.Store.Backend)
	}

	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.Completion.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY cannot be empty when COMPLETION_PROVIDER=openai")
		}
	case ProviderGRPC:
		if c.Completion.GRPCAddr == "" {
			return fmt.Errorf("COMPLETION_GRPC_ADDR cannot be empty when COMPLETION_PROVIDER=grpc")
		}
	case ProviderStub:
	default:
		return fmt.Errorf("COMPLETION_PROVIDER must be one of openai, grpc, stub (got %q)", c.Completion.Provider)
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}

	if c.Auth.Enabled() && c.Auth.Secret == "" {
		return fmt.Errorf("AUTH_SECRET is required when APP_PASSWORD or APP_PASSWORD_HASH is set")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
