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

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	LogLevel       slog.Level
	CORSOrigins    []string
	GRPCHealthAddr string
	Gateway        GatewayConfig
	Session        SessionConfig
	Bridge         BridgeConfig
	AI             AIConfig
}

// GatewayConfig locates the protocol sidecar.
type GatewayConfig struct {
	URL            string
	Token          string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// SessionConfig controls the reconnect policy.
type SessionConfig struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// BridgeConfig controls inbound filtering and reply context.
type BridgeConfig struct {
	AutoReply      bool
	DedupCapacity  int
	MessageMaxAge  time.Duration
	ContextHistory int
	PromptProfile  string
}

// AIConfig selects and tunes the generation provider.
type AIConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Region         string
	Temperature    float64
	MaxTokens      int
	MinInterval    time.Duration
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/messages.db"),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"*"}),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Gateway: GatewayConfig{
			URL:            getEnv("GATEWAY_URL", "ws://localhost:3001/ws"),
			Token:          getEnv("GATEWAY_TOKEN", ""),
			DialTimeout:    getEnvDuration("GATEWAY_DIAL_TIMEOUT", 10*time.Second),
			RequestTimeout: getEnvDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Session: SessionConfig{
			MaxReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		},
		Bridge: BridgeConfig{
			AutoReply:      getEnvBool("WHATSAPP_AUTO_REPLY", false),
			DedupCapacity:  getEnvInt("DEDUP_CAPACITY", 1000),
			MessageMaxAge:  getEnvDuration("MESSAGE_MAX_AGE", 5*time.Minute),
			ContextHistory: getEnvInt("CONTEXT_HISTORY", 5),
			PromptProfile:  getEnv("PROMPT_PROFILE", ""),
		},
		AI: AIConfig{
			Provider:       strings.ToLower(getEnv("AI_PROVIDER", "ark")),
			Model:          getEnv("AI_MODEL", ""),
			APIKey:         getEnv("AI_API_KEY", ""),
			BaseURL:        getEnv("AI_BASE_URL", ""),
			Region:         getEnv("AI_REGION", ""),
			Temperature:    getEnvFloat("AI_TEMPERATURE", 0.7),
			MaxTokens:      getEnvInt("AI_MAX_TOKENS", 500),
			MinInterval:    getEnvDuration("AI_MIN_INTERVAL", 2*time.Second),
			RequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 30*time.Second),
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
	if c.Gateway.URL == "" {
		return fmt.Errorf("GATEWAY_URL cannot be empty")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must use ws:// or wss://")
	}
	if c.Session.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Session.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.Bridge.DedupCapacity < 2 {
		return fmt.Errorf("DEDUP_CAPACITY must be >= 2")
	}
	if c.Bridge.MessageMaxAge <= 0 {
		return fmt.Errorf("MESSAGE_MAX_AGE must be > 0")
	}
	if c.Bridge.ContextHistory < 0 {
		return fmt.Errorf("CONTEXT_HISTORY cannot be negative")
	}
	switch c.AI.Provider {
	case "ark", "gemini":
	default:
		return fmt.Errorf("AI_PROVIDER must be ark or gemini, got %q", c.AI.Provider)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("AI_TEMPERATURE must be between 0 and 2")
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("AI_MAX_TOKENS must be > 0")
	}
	if c.AI.MinInterval < 0 {
		return fmt.Errorf("AI_MIN_INTERVAL cannot be negative")
	}
	return nil
}

// AIEnabled returns true if a generation provider can be built.
func (c *Config) AIEnabled() bool {
	return c.AI.APIKey != ""
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

// getEnvDuration accepts Go duration strings or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
