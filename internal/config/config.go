// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	AnalysisTTL        time.Duration
	RateLimitPerMinute int
	SSEKeepalive       time.Duration
	ConsumptionAPIURL  string
	Stream             StreamConfig
	Speech             SpeechConfig
}

// StreamConfig controls the upstream analysis connection.
type StreamConfig struct {
	URL                      string
	Token                    string // static credential for the CLI only
	DialTimeout              time.Duration
	IdleTimeout              time.Duration
	MaxReorderWindow         int
	ReconnectEnabled         bool
	ReconnectMaxAttempts     int
	ReconnectInitialInterval time.Duration
}

// SpeechConfig selects the speech provider.
type SpeechConfig struct {
	Provider  string
	APIKey    string
	VoiceID   string
	BaseURL   string
	CacheSize int
	CacheTTL  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/amobagan.db"),
		AnalysisTTL:        getEnvDuration("ANALYSIS_TTL", 24*time.Hour),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		SSEKeepalive:       getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
		ConsumptionAPIURL:  getEnv("CONSUMPTION_API_URL", ""),
		Stream: StreamConfig{
			URL:                      getEnv("ANALYSIS_WS_URL", "ws://localhost:8080/ws/nutrition/stream"),
			Token:                    getEnv("ANALYSIS_TOKEN", ""),
			DialTimeout:              getEnvDuration("STREAM_DIAL_TIMEOUT", 10*time.Second),
			IdleTimeout:              getEnvDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
			MaxReorderWindow:         getEnvInt("STREAM_MAX_REORDER_WINDOW", 256),
			ReconnectEnabled:         getEnvBool("STREAM_RECONNECT_ENABLED", false),
			ReconnectMaxAttempts:     getEnvInt("STREAM_RECONNECT_MAX_ATTEMPTS", 5),
			ReconnectInitialInterval: getEnvDuration("STREAM_RECONNECT_INITIAL_INTERVAL", 500*time.Millisecond),
		},
		Speech: SpeechConfig{
			Provider:  getEnv("TTS_PROVIDER", ""),
			APIKey:    getEnv("TTS_API_KEY", ""),
			VoiceID:   getEnv("TTS_VOICE_ID", ""),
			BaseURL:   getEnv("TTS_BASE_URL", ""),
			CacheSize: getEnvInt("TTS_CACHE_SIZE", 128),
			CacheTTL:  getEnvDuration("TTS_CACHE_TTL", time.Hour),
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
	u, err := url.Parse(c.Stream.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("ANALYSIS_WS_URL must be a ws:// or wss:// URL")
	}
	if c.Stream.IdleTimeout < 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT cannot be negative")
	}
	if c.Stream.MaxReorderWindow <= 0 {
		return fmt.Errorf("STREAM_MAX_REORDER_WINDOW must be > 0")
	}
	if c.Stream.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("STREAM_RECONNECT_MAX_ATTEMPTS cannot be negative")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.SSEKeepalive <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	switch strings.ToLower(c.Speech.Provider) {
	case "":
	case "elevenlabs":
		if c.Speech.APIKey == "" {
			return fmt.Errorf("TTS_API_KEY is required for the elevenlabs provider")
		}
	case "local":
		if c.Speech.BaseURL == "" {
			return fmt.Errorf("TTS_BASE_URL is required for the local provider")
		}
	default:
		return fmt.Errorf("TTS_PROVIDER must be elevenlabs, local or empty")
	}
	return nil
}

// ClientConfig converts the stream settings into a stream.Config.
func (s StreamConfig) ClientConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.URL = s.URL
	cfg.DialTimeout = s.DialTimeout
	cfg.IdleTimeout = s.IdleTimeout
	cfg.MaxReorderWindow = s.MaxReorderWindow
	cfg.Reconnect.Enabled = s.ReconnectEnabled
	cfg.Reconnect.MaxAttempts = uint64(s.ReconnectMaxAttempts)
	cfg.Reconnect.InitialInterval = s.ReconnectInitialInterval
	return cfg
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

// getEnvDuration accepts Go durations ("30s") or whole seconds ("30").
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
