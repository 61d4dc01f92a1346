package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Service key names used in Config.ServiceAPIKeys.
const (
	ServiceGemini = "gemini"
	ServiceDaily  = "daily"
)

// Config contains all runtime settings for the bot session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	DatabaseURL string
	SQLitePath  string

	// ServiceAPIKeys maps a provider name to its key. A missing entry means
	// the provider is not configured.
	ServiceAPIKeys map[string]string

	LLMProvider string
	GeminiModel string

	DailyAPIURL string

	MaxSessionTime time.Duration
	UseDebugRoom   bool
	// DebugRoomURL is set when USE_DEBUG_ROOM names a room to reuse.
	DebugRoomURL string

	LegacyBodyPassphrase string
	PublicWSBaseURL      string
	ICEServers           []string
	MaxAttachmentBytes   int

	SessionJanitorInterval time.Duration

	BotConfigPath string
	Bot           BotConfig
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":7860"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "sesame"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		SQLitePath:             stringsTrimSpace("SQLITE_PATH"),
		LLMProvider:            envOrDefault("LLM_PROVIDER", "gemini"),
		GeminiModel:            envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		DailyAPIURL:            envOrDefault("DAILY_API_URL", "https://api.daily.co/v1"),
		LegacyBodyPassphrase:   envOrDefault("LEGACY_BODY_PASSPHRASE", "future"),
		PublicWSBaseURL:        envOrDefault("PUBLIC_WS_BASE_URL", "ws://localhost:7860"),
		ICEServers:             splitList(envOrDefault("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		BotConfigPath:          stringsTrimSpace("BOT_CONFIG_PATH"),
		ShutdownTimeout:        15 * time.Second,
		MaxSessionTime:         15 * time.Minute,
		MaxAttachmentBytes:     20 * 1024 * 1024,
		SessionJanitorInterval: 5 * time.Second,
		ServiceAPIKeys:         map[string]string{},
	}
	if v := stringsTrimSpace("GEMINI_API_KEY"); v != "" {
		cfg.ServiceAPIKeys[ServiceGemini] = v
	}
	if v := stringsTrimSpace("DAILY_API_KEY"); v != "" {
		cfg.ServiceAPIKeys[ServiceDaily] = v
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionJanitorInterval, err = durationFromEnv("APP_SESSION_JANITOR_INTERVAL", cfg.SessionJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	// Historically any non-empty value (often the debug room URL) enabled it.
	if v := stringsTrimSpace("USE_DEBUG_ROOM"); v != "" {
		cfg.UseDebugRoom, err = boolFromEnv("USE_DEBUG_ROOM", true)
		if err != nil {
			cfg.UseDebugRoom = true
		}
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			cfg.DebugRoomURL = v
		}
	}
	cfg.MaxAttachmentBytes, err = intFromEnv("MAX_ATTACHMENT_BYTES", cfg.MaxAttachmentBytes)
	if err != nil {
		return Config{}, err
	}

	// Seconds, matching the variable the room tokens were always issued with.
	// Zero falls back to the default.
	maxSeconds, err := intFromEnv("BOT_MAX_VOICE_SESSION_TIME", int(cfg.MaxSessionTime/time.Second))
	if err != nil {
		return Config{}, err
	}
	if maxSeconds < 0 {
		return Config{}, fmt.Errorf("BOT_MAX_VOICE_SESSION_TIME must be >= 0")
	}
	if maxSeconds > 0 {
		cfg.MaxSessionTime = time.Duration(maxSeconds) * time.Second
	}

	if cfg.MaxAttachmentBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}
	switch strings.ToLower(cfg.LLMProvider) {
	case "auto", "gemini", "mock":
		cfg.LLMProvider = strings.ToLower(cfg.LLMProvider)
	default:
		return Config{}, fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|gemini|mock)", cfg.LLMProvider)
	}

	cfg.Bot = DefaultBotConfig()
	if cfg.BotConfigPath != "" {
		cfg.Bot, err = LoadBotConfig(cfg.BotConfigPath)
		if err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// APIKey returns the key configured for a provider.
func (c Config) APIKey(provider string) (string, bool) {
	v, ok := c.ServiceAPIKeys[provider]
	return v, ok && strings.TrimSpace(v) != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
