package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the ingestion service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogPretty        bool

	AllowAnyOrigin bool

	// DatabaseURL selects the durable store: postgres://..., sqlite://path
	// or a *.db path, empty for in-memory.
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	RedactPII      bool
	RecallMaxLimit int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "memorybridge"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		// The capture agent posts from chat page origins.
		AllowAnyOrigin: true,
		DatabaseURL:    stringsTrimSpace("DATABASE_URL"),
		RedisURL:       stringsTrimSpace("REDIS_URL"),
		CacheTTL:       24 * time.Hour,
		RecallMaxLimit: 10000,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL, err = durationFromEnv("CACHE_TTL", cfg.CacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("APP_LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallMaxLimit, err = intFromEnv("RECALL_MAX_LIMIT", cfg.RecallMaxLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.CacheTTL < time.Minute {
		return Config{}, fmt.Errorf("CACHE_TTL must be at least 1m")
	}
	if cfg.RecallMaxLimit <= 0 {
		return Config{}, fmt.Errorf("RECALL_MAX_LIMIT must be positive")
	}

	return cfg, nil
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

func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
