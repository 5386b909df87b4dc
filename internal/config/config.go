// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (holds per-user OAuth refresh credentials)
	DatabaseURL string

	// Auth
	JWTSecret string

	// OIDC (optional — accept IdP-issued tokens on cloud routes)
	OIDCIssuerURL string
	OIDCClientID  string

	// Telegram relay store
	TelegramBotToken  string
	TelegramChannelID string
	TelegramAPIBase   string

	// Google Drive OAuth client
	GoogleClientID     string
	GoogleClientSecret string

	// Video audio extraction (candidate endpoints, fixed priority order)
	VideoExtractorEndpoints []string

	// Memoization
	MemoTTL  time.Duration // resolved relay path lifetime
	TokenTTL time.Duration // cached Drive access token lifetime
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		JWTSecret:          envOr("JWT_SECRET", ""),
		OIDCIssuerURL:      envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:       envOr("OIDC_CLIENT_ID", ""),
		TelegramBotToken:   envOr("TELEGRAM_BOT_TOKEN", ""),
		TelegramChannelID:  envOr("TELEGRAM_CHANNEL_ID", ""),
		TelegramAPIBase:    envOr("TELEGRAM_API_BASE", "https://api.telegram.org"),
		GoogleClientID:     envOr("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: envOr("GOOGLE_CLIENT_SECRET", ""),
		MemoTTL:            envDuration("MEMO_TTL", 30*time.Minute),
		TokenTTL:           envDuration("TOKEN_TTL", 45*time.Minute),
	}

	cfg.VideoExtractorEndpoints = envList("VIDEO_EXTRACTOR_ENDPOINTS", []string{
		"https://pipedapi.kavin.rocks",
		"https://pipedapi.adminforge.de",
	})

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
