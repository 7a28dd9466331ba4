// Package config loads the process configuration from the environment and
// watches an optional overrides file for runtime tuning.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is everything the serve command needs to assemble the runtime.
type Config struct {
	ListenAddr string
	LogLevel   string

	ClientID      string
	ClientSecret  string
	BaseURL       string
	AccountID     string
	WebhookSecret string

	RatePerMinute     int
	CacheTTL          time.Duration
	MaxRetries        int
	PoolMaxConns      int
	RequestTimeout    time.Duration
	DedupWindow       time.Duration
	PollInterval      time.Duration
	RespectRetryAfter bool

	RedisAddr     string
	DatabaseURL   string
	OverridesPath string
}

// Load reads a .env file when present, then the process environment. Missing
// values fall back to zero so the adapter applies its own defaults.
func Load(logger *logrus.Logger) Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("could not read .env file")
	}
	return Config{
		ListenAddr: stringEnv("LISTEN_ADDR", ":8080"),
		LogLevel:   stringEnv("LOG_LEVEL", "info"),

		ClientID:      os.Getenv("WHITEBOARD_CLIENT_ID"),
		ClientSecret:  os.Getenv("WHITEBOARD_CLIENT_SECRET"),
		BaseURL:       os.Getenv("WHITEBOARD_BASE_URL"),
		AccountID:     os.Getenv("WHITEBOARD_ACCOUNT_ID"),
		WebhookSecret: os.Getenv("WHITEBOARD_WEBHOOK_SECRET"),

		RatePerMinute:     intEnv(logger, "WHITEBOARD_RATE_LIMIT_PER_MIN", 0),
		CacheTTL:          secondsEnv(logger, "WHITEBOARD_CACHE_TTL_SECONDS", 0),
		MaxRetries:        intEnv(logger, "WHITEBOARD_MAX_RETRIES", 0),
		PoolMaxConns:      intEnv(logger, "WHITEBOARD_POOL_MAX_CONNS", 0),
		RequestTimeout:    millisEnv(logger, "WHITEBOARD_REQUEST_TIMEOUT_MS", 0),
		DedupWindow:       millisEnv(logger, "WHITEBOARD_WEBHOOK_DEDUP_WINDOW_MS", 0),
		PollInterval:      millisEnv(logger, "WHITEBOARD_POLL_INTERVAL_MS", 0),
		RespectRetryAfter: boolEnv(logger, "WHITEBOARD_RESPECT_RETRY_AFTER", false),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		OverridesPath: strings.TrimSpace(os.Getenv("WHITEBOARD_OVERRIDES_FILE")),
	}
}

// ParseLevel maps LOG_LEVEL onto a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

func stringEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(logger *logrus.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.WithField("value", raw).Warnf("invalid %s, using fallback %d", name, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger *logrus.Logger, name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.WithField("value", raw).Warnf("invalid %s, using fallback %t", name, fallback)
		return fallback
	}
	return value
}

func secondsEnv(logger *logrus.Logger, name string, fallback time.Duration) time.Duration {
	return time.Duration(intEnv(logger, name, int(fallback/time.Second))) * time.Second
}

func millisEnv(logger *logrus.Logger, name string, fallback time.Duration) time.Duration {
	return time.Duration(intEnv(logger, name, int(fallback/time.Millisecond))) * time.Millisecond
}
