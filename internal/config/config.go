package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session manager service.
type Config struct {
	Port            int
	SessionsDir     string
	APIKey          string
	ShutdownTimeout time.Duration

	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AdapterMode string
	Headless    bool

	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	BootstrapReadyTimeout time.Duration

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	CountryCodeDefault string
}

// Load reads environment variables and applies safe defaults.
//
// Duration settings keep their historical millisecond-count variable names
// (WEBHOOK_TIMEOUT_MS and friends) and accept either a plain integer or a
// Go duration string.
func Load() (Config, error) {
	cfg := Config{
		SessionsDir:           envOrDefault("SESSIONS_DIR", "./sessions"),
		APIKey:                trimmedEnv("API_KEY"),
		MetricsNamespace:      envOrDefault("METRICS_NAMESPACE", "wamax"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LOG_FORMAT", "text"),
		AdapterMode:           envOrDefault("ADAPTER_MODE", "auto"),
		CountryCodeDefault:    digitsOnly(envOrDefault("COUNTRY_CODE_DEFAULT", "55")),
		Port:                  3000,
		Headless:              true,
		ShutdownTimeout:       15 * time.Second,
		WebhookTimeout:        6 * time.Second,
		WebhookMaxRetries:     3,
		BootstrapReadyTimeout: 2 * time.Minute,
		ReconnectMaxAttempts:  5,
		ReconnectBaseDelay:    2 * time.Second,
		ReconnectMaxDelay:     15 * time.Second,
	}
	if cfg.CountryCodeDefault == "" {
		cfg.CountryCodeDefault = "55"
	}

	var err error
	cfg.Port, err = intFromEnv("PORT", cfg.Port)
	if err != nil {
		return Config{}, err
	}
	cfg.Headless, err = boolFromEnv("HEADLESS", cfg.Headless)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT_MS", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookTimeout, err = durationFromEnv("WEBHOOK_TIMEOUT_MS", cfg.WebhookTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookMaxRetries, err = intFromEnv("WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.BootstrapReadyTimeout, err = durationFromEnv("BOOTSTRAP_READY_TIMEOUT_MS", cfg.BootstrapReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBaseDelay, err = durationFromEnv("RECONNECT_BASE_DELAY_MS", cfg.ReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxDelay, err = durationFromEnv("RECONNECT_MAX_DELAY_MS", cfg.ReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) BindAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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

func digitsOnly(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
