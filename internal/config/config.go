// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Quota counting policies. "all" counts every message created today against
// the daily limit regardless of outcome; "sent" counts only delivered ones.
const (
	QuotaPolicyAll  = "all"
	QuotaPolicySent = "sent"
)

// DelayRange bounds a randomized pacing delay.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	WADBPath    string
	QRDir       string
	Timezone    string
	AdminAPIKey string

	// Dispatch pacing.
	DailyMessageLimit int
	QuotaPolicy       string
	TickInterval      time.Duration
	SendHourStart     int
	SendHourEnd       int
	MessageDelay      DelayRange
	SessionDelay      DelayRange
	MicroSleepEvery   int
	MicroSleep        DelayRange
	SessionBatch      int
	ClaimBatch        int
	FailureBreaker    int

	// Session lifecycle.
	QRDebounce       time.Duration
	InitConcurrency  int
	AutoReplyRefresh time.Duration

	// Maintenance retention windows.
	SentRetention        time.Duration
	StaleRetention       time.Duration
	StaleProcessingAfter time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/wagate.db"),
		WADBPath:    getEnv("WA_DB_PATH", "./data/wa-creds.db"),
		QRDir:       getEnv("QR_DIR", "./data/qr"),
		Timezone:    getEnv("TIMEZONE", "Asia/Jakarta"),
		AdminAPIKey: getEnv("API_KEY", ""),

		DailyMessageLimit: getEnvInt("DAILY_MESSAGE_LIMIT", 250),
		QuotaPolicy:       getEnv("QUOTA_POLICY", QuotaPolicyAll),
		TickInterval:      getEnvDuration("TICK_INTERVAL", 20*time.Second),
		SendHourStart:     getEnvInt("SEND_HOUR_START", 6),
		SendHourEnd:       getEnvInt("SEND_HOUR_END", 24),
		MessageDelay: DelayRange{
			Min: getEnvDuration("MESSAGE_DELAY_MIN", 5*time.Second),
			Max: getEnvDuration("MESSAGE_DELAY_MAX", 15*time.Second),
		},
		SessionDelay: DelayRange{
			Min: getEnvDuration("SESSION_DELAY_MIN", 10*time.Second),
			Max: getEnvDuration("SESSION_DELAY_MAX", 30*time.Second),
		},
		MicroSleepEvery: getEnvInt("MICRO_SLEEP_EVERY", 10),
		MicroSleep: DelayRange{
			Min: getEnvDuration("MICRO_SLEEP_MIN", 30*time.Second),
			Max: getEnvDuration("MICRO_SLEEP_MAX", 90*time.Second),
		},
		SessionBatch:   getEnvInt("SESSION_BATCH", 10),
		ClaimBatch:     getEnvInt("CLAIM_BATCH", 15),
		FailureBreaker: getEnvInt("FAILURE_BREAKER", 3),

		QRDebounce:       getEnvDuration("QR_DEBOUNCE", 30*time.Second),
		InitConcurrency:  getEnvInt("INIT_CONCURRENCY", 5),
		AutoReplyRefresh: getEnvDuration("AUTOREPLY_REFRESH", time.Minute),

		SentRetention:        getEnvDuration("SENT_RETENTION", 30*24*time.Hour),
		StaleRetention:       getEnvDuration("STALE_RETENTION", 60*24*time.Hour),
		StaleProcessingAfter: getEnvDuration("STALE_PROCESSING_AFTER", 30*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WADBPath == "" {
		return fmt.Errorf("WA_DB_PATH cannot be empty")
	}
	if c.QuotaPolicy != QuotaPolicyAll && c.QuotaPolicy != QuotaPolicySent {
		return fmt.Errorf("QUOTA_POLICY must be %q or %q", QuotaPolicyAll, QuotaPolicySent)
	}
	if c.DailyMessageLimit <= 0 {
		return fmt.Errorf("DAILY_MESSAGE_LIMIT must be > 0")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be > 0")
	}
	if c.SendHourStart < 0 || c.SendHourStart > 23 {
		return fmt.Errorf("SEND_HOUR_START must be within 0..23")
	}
	if c.SendHourEnd <= c.SendHourStart || c.SendHourEnd > 24 {
		return fmt.Errorf("SEND_HOUR_END must be after SEND_HOUR_START and at most 24")
	}
	ranges := []struct {
		name string
		r    DelayRange
	}{
		{"MESSAGE_DELAY", c.MessageDelay},
		{"SESSION_DELAY", c.SessionDelay},
		{"MICRO_SLEEP", c.MicroSleep},
	}
	for _, d := range ranges {
		if d.r.Min < 0 || d.r.Max < d.r.Min {
			return fmt.Errorf("%s_MIN/%s_MAX range is inverted", d.name, d.name)
		}
	}
	if c.SessionBatch <= 0 {
		return fmt.Errorf("SESSION_BATCH must be > 0")
	}
	if c.ClaimBatch <= 0 {
		return fmt.Errorf("CLAIM_BATCH must be > 0")
	}
	if c.FailureBreaker <= 0 {
		return fmt.Errorf("FAILURE_BREAKER must be > 0")
	}
	if c.InitConcurrency <= 0 {
		return fmt.Errorf("INIT_CONCURRENCY must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	return nil
}

// Location resolves the configured timezone. Quota days and the operational
// hour window are both computed in this location.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
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
