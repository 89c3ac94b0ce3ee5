package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Timezone != "Asia/Jakarta" {
		t.Errorf("Timezone = %q, want Asia/Jakarta", cfg.Timezone)
	}
	if cfg.DailyMessageLimit != 250 {
		t.Errorf("DailyMessageLimit = %d, want 250", cfg.DailyMessageLimit)
	}
	if cfg.QuotaPolicy != QuotaPolicyAll {
		t.Errorf("QuotaPolicy = %q, want %q", cfg.QuotaPolicy, QuotaPolicyAll)
	}
	if cfg.TickInterval != 20*time.Second {
		t.Errorf("TickInterval = %v, want 20s", cfg.TickInterval)
	}
	if cfg.SendHourStart != 6 || cfg.SendHourEnd != 24 {
		t.Errorf("operational hours = %d-%d, want 6-24", cfg.SendHourStart, cfg.SendHourEnd)
	}
	if cfg.MessageDelay.Min != 5*time.Second || cfg.MessageDelay.Max != 15*time.Second {
		t.Errorf("MessageDelay = %v, want 5s-15s", cfg.MessageDelay)
	}
	if cfg.ClaimBatch != 15 || cfg.SessionBatch != 10 {
		t.Errorf("batches = %d/%d, want 15/10", cfg.ClaimBatch, cfg.SessionBatch)
	}
	if cfg.FailureBreaker != 3 {
		t.Errorf("FailureBreaker = %d, want 3", cfg.FailureBreaker)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("QUOTA_POLICY", "sent")
	t.Setenv("DAILY_MESSAGE_LIMIT", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.TickInterval != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s", cfg.TickInterval)
	}
	if cfg.QuotaPolicy != QuotaPolicySent {
		t.Errorf("QuotaPolicy = %q, want sent", cfg.QuotaPolicy)
	}
	if cfg.DailyMessageLimit != 100 {
		t.Errorf("DailyMessageLimit = %d, want 100", cfg.DailyMessageLimit)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("DAILY_MESSAGE_LIMIT", "not-a-number")
	t.Setenv("TICK_INTERVAL", "garbage")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DailyMessageLimit != 250 {
		t.Errorf("DailyMessageLimit = %d, want fallback 250", cfg.DailyMessageLimit)
	}
	if cfg.TickInterval != 20*time.Second {
		t.Errorf("TickInterval = %v, want fallback 20s", cfg.TickInterval)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"bad quota policy", func(c *Config) { c.QuotaPolicy = "weekly" }},
		{"zero daily limit", func(c *Config) { c.DailyMessageLimit = 0 }},
		{"inverted hours", func(c *Config) { c.SendHourStart = 20; c.SendHourEnd = 8 }},
		{"inverted delay range", func(c *Config) { c.MessageDelay.Min = time.Minute; c.MessageDelay.Max = time.Second }},
		{"zero claim batch", func(c *Config) { c.ClaimBatch = 0 }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should have failed")
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "Asia/Jakarta"}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location() failed: %v", err)
	}
	if loc.String() != "Asia/Jakarta" {
		t.Errorf("Location() = %v, want Asia/Jakarta", loc)
	}
}
