package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Errorf("unexpected port %q", cfg.HTTPPort)
	}
	if cfg.WatchdogInterval != 15*time.Second {
		t.Errorf("unexpected watchdog interval %s", cfg.WatchdogInterval)
	}
	if cfg.SweepSchedule == "" {
		t.Error("sweep schedule must have a default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WATCHDOG_INTERVAL", "3s")
	t.Setenv("SWEEP_SCHEDULE", "0 * * * *")

	cfg := Load()
	if cfg.WatchdogInterval != 3*time.Second {
		t.Errorf("unexpected watchdog interval %s", cfg.WatchdogInterval)
	}
	if cfg.SweepSchedule != "0 * * * *" {
		t.Errorf("unexpected schedule %q", cfg.SweepSchedule)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WATCHDOG_INTERVAL", "soon")
	t.Setenv("RATE_LIMIT_CAPACITY", "many")

	cfg := Load()
	if cfg.WatchdogInterval != 15*time.Second {
		t.Errorf("malformed duration should fall back, got %s", cfg.WatchdogInterval)
	}
	if cfg.RateLimitCapacity != 50 {
		t.Errorf("malformed int should fall back, got %d", cfg.RateLimitCapacity)
	}
}
