package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DispatchInterval != 30*time.Second {
		t.Errorf("expected default dispatch interval 30s, got %v", cfg.DispatchInterval)
	}
	if cfg.MaxPerCycle != 25 {
		t.Errorf("expected default max per cycle 25, got %d", cfg.MaxPerCycle)
	}
	if cfg.APIRateLimit != 100 {
		t.Errorf("expected default rate limit 100, got %d", cfg.APIRateLimit)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DISPATCH_INTERVAL", "10s")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("API_RATE_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.DBHost != "db.internal" {
		t.Errorf("expected db host override, got %s", cfg.DBHost)
	}
	if cfg.DispatchInterval != 10*time.Second {
		t.Errorf("expected dispatch interval 10s, got %v", cfg.DispatchInterval)
	}
	if cfg.RedisDB != 2 {
		t.Errorf("expected redis db 2, got %d", cfg.RedisDB)
	}
	if cfg.APIRateWindow != 30*time.Second {
		t.Errorf("expected rate window 30s, got %v", cfg.APIRateWindow)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}
