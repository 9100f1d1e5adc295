package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RedisChannelPrefix != "docsync" {
		t.Errorf("RedisChannelPrefix = %q", cfg.RedisChannelPrefix)
	}
	if cfg.PermissionCacheTTL != 5*time.Minute {
		t.Errorf("PermissionCacheTTL = %s", cfg.PermissionCacheTTL)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("PERSIST_INTERVAL", "250ms")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.PersistInterval != 250*time.Millisecond {
		t.Errorf("PersistInterval = %s", cfg.PersistInterval)
	}
	if cfg.RedisURL == "" {
		t.Error("RedisURL not read")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad port", "PORT", "70000"},
		{"unparseable port", "PORT", "eighty"},
		{"short secret", "JWT_SECRET", "short"},
		{"zero persist interval", "PERSIST_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}
