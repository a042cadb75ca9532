package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "settlement-service" {
		t.Fatalf("expected default service name, got %s", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.WriteTimeout != 30*time.Second {
		t.Fatalf("expected write timeout 30s, got %s", cfg.HTTP.WriteTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("service_name: settlement-test\nenv: PROD\nhttp:\n  port: 9999\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "settlement-test" {
		t.Fatalf("unexpected service name %s", cfg.ServiceName)
	}
	if cfg.Env != "prod" {
		t.Fatalf("expected env to be lower-cased, got %s", cfg.Env)
	}
	if cfg.HTTP.Port != 9999 {
		t.Fatalf("unexpected port %d", cfg.HTTP.Port)
	}
}

func TestPathHonoursEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, "/etc/neda/settlement.yaml")
	if got := Path(); got != "/etc/neda/settlement.yaml" {
		t.Fatalf("unexpected path %s", got)
	}
}
