package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("STORAGE_DRIVER", "")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != StorageDriverPostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.DB.Driver)
	}
	if cfg.Kafka.Enabled {
		t.Fatal("kafka should be disabled without brokers")
	}
	if cfg.Retry.BaseDelay != 5*time.Minute || cfg.Retry.MaxDelay != 24*time.Hour || cfg.Retry.MaxRetries != 10 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if len(cfg.Settlement.Networks) == 0 || cfg.Settlement.Networks[0] != "base" {
		t.Fatalf("unexpected networks %v", cfg.Settlement.Networks)
	}
	if cfg.Liquidity.InternalPoolID != uuid.Nil {
		t.Fatalf("expected no internal pool by default, got %s", cfg.Liquidity.InternalPoolID)
	}
	if cfg.Settlement.RateLimit != 60 || cfg.Settlement.RateWindow != time.Minute {
		t.Fatalf("expected 60 transfers per 60 batch delays, got %d per %s", cfg.Settlement.RateLimit, cfg.Settlement.RateWindow)
	}
}

func TestLoadTransferBudget(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("TRANSFER_RATE_WINDOW", "")
	t.Setenv("TRANSFER_NETWORK_RATE_LIMITS", "")
	path := writeConfig(t, `
settlement:
  batch_delay: 250ms
  rate_limit: 20
  network_rate_limits:
    Polygon: 5
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.RateWindow != 5*time.Second {
		t.Fatalf("expected window of 20 batch delays, got %s", cfg.Settlement.RateWindow)
	}
	if cfg.Settlement.NetworkRateLimits["polygon"] != 5 {
		t.Fatalf("unexpected network limits %v", cfg.Settlement.NetworkRateLimits)
	}

	t.Setenv("TRANSFER_RATE_WINDOW", "30s")
	t.Setenv("TRANSFER_NETWORK_RATE_LIMITS", "celo=2")
	cfg, err = LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.RateWindow != 30*time.Second || cfg.Settlement.NetworkRateLimits["celo"] != 2 {
		t.Fatalf("env should override budget, got %s %v", cfg.Settlement.RateWindow, cfg.Settlement.NetworkRateLimits)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	poolID := uuid.New()
	path := writeConfig(t, `
storage:
  driver: memory
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
settlement:
  networks: ["Polygon", "base"]
  source_wallets:
    polygon: "0x2222222222222222222222222222222222222222"
  transfer_timeout: 10s
retry:
  max_retries: 4
liquidity:
  internal_pool_provider_id: "`+poolID.String()+`"
`)
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("INTERNAL_POOL_PROVIDER_ID", "")
	t.Setenv("SETTLEMENT_SOURCE_WALLETS", "base=0x1111111111111111111111111111111111111111")
	t.Setenv("RETRY_BASE_DELAY", "1m")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != StorageDriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.DB.Driver)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Settlement.Networks[0] != "polygon" {
		t.Fatalf("networks should be lower-cased, got %v", cfg.Settlement.Networks)
	}
	if cfg.Settlement.SourceWallets["base"] == "" || cfg.Settlement.SourceWallets["polygon"] != "" {
		t.Fatalf("env wallets should replace file wallets, got %v", cfg.Settlement.SourceWallets)
	}
	if cfg.Settlement.TransferTimeout != 10*time.Second || cfg.Retry.BaseDelay != time.Minute || cfg.Retry.MaxRetries != 4 {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Settlement, cfg.Retry)
	}
	if cfg.Liquidity.InternalPoolID != poolID {
		t.Fatalf("expected pool id %s, got %s", poolID, cfg.Liquidity.InternalPoolID)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("TRANSFER_RATE_WINDOW", "")
	t.Setenv("TRANSFER_NETWORK_RATE_LIMITS", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("INTERNAL_POOL_PROVIDER_ID", "")
	cases := map[string]string{
		"driver":      "storage:\n  driver: sqlite\n",
		"pool id":     "liquidity:\n  internal_pool_provider_id: not-a-uuid\n",
		"retry delay": "retry:\n  base_delay: 2h\n  max_delay: 1h\n",
		"max retries": "retry:\n  max_retries: 0\n",
		"no window":   "settlement:\n  batch_delay: 0s\n",
		"bad limit":   "settlement:\n  network_rate_limits:\n    base: many\n",
		"zero limit":  "settlement:\n  network_rate_limits:\n    base: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
