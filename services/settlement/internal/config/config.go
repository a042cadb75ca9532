package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	base "github.com/mxsafiri/nedapay-plus--sub001/libs/config"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	FiatDelivered       string
	SettlementCompleted string
	SettlementFailed    string
	ManualReview        string
	LiquidityAlerts     string
	DLQ                 string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SettlementConfig struct {
	GatewayURL      string
	GatewayAPIKey   string
	Networks        []string
	SourceWallets   map[string]string
	TokenSymbol     string
	TransferTimeout time.Duration
	BatchDelay      time.Duration
	// RateLimit transfers per network within any trailing RateWindow, shared by every
	// instance on the same redis. An unset window spans RateLimit batch delays.
	RateLimit         int
	RateWindow        time.Duration
	NetworkRateLimits map[string]int
}

type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetries    int
	SweepInterval time.Duration
	BatchSize     int
}

type LiquidityConfig struct {
	MonitorInterval time.Duration
	InternalPoolID  uuid.UUID
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Settlement SettlementConfig
	Retry      RetryConfig
	Liquidity  LiquidityConfig
}

func Load() (*Config, error) {
	return LoadFile(base.Path())
}

func LoadFile(path string) (*Config, error) {
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	networkLimits, err := intMap(envMap("TRANSFER_NETWORK_RATE_LIMITS", v.GetStringMapString("settlement.network_rate_limits")))
	if err != nil {
		return nil, fmt.Errorf("settlement.network_rate_limits: %w", err)
	}

	poolRaw := envString("INTERNAL_POOL_PROVIDER_ID", v.GetString("liquidity.internal_pool_provider_id"))
	poolID := uuid.Nil
	if strings.TrimSpace(poolRaw) != "" {
		poolID, err = uuid.Parse(strings.TrimSpace(poolRaw))
		if err != nil {
			return nil, fmt.Errorf("invalid internal pool provider id: %w", err)
		}
	}

	brokers := envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers"))
	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Driver:   strings.ToLower(envString("STORAGE_DRIVER", v.GetString("storage.driver"))),
			Host:     envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:     envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:     envString("POSTGRES_DB", v.GetString("db.name")),
			User:     envString("POSTGRES_USER", v.GetString("db.user")),
			Password: envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:  envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
		},
		Kafka: KafkaConfig{
			Enabled:       len(brokers) > 0,
			Brokers:       brokers,
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				FiatDelivered:       envString("KAFKA_FIAT_DELIVERED_TOPIC", v.GetString("kafka.topics.fiat_delivered")),
				SettlementCompleted: envString("KAFKA_SETTLEMENT_COMPLETED_TOPIC", v.GetString("kafka.topics.settlement_completed")),
				SettlementFailed:    envString("KAFKA_SETTLEMENT_FAILED_TOPIC", v.GetString("kafka.topics.settlement_failed")),
				ManualReview:        envString("KAFKA_MANUAL_REVIEW_TOPIC", v.GetString("kafka.topics.manual_review")),
				LiquidityAlerts:     envString("KAFKA_LIQUIDITY_ALERTS_TOPIC", v.GetString("kafka.topics.liquidity_alerts")),
				DLQ:                 envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dlq")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Settlement: SettlementConfig{
			GatewayURL:      envString("TRANSFER_GATEWAY_URL", v.GetString("settlement.gateway_url")),
			GatewayAPIKey:   envString("TRANSFER_GATEWAY_API_KEY", v.GetString("settlement.gateway_api_key")),
			Networks:        lowerAll(envCSV("SETTLEMENT_NETWORKS", v.GetStringSlice("settlement.networks"))),
			SourceWallets:   envMap("SETTLEMENT_SOURCE_WALLETS", v.GetStringMapString("settlement.source_wallets")),
			TokenSymbol:     envString("SETTLEMENT_TOKEN", v.GetString("settlement.token_symbol")),
			TransferTimeout: envDuration("TRANSFER_TIMEOUT", v.GetDuration("settlement.transfer_timeout")),
			BatchDelay:      envDuration("SETTLEMENT_BATCH_DELAY", v.GetDuration("settlement.batch_delay")),
			RateLimit:       envInt("TRANSFER_RATE_LIMIT", v.GetInt("settlement.rate_limit")),
			RateWindow:      envDuration("TRANSFER_RATE_WINDOW", v.GetDuration("settlement.rate_window")),

			NetworkRateLimits: networkLimits,
		},
		Retry: RetryConfig{
			BaseDelay:     envDuration("RETRY_BASE_DELAY", v.GetDuration("retry.base_delay")),
			MaxDelay:      envDuration("RETRY_MAX_DELAY", v.GetDuration("retry.max_delay")),
			MaxRetries:    envInt("RETRY_MAX_RETRIES", v.GetInt("retry.max_retries")),
			SweepInterval: envDuration("RETRY_SWEEP_INTERVAL", v.GetDuration("retry.sweep_interval")),
			BatchSize:     envInt("RETRY_BATCH_SIZE", v.GetInt("retry.batch_size")),
		},
		Liquidity: LiquidityConfig{
			MonitorInterval: envDuration("LIQUIDITY_MONITOR_INTERVAL", v.GetDuration("liquidity.monitor_interval")),
			InternalPoolID:  poolID,
		},
	}

	if cfg.Settlement.RateWindow == 0 {
		cfg.Settlement.RateWindow = time.Duration(cfg.Settlement.RateLimit) * cfg.Settlement.BatchDelay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", StorageDriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "neda_settlement")
	v.SetDefault("db.user", "neda")
	v.SetDefault("db.password", "neda")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("kafka.consumer_group", "settlement-service")
	v.SetDefault("kafka.topics.fiat_delivered", "orders.fiat_delivered")
	v.SetDefault("kafka.topics.settlement_completed", "settlement.completed")
	v.SetDefault("kafka.topics.settlement_failed", "settlement.failed")
	v.SetDefault("kafka.topics.manual_review", "settlement.manual_review")
	v.SetDefault("kafka.topics.liquidity_alerts", "liquidity.alerts")

	v.SetDefault("settlement.networks", []string{"base", "polygon", "celo"})
	v.SetDefault("settlement.token_symbol", "USDC")
	v.SetDefault("settlement.transfer_timeout", "30s")
	v.SetDefault("settlement.batch_delay", "1s")
	v.SetDefault("settlement.rate_limit", 60)

	v.SetDefault("retry.base_delay", "5m")
	v.SetDefault("retry.max_delay", "24h")
	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("retry.sweep_interval", "1m")
	v.SetDefault("retry.batch_size", 100)

	v.SetDefault("liquidity.monitor_interval", "5m")
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.DB.Driver)
	}
	if c.DB.Driver == StorageDriverPostgres && (c.DB.Host == "" || c.DB.Name == "") {
		return fmt.Errorf("postgres host and database required")
	}
	if c.Kafka.Enabled {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.FiatDelivered == "" {
			return fmt.Errorf("kafka fiat delivered topic required")
		}
	}
	if len(c.Settlement.Networks) == 0 {
		return fmt.Errorf("at least one settlement network required")
	}
	if c.Settlement.TransferTimeout <= 0 {
		return fmt.Errorf("transfer timeout must be positive")
	}
	if c.Settlement.BatchDelay < 0 {
		return fmt.Errorf("batch delay must not be negative")
	}
	if c.Settlement.RateLimit < 0 || (c.Settlement.RateLimit > 0 && c.Settlement.RateWindow <= 0) {
		return fmt.Errorf("transfer rate limit requires a positive window or batch delay")
	}
	for network, limit := range c.Settlement.NetworkRateLimits {
		if limit <= 0 {
			return fmt.Errorf("transfer rate limit for %s must be positive", network)
		}
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry max retries must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// envMap parses "network=address,network=address".
func envMap(key string, def map[string]string) map[string]string {
	out := make(map[string]string)
	if v := os.Getenv(key); v != "" {
		for _, pair := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(pair, "=")
			k, val = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(val)
			if ok && k != "" && val != "" {
				out[k] = val
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	for k, val := range def {
		out[strings.ToLower(k)] = val
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intMap(in map[string]string) (map[string]int, error) {
	out := make(map[string]int, len(in))
	for k, raw := range in {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
