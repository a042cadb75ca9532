package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/kafka"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/rate"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/config"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const redisBudgetPrefix = "settlement:transfer-budget:"

var errGatewayNotConfigured = errors.New("transfer gateway not configured")

// Store is everything the settlement services need from persistence.
type Store interface {
	service.ReserveStore
	service.RoutingStore
	service.SettlementStore
	service.RetryStore
	Ping(ctx context.Context) error
}

type App struct {
	Config     *config.Config
	Store      Store
	Publisher  kafka.Publisher
	Liquidity  *service.LiquidityService
	Router     *service.Router
	Settlement *service.SettlementEngine
	Retries    *service.RetryQueue
	Metrics    *service.Metrics

	logger  *slog.Logger
	closers []func() error
}

// Options lets callers swap in dependencies that New would otherwise build from config.
type Options struct {
	Registry *prometheus.Registry
	Store    Store
	// Transfer replaces the HTTP gateway client. Rate limiting and the transfer timeout still wrap it.
	Transfer  transfer.Client
	Publisher kafka.Publisher
}

// New builds the storage, transfer, event and service graph described by cfg. Close releases
// whatever New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	a := &App{Config: cfg, logger: logger}

	var err error
	store := opts.Store
	if store == nil {
		store, err = a.openStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Store = store

	client, err := a.buildTransferClient(ctx, opts.Transfer)
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher, err = a.buildPublisher(opts.Registry)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Publisher = publisher

	a.Metrics = service.NewMetrics(opts.Registry)
	events := service.NewEvents(publisher, service.EventTopics{
		SettlementCompleted: cfg.Kafka.Topics.SettlementCompleted,
		SettlementFailed:    cfg.Kafka.Topics.SettlementFailed,
		ManualReview:        cfg.Kafka.Topics.ManualReview,
		LiquidityAlerts:     cfg.Kafka.Topics.LiquidityAlerts,
	}, logger)

	policy := service.RetryPolicy{
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		MaxRetries: cfg.Retry.MaxRetries,
	}
	a.Liquidity = service.NewLiquidityService(store, events, logger, a.Metrics)
	a.Router = service.NewRouter(store, a.Liquidity, cfg.Liquidity.InternalPoolID, logger, a.Metrics)
	a.Settlement = service.NewSettlementEngine(store, client, events, service.SettlementConfig{
		Networks:      cfg.Settlement.Networks,
		SourceWallets: cfg.Settlement.SourceWallets,
		TokenSymbol:   cfg.Settlement.TokenSymbol,
		BatchDelay:    cfg.Settlement.BatchDelay,
		Retry:         policy,
	}, logger, a.Metrics)
	a.Retries = service.NewRetryQueue(store, a.Settlement, events, policy, cfg.Retry.BatchSize, logger, a.Metrics)

	return a, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.Config.DB.Driver {
	case config.StorageDriverMemory:
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return storage.NewMemory(), nil
	case config.StorageDriverPostgres:
		pool, err := ConnectDB(ctx, a.Config.DB)
		if err != nil {
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return storage.NewPostgres(pool, a.logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", a.Config.DB.Driver)
	}
}

// ConnectDB opens and pings a pgx pool.
func ConnectDB(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (a *App) buildTransferClient(ctx context.Context, client transfer.Client) (transfer.Client, error) {
	cfg := a.Config.Settlement
	if client == nil {
		if strings.TrimSpace(cfg.GatewayURL) == "" {
			a.logger.Warn("transfer gateway url not set; settlements will fail and be scheduled for retry")
			client = transfer.ClientFunc(func(context.Context, transfer.Request) (transfer.Result, error) {
				return transfer.Result{}, errGatewayNotConfigured
			})
		} else {
			client = transfer.NewHTTPClient(cfg.GatewayURL, cfg.GatewayAPIKey, &http.Client{})
		}
	}

	if cfg.RateLimit > 0 {
		limiter, err := a.buildLimiter(ctx)
		if err != nil {
			return nil, err
		}
		client = transfer.WithLimiter(client, limiter)
	}
	return transfer.WithTimeout(client, cfg.TransferTimeout), nil
}

// transferQuotas gives every network the default budget unless it has its own limit.
func transferQuotas(cfg config.SettlementConfig) rate.Quotas {
	quotas := rate.Quotas{
		Default:  rate.Quota{Limit: cfg.RateLimit, Window: cfg.RateWindow},
		Networks: make(map[string]rate.Quota, len(cfg.NetworkRateLimits)),
	}
	for network, limit := range cfg.NetworkRateLimits {
		quotas.Networks[strings.ToLower(network)] = rate.Quota{Limit: limit, Window: cfg.RateWindow}
	}
	return quotas
}

func (a *App) buildLimiter(ctx context.Context) (rate.Limiter, error) {
	cfg := a.Config
	quotas := transferQuotas(cfg.Settlement)
	if cfg.Redis.Addr == "" {
		return rate.NewMemory(quotas)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if cfg.App.Env == "dev" || cfg.App.Env == "test" {
			a.logger.Warn("redis transfer budget unavailable, falling back to memory", "error", err)
			return rate.NewMemory(quotas)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return rate.NewRedisBudget(client, quotas, redisBudgetPrefix)
}

func (a *App) buildPublisher(registry *prometheus.Registry) (kafka.Publisher, error) {
	cfg := a.Config.Kafka
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		a.logger.Warn("kafka disabled; settlement events are not published")
		return kafka.NopPublisher{}, nil
	}
	producer, err := kafka.NewSyncProducer(cfg.Brokers, a.Config.App.ServiceName, a.logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, fmt.Errorf("kafka producer init failed: %w", err)
	}
	a.closers = append(a.closers, producer.Close)
	if strings.TrimSpace(cfg.Topics.DLQ) == "" {
		return producer, nil
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Topics.DLQ, a.logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close failed", "error", err)
		}
	}
	a.closers = nil
}
