package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/health"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/httpmiddleware"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/kafka"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/logging"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/metrics"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/trace"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/app"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/config"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/consumer"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(false)

	settlement, err := app.New(context.Background(), cfg, logger, app.Options{Registry: registry})
	if err != nil {
		logger.Error("settlement init failed", "error", err)
		os.Exit(1)
	}
	defer settlement.Close()
	ready.AddCheck("storage", settlement.Store.Ping)

	api := handlers.New(settlement.Liquidity, settlement.Router, settlement.Settlement, settlement.Retries, logger)
	httpServer := buildHTTPServer(cfg, api, ready, registry, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	settlement.Retries.StartRetrySweeper(bgCtx, cfg.Retry.SweepInterval)
	settlement.Liquidity.StartLiquidityMonitor(bgCtx, cfg.Liquidity.MonitorInterval)

	if cfg.Kafka.Enabled {
		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		if cfg.Kafka.Topics.DLQ != "" {
			consumerGroup.WithDLQ(settlement.Publisher, cfg.Kafka.Topics.DLQ)
		}
		defer consumerGroup.Close()

		fiatConsumer := consumer.NewFiatDeliveredConsumer(settlement.Settlement, logger)
		go func() {
			logger.Info("settlement consumer starting", "topic", cfg.Kafka.Topics.FiatDelivered)
			if err := consumerGroup.Consume(bgCtx, []string{cfg.Kafka.Topics.FiatDelivered}, fiatConsumer); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	go func() {
		logger.Info("settlement http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, bgCancel, logger)
}

func buildHTTPServer(cfg *config.Config, api *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	api.Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
