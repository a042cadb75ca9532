package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/kafka"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/logging"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/config"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
	"github.com/shopspring/decimal"
)

func testConfig() *config.Config {
	return &config.Config{
		DB: config.DBConfig{Driver: config.StorageDriverMemory},
		Settlement: config.SettlementConfig{
			Networks:        []string{"base"},
			SourceWallets:   map[string]string{"base": "0x2222222222222222222222222222222222222222"},
			TokenSymbol:     "USDC",
			TransferTimeout: time.Second,
		},
		Retry: config.RetryConfig{
			BaseDelay:  5 * time.Minute,
			MaxDelay:   24 * time.Hour,
			MaxRetries: 10,
			BatchSize:  10,
		},
		Liquidity: config.LiquidityConfig{InternalPoolID: uuid.New()},
	}
}

func countingClient(calls *int32) transfer.Client {
	return transfer.ClientFunc(func(ctx context.Context, req transfer.Request) (transfer.Result, error) {
		n := atomic.AddInt32(calls, 1)
		return transfer.Result{Success: true, TransactionID: fmt.Sprintf("0xtx%d", n), NetworkUsed: req.Network}, nil
	})
}

func TestNewWiresMemoryStack(t *testing.T) {
	cfg := testConfig()
	var calls int32
	a, err := New(context.Background(), cfg, logging.Discard(), Options{Transfer: countingClient(&calls)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if _, ok := a.Publisher.(kafka.NopPublisher); !ok {
		t.Fatalf("expected nop publisher without brokers, got %T", a.Publisher)
	}
	mem, ok := a.Store.(*storage.Memory)
	if !ok {
		t.Fatalf("expected memory store, got %T", a.Store)
	}

	ctx := context.Background()
	poolID := cfg.Liquidity.InternalPoolID
	if err := mem.UpsertProvider(ctx, storage.ProviderProfile{
		ID: poolID, Name: "internal pool", CommissionRate: decimal.Zero,
		TreasuryWallets: map[string]string{"base": "0x1111111111111111111111111111111111111111"},
		IsActive:        true, IsAvailable: true, VerificationStatus: storage.VerificationApproved,
	}); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}
	if _, err := mem.ProvisionReserve(ctx, storage.LiquidityReserve{
		Currency: "NGN", ProviderType: "bank_account",
		MinimumThreshold: decimal.NewFromInt(100), OptimalBalance: decimal.NewFromInt(1000),
	}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := a.Liquidity.LogDeposit(ctx, "NGN", decimal.NewFromInt(5000), "", "ops"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	orderID := uuid.New()
	if err := mem.InsertOrder(ctx, storage.PaymentOrder{
		ID: orderID, Amount: decimal.NewFromInt(1200), Currency: "NGN", TokenSymbol: "USDC",
		Status: storage.OrderStatusFiatDelivered,
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	assignment, err := a.Router.AssignOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !assignment.IsInternal() {
		t.Fatalf("expected internal assignment, got %+v", assignment)
	}
	res, err := a.Settlement.SettleProviderOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Success || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = "sqlite"
	if _, err := New(context.Background(), cfg, logging.Discard(), Options{}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestUnconfiguredGatewayFailsTransfers(t *testing.T) {
	cfg := testConfig()
	a := &App{Config: cfg, logger: logging.Discard()}
	client, err := a.buildTransferClient(context.Background(), nil)
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	if _, err := client.Transfer(context.Background(), transfer.Request{}); !errors.Is(err, errGatewayNotConfigured) {
		t.Fatalf("expected errGatewayNotConfigured, got %v", err)
	}
}

func TestTransferClientSpendsRedisBudgetPerNetwork(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	cfg := testConfig()
	cfg.Redis.Addr = s.Addr()
	cfg.Settlement.RateLimit = 2
	cfg.Settlement.RateWindow = time.Minute
	cfg.Settlement.NetworkRateLimits = map[string]int{"Polygon": 1}

	a := &App{Config: cfg, logger: logging.Discard()}
	defer a.Close()
	var calls int32
	client, err := a.buildTransferClient(context.Background(), countingClient(&calls))
	if err != nil {
		t.Fatalf("build client: %v", err)
	}

	for _, network := range []string{"base", "base", "polygon"} {
		if _, err := client.Transfer(context.Background(), transfer.Request{Network: network}); err != nil {
			t.Fatalf("transfer on %s: %v", network, err)
		}
	}

	for _, network := range []string{"base", "polygon"} {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		res, err := client.Transfer(ctx, transfer.Request{Network: network})
		cancel()
		if err == nil && res.Success {
			t.Fatalf("expected %s to be out of budget", network)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", got)
	}
	if !s.Exists(redisBudgetPrefix+"base") || !s.Exists(redisBudgetPrefix+"polygon") {
		t.Fatalf("expected a budget key per network, got %v", s.Keys())
	}
}

func TestTransferBudgetFallsBackToMemoryInDev(t *testing.T) {
	cfg := testConfig()
	cfg.App.Env = "dev"
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Settlement.RateLimit = 1
	cfg.Settlement.RateWindow = time.Minute

	a := &App{Config: cfg, logger: logging.Discard()}
	if _, err := a.buildLimiter(context.Background()); err != nil {
		t.Fatalf("expected memory fallback, got %v", err)
	}

	cfg.App.Env = "prod"
	if _, err := a.buildLimiter(context.Background()); err == nil {
		t.Fatal("expected redis error outside dev")
	}
}
