package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
	"github.com/shopspring/decimal"
)

const (
	sourceWallet   = "0x2222222222222222222222222222222222222222"
	providerWallet = "0x1111111111111111111111111111111111111111"
	poolWallet     = "0x3333333333333333333333333333333333333333"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testTopics = EventTopics{
	SettlementCompleted: "settlement.completed",
	SettlementFailed:    "settlement.failed",
	ManualReview:        "settlement.manual_review",
	LiquidityAlerts:     "liquidity.alerts",
}

type publishedMessage struct {
	topic string
	key   string
	value any
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{topic: topic, key: key, value: value})
	return 0, int64(len(p.messages)), nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

// fakeGateway succeeds with tx ids 0xtx1, 0xtx2, ... unless fn overrides the outcome.
type fakeGateway struct {
	mu    sync.Mutex
	calls []transfer.Request
	fn    func(n int, req transfer.Request) (transfer.Result, error)
}

func (g *fakeGateway) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := len(g.calls)
	fn := g.fn
	g.mu.Unlock()
	if fn != nil {
		return fn(n, req)
	}
	return transfer.Result{Success: true, TransactionID: fmt.Sprintf("0xtx%d", n), NetworkUsed: req.Network}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) lastCall() transfer.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type harness struct {
	store     *storage.Memory
	gateway   *fakeGateway
	publisher *recordingPublisher
	events    *Events
	liquidity *LiquidityService
	router    *Router
	engine    *SettlementEngine
	retries   *RetryQueue
	poolID    uuid.UUID
	now       time.Time

	mu     sync.Mutex
	sleeps []time.Duration
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, DefaultRetryPolicy())
}

func newHarnessWithPolicy(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemory(),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		poolID:    uuid.New(),
		now:       testNow,
	}
	logger := testLogger()
	h.events = NewEvents(h.publisher, testTopics, logger)
	h.liquidity = NewLiquidityService(h.store, h.events, logger, nil)
	h.liquidity.now = func() time.Time { return h.now }
	h.router = NewRouter(h.store, h.liquidity, h.poolID, logger, nil)
	h.engine = NewSettlementEngine(h.store, h.gateway, h.events, SettlementConfig{
		Networks:      []string{"base", "polygon"},
		SourceWallets: map[string]string{"base": sourceWallet, "polygon": sourceWallet},
		TokenSymbol:   "USDC",
		BatchDelay:    100 * time.Millisecond,
		Retry:         policy,
	}, logger, nil)
	h.engine.now = func() time.Time { return h.now }
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.retries = NewRetryQueue(h.store, h.engine, h.events, policy, 50, logger, nil)
	h.retries.now = func() time.Time { return h.now }

	if err := h.store.UpsertProvider(context.Background(), storage.ProviderProfile{
		ID:                 h.poolID,
		Name:               "internal pool",
		CommissionRate:     decimal.Zero,
		TreasuryWallets:    map[string]string{"base": poolWallet},
		IsActive:           true,
		IsAvailable:        true,
		VerificationStatus: storage.VerificationApproved,
	}); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}
	return h
}

func (h *harness) reserve(t *testing.T, currency string, threshold, optimal, deposit int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.ProvisionReserve(ctx, storage.LiquidityReserve{
		Currency:         currency,
		ProviderType:     "bank_account",
		MinimumThreshold: decimal.NewFromInt(threshold),
		OptimalBalance:   decimal.NewFromInt(optimal),
	}); err != nil {
		t.Fatalf("provision %s: %v", currency, err)
	}
	if deposit > 0 {
		if _, err := h.store.DepositLiquidity(ctx, currency, decimal.NewFromInt(deposit), "initial funding", "test"); err != nil {
			t.Fatalf("deposit %s: %v", currency, err)
		}
	}
}

func (h *harness) provider(t *testing.T, name, rate string, fulfillments int64, wallets map[string]string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := h.store.UpsertProvider(context.Background(), storage.ProviderProfile{
		ID:                 id,
		Name:               name,
		CommissionRate:     decimal.RequireFromString(rate),
		TreasuryWallets:    wallets,
		IsActive:           true,
		IsAvailable:        true,
		VerificationStatus: storage.VerificationApproved,
		FulfillmentCount:   fulfillments,
	}); err != nil {
		t.Fatalf("upsert provider %s: %v", name, err)
	}
	return id
}

// order inserts a fiat-delivered order, optionally already assigned to providerID.
func (h *harness) order(t *testing.T, currency string, amount int64, providerID *uuid.UUID) uuid.UUID {
	t.Helper()
	o := storage.PaymentOrder{
		ID:          uuid.New(),
		Amount:      decimal.NewFromInt(amount),
		Currency:    currency,
		TokenSymbol: "USDC",
		Status:      storage.OrderStatusFiatDelivered,
	}
	if providerID != nil {
		pid := *providerID
		o.AssignedProviderID = &pid
		o.PSPCommission = decimal.NewFromInt(amount).Mul(decimal.RequireFromString("0.003"))
	}
	if err := h.store.InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o.ID
}

func (h *harness) getOrder(t *testing.T, id uuid.UUID) *storage.PaymentOrder {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func (h *harness) getReserve(t *testing.T, currency string) *storage.LiquidityReserve {
	t.Helper()
	r, err := h.store.GetReserve(context.Background(), currency)
	if err != nil {
		t.Fatalf("get reserve: %v", err)
	}
	if !r.Balanced() {
		t.Fatalf("reserve %s out of balance: %+v", currency, r)
	}
	return r
}

func wallets(addr string) map[string]string {
	return map[string]string{"base": addr}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
