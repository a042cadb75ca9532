package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mxsafiri/nedapay-plus--sub001/services/testutil"
	"github.com/shopspring/decimal"
)

func setupPostgres(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	if err := testutil.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	return NewPostgres(pool, nil), pool
}

func provisionPG(t *testing.T, store *Postgres, currency string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.ProvisionReserve(ctx, LiquidityReserve{
		Currency:         currency,
		ProviderType:     "bank_account",
		MinimumThreshold: decimal.NewFromInt(1000),
		OptimalBalance:   decimal.NewFromInt(100000),
	}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := store.DepositLiquidity(ctx, currency, decimal.NewFromInt(amount), "seed", "test"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestPostgresReserveReleaseDeposit(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	provisionPG(t, store, "CNY", 1000000)

	orderID := uuid.New()
	tx, err := store.ReserveLiquidity(ctx, "cny", decimal.NewFromInt(10000), orderID, "router")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if tx.BalanceBefore.String() != "1000000" || tx.BalanceAfter.String() != "990000" {
		t.Fatalf("unexpected audit balances %s -> %s", tx.BalanceBefore, tx.BalanceAfter)
	}

	reserve, err := store.GetReserve(ctx, "CNY")
	if err != nil {
		t.Fatalf("get reserve: %v", err)
	}
	if !reserve.Balanced() || reserve.ReservedAmount.String() != "10000" {
		t.Fatalf("unexpected reserve %+v", reserve)
	}

	if _, err := store.ReserveLiquidity(ctx, "CNY", decimal.NewFromInt(2000000), uuid.New(), "router"); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := store.ReserveLiquidity(ctx, "ZZZ", decimal.NewFromInt(1), uuid.New(), "router"); !errors.Is(err, ErrReserveNotProvisioned) {
		t.Fatalf("expected ErrReserveNotProvisioned, got %v", err)
	}

	if _, err := store.ReleaseLiquidity(ctx, "CNY", decimal.NewFromInt(10000), orderID, "router"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ReleaseLiquidity(ctx, "CNY", decimal.NewFromInt(1), orderID, "router"); !errors.Is(err, ErrInsufficientReserved) {
		t.Fatalf("expected ErrInsufficientReserved, got %v", err)
	}

	txs, err := store.ListTransactions(ctx, "CNY", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(txs))
	}
}

func TestPostgresConcurrentReserve(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	provisionPG(t, store, "KES", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ReserveLiquidity(ctx, "KES", decimal.NewFromInt(10), uuid.New(), "router"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientLiquidity) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected 10 reservations, got %d", succeeded)
	}
	reserve, _ := store.GetReserve(ctx, "KES")
	if !reserve.AvailableAmount.IsZero() || !reserve.Balanced() {
		t.Fatalf("unexpected reserve %+v", reserve)
	}
}

func TestPostgresAlertDedup(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	alert := LiquidityAlert{Currency: "GHS", AlertType: AlertTypeLowBalance, Severity: SeverityCritical}

	created, err := store.CreateAlertIfAbsent(ctx, alert)
	if err != nil || !created {
		t.Fatalf("expected created, got %v %v", created, err)
	}
	created, err = store.CreateAlertIfAbsent(ctx, alert)
	if err != nil || created {
		t.Fatalf("expected duplicate suppressed, got %v %v", created, err)
	}
	if n, err := store.ResolveAlerts(ctx, "GHS", AlertTypeLowBalance, time.Now()); err != nil || n != 1 {
		t.Fatalf("expected 1 resolved, got %d %v", n, err)
	}
}

func TestPostgresSettlementFlow(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()

	providerID := uuid.New()
	bankID := uuid.New()
	orderID := uuid.New()
	if err := store.UpsertProvider(ctx, ProviderProfile{
		ID:                 providerID,
		Name:               "psp",
		CommissionRate:     decimal.RequireFromString("0.003"),
		TreasuryWallets:    map[string]string{"base": "0x000000000000000000000000000000000000dEaD"},
		IsActive:           true,
		IsAvailable:        true,
		VerificationStatus: VerificationApproved,
	}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if err := store.UpsertBank(ctx, BankProfile{ID: bankID, Name: "bank"}); err != nil {
		t.Fatalf("upsert bank: %v", err)
	}
	if err := store.InsertOrder(ctx, PaymentOrder{
		ID: orderID, Amount: decimal.NewFromInt(1000), Currency: "KES", TokenSymbol: "USDC",
		Status: OrderStatusFiatDelivered, BankID: &bankID, BankMarkup: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := store.RecordAssignment(ctx, Assignment{OrderID: orderID, ProviderID: providerID, PSPCommission: decimal.NewFromInt(3)}); err != nil {
		t.Fatalf("record assignment: %v", err)
	}

	provider, err := store.GetProvider(ctx, providerID)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if provider.FulfillmentCount != 1 || provider.TreasuryWallets["base"] == "" {
		t.Fatalf("unexpected provider %+v", provider)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	entry, err := store.RecordSettlementFailure(ctx, RetryUpdate{
		OrderID: orderID, LastError: "timeout", Now: now, MaxRetries: 10,
		Schedule: func(n int) time.Time { return now.Add(5 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", entry.RetryCount)
	}

	due, err := store.ListDueRetries(ctx, now.Add(10*time.Minute), 10, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due retry, got %d %v", len(due), err)
	}

	release, ok, err := store.AcquireSettlementLock(ctx, orderID)
	if err != nil || !ok {
		t.Fatalf("expected lock, got %v %v", ok, err)
	}
	if _, again, err := store.AcquireSettlementLock(ctx, orderID); err != nil || again {
		t.Fatalf("expected second lock to fail, got %v %v", again, err)
	}

	rec := SettlementRecord{
		OrderID: orderID, ProviderID: providerID, BankID: &bankID, TransactionID: "0xfeed", Network: "base",
		TokenSymbol: "USDC", FromAddress: "0x1", ToAddress: "0x2",
		Reimbursement: decimal.NewFromInt(1000), Commission: decimal.NewFromInt(3), BankMarkup: decimal.NewFromInt(2),
		TotalAmount: decimal.NewFromInt(1003), SettledAt: now,
	}
	if _, err := store.CompleteSettlement(ctx, rec); err != nil {
		t.Fatalf("complete: %v", err)
	}
	release()

	if _, err := store.CompleteSettlement(ctx, rec); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.SettlementStatus != SettlementCompleted || order.SettlementTxHash != "0xfeed" {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := store.GetOpenRetry(ctx, orderID); !errors.Is(err, ErrRetryEntryNotFound) {
		t.Fatalf("expected retry resolved, got %v", err)
	}
}

func TestPostgresSettlementAttempts(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()

	providerID := uuid.New()
	orderID := uuid.New()
	if err := store.UpsertProvider(ctx, ProviderProfile{
		ID: providerID, Name: "psp", CommissionRate: decimal.RequireFromString("0.003"),
		TreasuryWallets: map[string]string{"base": "0x000000000000000000000000000000000000dEaD"},
		IsActive:        true, IsAvailable: true, VerificationStatus: VerificationApproved,
	}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if err := store.InsertOrder(ctx, PaymentOrder{
		ID: orderID, Amount: decimal.NewFromInt(100), Currency: "KES", TokenSymbol: "USDC",
		Status: OrderStatusFiatDelivered, AssignedProviderID: &providerID,
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	checkSettlementAttempts(t, store, orderID)
}
