package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
)

func TestAssignOrderPrefersInternalPool(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 1000, 100000, 50000)
	external := h.provider(t, "cheap-psp", "0.001", 0, wallets(providerWallet))
	orderID := h.order(t, "KES", 20000, nil)

	a, err := h.router.AssignOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !a.IsInternal() || a.ProviderID != h.poolID {
		t.Fatalf("expected internal pool, got %+v", a)
	}

	o := h.getOrder(t, orderID)
	if o.AssignedProviderID == nil || *o.AssignedProviderID != h.poolID || !o.IsInternal {
		t.Fatalf("assignment not recorded: %+v", o)
	}
	if !o.PSPCommission.IsZero() {
		t.Fatalf("internal pool charges no commission, got %s", o.PSPCommission)
	}
	r := h.getReserve(t, "KES")
	if !r.ReservedAmount.Equal(dec("20000")) || !r.AvailableAmount.Equal(dec("30000")) {
		t.Fatalf("unexpected reserve %+v", r)
	}
	p, _ := h.store.GetProvider(context.Background(), external)
	if p.FulfillmentCount != 0 {
		t.Fatalf("external provider should be untouched, got %d fulfillments", p.FulfillmentCount)
	}
}

func TestAssignOrderFallsBackToCheapestExternal(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 100, 1000, 100)
	h.provider(t, "expensive", "0.005", 0, wallets(providerWallet))
	h.provider(t, "busy", "0.003", 5, wallets(providerWallet))
	idle := h.provider(t, "idle", "0.003", 2, wallets(providerWallet))
	orderID := h.order(t, "KES", 1000, nil)
	ctx := context.Background()

	a, err := h.router.AssignOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.IsInternal() || a.ProviderID != idle || a.ProviderName != "idle" {
		t.Fatalf("expected idle provider, got %+v", a)
	}
	if a.Reason == "" {
		t.Fatal("expected a routing reason")
	}

	o := h.getOrder(t, orderID)
	if o.IsInternal || !o.PSPCommission.Equal(dec("3")) {
		t.Fatalf("unexpected order %+v", o)
	}
	p, _ := h.store.GetProvider(ctx, idle)
	if p.FulfillmentCount != 3 {
		t.Fatalf("expected fulfillment count 3, got %d", p.FulfillmentCount)
	}
	r := h.getReserve(t, "KES")
	if !r.ReservedAmount.IsZero() {
		t.Fatalf("external routing must not reserve pool funds, reserved %s", r.ReservedAmount)
	}
}

func TestAssignOrderSkipsIneligibleProviders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, p := range []storage.ProviderProfile{
		{ID: uuid.New(), Name: "inactive", CommissionRate: dec("0.0001"), IsActive: false, IsAvailable: true, VerificationStatus: storage.VerificationApproved},
		{ID: uuid.New(), Name: "offline", CommissionRate: dec("0.0001"), IsActive: true, IsAvailable: false, VerificationStatus: storage.VerificationApproved},
		{ID: uuid.New(), Name: "unverified", CommissionRate: dec("0.0001"), IsActive: true, IsAvailable: true, VerificationStatus: "pending"},
	} {
		if err := h.store.UpsertProvider(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	eligible := h.provider(t, "eligible", "0.004", 0, wallets(providerWallet))
	orderID := h.order(t, "GHS", 100, nil)

	a, err := h.router.AssignOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.ProviderID != eligible {
		t.Fatalf("expected eligible provider, got %s", a.ProviderName)
	}
}

func TestAssignOrderNoProviderAvailable(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 100, 1000, 50)
	orderID := h.order(t, "KES", 100, nil)

	_, err := h.router.AssignOrder(context.Background(), orderID)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if o := h.getOrder(t, orderID); o.AssignedProviderID != nil {
		t.Fatalf("order should stay unassigned, got %+v", o)
	}
	if r := h.getReserve(t, "KES"); !r.AvailableAmount.Equal(dec("50")) {
		t.Fatalf("reserve changed: %+v", r)
	}
}

func TestAssignOrderRejectsAssignedOrder(t *testing.T) {
	h := newHarness(t)
	provider := h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	orderID := h.order(t, "KES", 100, &provider)

	if _, err := h.router.AssignOrder(context.Background(), orderID); !errors.Is(err, ErrOrderAlreadyAssigned) {
		t.Fatalf("expected ErrOrderAlreadyAssigned, got %v", err)
	}
	if _, err := h.router.AssignOrder(context.Background(), uuid.New()); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAssignOptimalPSPDoesNotReserve(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 100, 1000, 1000)
	h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	ctx := context.Background()

	a, err := h.router.AssignOptimalPSP(ctx, "KES", dec("1000"))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !a.IsInternal() {
		t.Fatalf("expected internal, got %+v", a)
	}
	if r := h.getReserve(t, "KES"); !r.ReservedAmount.IsZero() {
		t.Fatalf("preview must not reserve, reserved %s", r.ReservedAmount)
	}

	a, err = h.router.AssignOptimalPSP(ctx, "KES", dec("1000.01"))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.IsInternal() || a.ProviderName != "psp" {
		t.Fatalf("expected external psp, got %+v", a)
	}
}

func TestAssignOrderWithoutInternalPool(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 100, 1000, 100000)
	psp := h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	if err := h.store.UpsertProvider(context.Background(), storage.ProviderProfile{ID: h.poolID, Name: "internal pool"}); err != nil {
		t.Fatalf("deactivate pool: %v", err)
	}
	router := NewRouter(h.store, h.liquidity, uuid.Nil, testLogger(), nil)
	orderID := h.order(t, "KES", 100, nil)

	a, err := router.AssignOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.ProviderID != psp {
		t.Fatalf("expected external provider when no pool is configured, got %+v", a)
	}
}

func TestAssignOrderConcurrentReservationsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "CNY", 100, 1000, 1000)
	h.provider(t, "psp", "0.003", 0, wallets(providerWallet))

	orders := make([]uuid.UUID, 20)
	for i := range orders {
		orders[i] = h.order(t, "CNY", 100, nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	internal, external := 0, 0
	for _, id := range orders {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			a, err := h.router.AssignOrder(context.Background(), id)
			if err != nil {
				t.Errorf("assign %s: %v", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if a.IsInternal() {
				internal++
			} else {
				external++
			}
		}(id)
	}
	wg.Wait()

	if internal != 10 || external != 10 {
		t.Fatalf("expected 10 internal and 10 external, got %d and %d", internal, external)
	}
	r := h.getReserve(t, "CNY")
	if !r.AvailableAmount.IsZero() || !r.ReservedAmount.Equal(dec("1000")) {
		t.Fatalf("unexpected reserve %+v", r)
	}
}
