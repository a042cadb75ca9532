package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
)

func TestBackoff(t *testing.T) {
	base, max := 5*time.Minute, 24*time.Hour
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{9, 1280 * time.Minute},
		{10, 24 * time.Hour},
		{500, 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("retry_%d", tc.retry), func(t *testing.T) {
			if got := Backoff(tc.retry, base, max); got != tc.want {
				t.Fatalf("Backoff(%d) = %s, want %s", tc.retry, got, tc.want)
			}
		})
	}
}

func TestProcessRetryQueueSettlesDueEntries(t *testing.T) {
	h := newHarness(t)
	provider := h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	orderID := h.order(t, "KES", 500, &provider)
	ctx := context.Background()

	h.gateway.fn = func(n int, req transfer.Request) (transfer.Result, error) {
		if n == 1 {
			return transfer.Result{}, errors.New("gateway timeout")
		}
		return transfer.Result{Success: true, TransactionID: "0xretried", NetworkUsed: req.Network}, nil
	}
	if _, err := h.engine.SettleProviderOrder(ctx, orderID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected initial failure, got %v", err)
	}

	h.retries.now = func() time.Time { return testNow.Add(time.Minute) }
	sweep, err := h.retries.ProcessRetryQueue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Due != 0 || h.gateway.callCount() != 1 {
		t.Fatalf("entry retried before it was due: %+v", sweep)
	}

	h.retries.now = func() time.Time { return testNow.Add(6 * time.Minute) }
	sweep, err = h.retries.ProcessRetryQueue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Due != 1 || sweep.Succeeded != 1 || sweep.Failed != 0 {
		t.Fatalf("unexpected sweep %+v", sweep)
	}
	o := h.getOrder(t, orderID)
	if o.SettlementStatus != storage.SettlementCompleted || o.SettlementTxHash != "0xretried" {
		t.Fatalf("unexpected order %+v", o)
	}
	if _, err := h.store.GetOpenRetry(ctx, orderID); !errors.Is(err, storage.ErrRetryEntryNotFound) {
		t.Fatalf("expected retry entry resolved, got %v", err)
	}
	if got := h.gateway.lastCall().IdempotencyKey; got != orderID.String() {
		t.Fatalf("retry must reuse the idempotency key, got %s", got)
	}
}

func TestProcessRetryQueueRecordsRepeatedFailure(t *testing.T) {
	h := newHarness(t)
	provider := h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	orderID := h.order(t, "KES", 500, &provider)
	h.gateway.fn = func(int, transfer.Request) (transfer.Result, error) {
		return transfer.Result{Success: false, Error: "rejected"}, nil
	}
	ctx := context.Background()
	_, _ = h.engine.SettleProviderOrder(ctx, orderID)

	h.retries.now = func() time.Time { return testNow.Add(time.Hour) }
	sweep, err := h.retries.ProcessRetryQueue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Due != 1 || sweep.Failed != 1 {
		t.Fatalf("unexpected sweep %+v", sweep)
	}
	entry, err := h.store.GetOpenRetry(ctx, orderID)
	if err != nil {
		t.Fatalf("get retry: %v", err)
	}
	if entry.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", entry.RetryCount)
	}
}

// refundedStore reports one order as refunded upstream after it entered the retry queue.
type refundedStore struct {
	*storage.Memory
	refunded uuid.UUID
}

func (s refundedStore) GetOrder(ctx context.Context, id uuid.UUID) (*storage.PaymentOrder, error) {
	o, err := s.Memory.GetOrder(ctx, id)
	if err == nil && id == s.refunded {
		o.Status = "refunded"
	}
	return o, err
}

func TestProcessRetryQueueEscalatesUnsettleableOrders(t *testing.T) {
	h := newHarness(t)
	provider := h.provider(t, "psp", "0.003", 0, wallets(providerWallet))
	orderID := h.order(t, "KES", 500, &provider)
	h.gateway.fn = func(int, transfer.Request) (transfer.Result, error) {
		return transfer.Result{}, errors.New("gateway timeout")
	}
	ctx := context.Background()
	if _, err := h.engine.SettleProviderOrder(ctx, orderID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected initial failure, got %v", err)
	}

	store := refundedStore{Memory: h.store, refunded: orderID}
	engine := NewSettlementEngine(store, h.gateway, h.events, h.engine.cfg, testLogger(), nil)
	q := NewRetryQueue(store, engine, h.events, h.engine.cfg.Retry, 10, testLogger(), nil)

	for i := 1; i <= 3; i++ {
		at := testNow.Add(time.Duration(i) * 1000 * time.Hour)
		q.now = func() time.Time { return at }
		sweep, err := q.ProcessRetryQueue(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		want := SweepResult{Stuck: 1}
		if i == 1 {
			want = SweepResult{Due: 1, Escalated: 1, Stuck: 1}
		}
		if sweep != want {
			t.Fatalf("sweep %d: got %+v, want %+v", i, sweep, want)
		}
	}

	stuck, err := q.ListStuckRetries(ctx)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].OrderID != orderID {
		t.Fatalf("expected stuck entry for refunded order, got %+v", stuck)
	}
	if stuck[0].RetryCount != DefaultRetryPolicy().MaxRetries || !strings.Contains(stuck[0].LastError, "refunded") {
		t.Fatalf("unexpected escalated entry %+v", stuck[0])
	}
	if got := h.publisher.count(testTopics.ManualReview); got != 1 {
		t.Fatalf("expected 1 manual review event, got %d", got)
	}
	if got := h.gateway.callCount(); got != 1 {
		t.Fatalf("expected 1 gateway call, got %d", got)
	}
}

type fakeRetryStore struct {
	mu        sync.Mutex
	due       []storage.SettlementRetryEntry
	stuck     []storage.SettlementRetryEntry
	resolved  []uuid.UUID
	escalated []uuid.UUID
	lists     int
}

func (f *fakeRetryStore) ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]storage.SettlementRetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.due, nil
}

func (f *fakeRetryStore) ListStuckRetries(ctx context.Context, maxRetries int) ([]storage.SettlementRetryEntry, error) {
	return f.stuck, nil
}

func (f *fakeRetryStore) ResolveRetry(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, orderID)
	return nil
}

func (f *fakeRetryStore) EscalateRetry(ctx context.Context, orderID uuid.UUID, reason string, maxRetries int, now time.Time) (*storage.SettlementRetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, orderID)
	return &storage.SettlementRetryEntry{OrderID: orderID, RetryCount: maxRetries, LastError: reason, UpdatedAt: now}, nil
}

func (f *fakeRetryStore) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fakeSettler struct {
	results map[uuid.UUID]*SettlementResult
	errs    map[uuid.UUID]error
}

func (f *fakeSettler) SettleProviderOrder(ctx context.Context, orderID uuid.UUID) (*SettlementResult, error) {
	return f.results[orderID], f.errs[orderID]
}

func TestProcessRetryQueueOutcomes(t *testing.T) {
	settled, busy, exhausted, gone := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	store := &fakeRetryStore{
		due: []storage.SettlementRetryEntry{
			{OrderID: settled, RetryCount: 2},
			{OrderID: busy, RetryCount: 1},
			{OrderID: exhausted, RetryCount: 9},
			{OrderID: gone, RetryCount: 1},
		},
		stuck: []storage.SettlementRetryEntry{{OrderID: uuid.New(), RetryCount: 10}},
	}
	settler := &fakeSettler{
		results: map[uuid.UUID]*SettlementResult{
			settled: {OrderID: settled, Success: true, AlreadySettled: true, TransactionID: "0xold"},
		},
		errs: map[uuid.UUID]error{
			busy:      fmt.Errorf("%w: %s", ErrSettlementInProgress, busy),
			exhausted: fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, ErrTransferFailed),
			gone:      fmt.Errorf("%w: %s", ErrOrderNotFound, gone),
		},
	}
	q := NewRetryQueue(store, settler, nil, DefaultRetryPolicy(), 10, testLogger(), nil)

	sweep, err := q.ProcessRetryQueue(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := SweepResult{Due: 4, Succeeded: 1, Failed: 1, Skipped: 1, Escalated: 1, Stuck: 1}
	if sweep != want {
		t.Fatalf("got %+v, want %+v", sweep, want)
	}
	if len(store.resolved) != 1 || store.resolved[0] != settled {
		t.Fatalf("already settled entry should be resolved, got %v", store.resolved)
	}
	if len(store.escalated) != 1 || store.escalated[0] != gone {
		t.Fatalf("missing order should be escalated, got %v", store.escalated)
	}
}

func TestRetryQueueClaimIsExclusive(t *testing.T) {
	q := NewRetryQueue(&fakeRetryStore{}, &fakeSettler{}, nil, DefaultRetryPolicy(), 0, nil, nil)
	id := uuid.New()
	if !q.claim(id) {
		t.Fatal("expected first claim to succeed")
	}
	if q.claim(id) {
		t.Fatal("expected second claim to fail")
	}
	q.unclaim(id)
	if !q.claim(id) {
		t.Fatal("expected claim after release")
	}
}

func TestStartRetrySweeperRunsUntilCancelled(t *testing.T) {
	store := &fakeRetryStore{}
	q := NewRetryQueue(store, &fakeSettler{}, nil, DefaultRetryPolicy(), 10, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.StartRetrySweeper(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for store.listCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not run, %d sweeps", store.listCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}

func TestStartLiquidityMonitorRaisesAlerts(t *testing.T) {
	h := newHarness(t)
	h.reserve(t, "KES", 1000, 10000, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.liquidity.StartLiquidityMonitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		open, err := h.liquidity.ListOpenAlerts(context.Background())
		if err != nil {
			t.Fatalf("list alerts: %v", err)
		}
		if len(open) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor did not raise an alert")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
