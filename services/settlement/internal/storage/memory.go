package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is a mutex-guarded store with the same semantics as Postgres. It backs the memory
// storage driver and the service tests.
type Memory struct {
	mu           sync.Mutex
	reserves     map[string]*LiquidityReserve
	transactions []LiquidityTransaction
	alerts       []LiquidityAlert
	providers    map[uuid.UUID]*ProviderProfile
	banks        map[uuid.UUID]*BankProfile
	orders       map[uuid.UUID]*PaymentOrder
	retries      []*SettlementRetryEntry
	logs         []SettlementLog
	locks        map[uuid.UUID]struct{}
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		reserves:  make(map[string]*LiquidityReserve),
		providers: make(map[uuid.UUID]*ProviderProfile),
		banks:     make(map[uuid.UUID]*BankProfile),
		orders:    make(map[uuid.UUID]*PaymentOrder),
		locks:     make(map[uuid.UUID]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) GetReserve(ctx context.Context, currency string) (*LiquidityReserve, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reserves[NormalizeCurrency(currency)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReserveNotProvisioned, currency)
	}
	out := *r
	return &out, nil
}

func (m *Memory) ListReserves(ctx context.Context) ([]LiquidityReserve, error) {
	return m.filterReserves(func(LiquidityReserve) bool { return true }), nil
}

func (m *Memory) ListLowReserves(ctx context.Context) ([]LiquidityReserve, error) {
	return m.filterReserves(func(r LiquidityReserve) bool {
		return r.AvailableAmount.LessThan(r.MinimumThreshold)
	}), nil
}

func (m *Memory) filterReserves(keep func(LiquidityReserve) bool) []LiquidityReserve {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LiquidityReserve
	for _, r := range m.reserves {
		if keep(*r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func (m *Memory) ProvisionReserve(ctx context.Context, r LiquidityReserve) (*LiquidityReserve, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	currency := NormalizeCurrency(r.Currency)
	existing, ok := m.reserves[currency]
	if !ok {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		existing = &LiquidityReserve{ID: r.ID, Currency: currency}
		m.reserves[currency] = existing
	}
	existing.ProviderType = r.ProviderType
	existing.MinimumThreshold = r.MinimumThreshold
	existing.OptimalBalance = r.OptimalBalance
	existing.UpdatedAt = m.now()
	out := *existing
	return &out, nil
}

func (m *Memory) ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*LiquidityTransaction, error) {
	return m.mutate(TxTypeReserve, currency, amount, &orderID, actor, "", func(r *LiquidityReserve) error {
		if r.AvailableAmount.LessThan(amount) {
			return ErrInsufficientLiquidity
		}
		r.AvailableAmount = r.AvailableAmount.Sub(amount)
		r.ReservedAmount = r.ReservedAmount.Add(amount)
		return nil
	})
}

func (m *Memory) ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*LiquidityTransaction, error) {
	return m.mutate(TxTypeRelease, currency, amount, &orderID, actor, "", func(r *LiquidityReserve) error {
		if r.ReservedAmount.LessThan(amount) {
			return ErrInsufficientReserved
		}
		r.AvailableAmount = r.AvailableAmount.Add(amount)
		r.ReservedAmount = r.ReservedAmount.Sub(amount)
		return nil
	})
}

func (m *Memory) DepositLiquidity(ctx context.Context, currency string, amount decimal.Decimal, notes, executedBy string) (*LiquidityTransaction, error) {
	return m.mutate(TxTypeDeposit, currency, amount, nil, executedBy, notes, func(r *LiquidityReserve) error {
		r.TotalAmount = r.TotalAmount.Add(amount)
		r.AvailableAmount = r.AvailableAmount.Add(amount)
		return nil
	})
}

func (m *Memory) mutate(txType, currency string, amount decimal.Decimal, orderID *uuid.UUID, actor, notes string, apply func(*LiquidityReserve) error) (*LiquidityTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	currency = NormalizeCurrency(currency)

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reserves[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReserveNotProvisioned, currency)
	}
	before := r.AvailableAmount
	next := *r
	if err := apply(&next); err != nil {
		return nil, err
	}
	now := m.now()
	next.UpdatedAt = now
	*r = next

	entry := LiquidityTransaction{
		ID:            uuid.New(),
		Currency:      currency,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  r.AvailableAmount,
		OrderID:       orderID,
		ExecutedBy:    actor,
		Notes:         notes,
		CreatedAt:     now,
	}
	m.transactions = append(m.transactions, entry)
	return &entry, nil
}

func (m *Memory) ListTransactions(ctx context.Context, currency string, limit int) ([]LiquidityTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	currency = NormalizeCurrency(currency)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LiquidityTransaction
	for i := len(m.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.transactions[i].Currency == currency {
			out = append(out, m.transactions[i])
		}
	}
	return out, nil
}

func (m *Memory) CreateAlertIfAbsent(ctx context.Context, alert LiquidityAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.Currency = NormalizeCurrency(alert.Currency)
	for _, a := range m.alerts {
		if a.ResolvedAt == nil && a.Currency == alert.Currency && a.AlertType == alert.AlertType {
			return false, nil
		}
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	m.alerts = append(m.alerts, alert)
	return true, nil
}

func (m *Memory) ListOpenAlerts(ctx context.Context) ([]LiquidityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LiquidityAlert
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ResolveAlerts(ctx context.Context, currency, alertType string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	currency = NormalizeCurrency(currency)
	resolved := 0
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.ResolvedAt == nil && a.Currency == currency && a.AlertType == alertType {
			t := at
			a.ResolvedAt = &t
			resolved++
		}
	}
	return resolved, nil
}

func (m *Memory) GetProvider(ctx context.Context, id uuid.UUID) (*ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return copyProvider(p), nil
}

func (m *Memory) ListEligibleProviders(ctx context.Context, exclude uuid.UUID) ([]ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProviderProfile
	for id, p := range m.providers {
		if id == exclude || !p.Eligible() {
			continue
		}
		out = append(out, *copyProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].CommissionRate.Cmp(out[j].CommissionRate); c != 0 {
			return c < 0
		}
		if out[i].FulfillmentCount != out[j].FulfillmentCount {
			return out[i].FulfillmentCount < out[j].FulfillmentCount
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) UpsertProvider(ctx context.Context, p ProviderProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.providers[p.ID]; ok {
		p.FulfillmentCount = existing.FulfillmentCount
		p.TotalCommissionEarned = existing.TotalCommissionEarned
	}
	m.providers[p.ID] = copyProvider(&p)
	return nil
}

func (m *Memory) UpsertBank(ctx context.Context, b BankProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.banks[b.ID]; ok {
		existing.Name = b.Name
		return nil
	}
	m.banks[b.ID] = &BankProfile{ID: b.ID, Name: b.Name}
	return nil
}

func (m *Memory) GetBank(ctx context.Context, id uuid.UUID) (*BankProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banks[id]
	if !ok {
		return nil, fmt.Errorf("bank %s not found", id)
	}
	out := *b
	return &out, nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	out := *o
	return &out, nil
}

func (m *Memory) InsertOrder(ctx context.Context, o PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.SettlementStatus == "" {
		o.SettlementStatus = SettlementPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.Currency = NormalizeCurrency(o.Currency)
	m.orders[o.ID] = &o
	return nil
}

func (m *Memory) RecordAssignment(ctx context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[a.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, a.OrderID)
	}
	if o.AssignedProviderID != nil {
		return fmt.Errorf("order %s already assigned", a.OrderID)
	}
	providerID := a.ProviderID
	o.AssignedProviderID = &providerID
	o.IsInternal = a.IsInternal
	o.PSPCommission = a.PSPCommission
	if !a.IsInternal {
		if p, ok := m.providers[a.ProviderID]; ok {
			p.FulfillmentCount++
		}
	}
	return nil
}

func (m *Memory) ListSettleableOrders(ctx context.Context, providerID *uuid.UUID) ([]PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PaymentOrder
	for _, o := range m.orders {
		if o.Status != OrderStatusFiatDelivered || o.AssignedProviderID == nil {
			continue
		}
		if o.SettlementStatus != SettlementPending && o.SettlementStatus != SettlementFailed {
			continue
		}
		if providerID != nil && *o.AssignedProviderID != *providerID {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].AssignedProviderID.String(), out[j].AssignedProviderID.String()
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AcquireSettlementLock(ctx context.Context, orderID uuid.UUID) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[orderID]; held {
		return nil, false, nil
	}
	m.locks[orderID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, orderID)
			m.mu.Unlock()
		})
	}, true, nil
}

func (m *Memory) BeginSettlementAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	switch o.SettlementStatus {
	case SettlementCompleted:
		return ErrAlreadySettled
	case SettlementInFlight:
		return fmt.Errorf("%w: %s", ErrSettlementInFlight, orderID)
	}
	t := at
	o.SettlementStatus = SettlementInFlight
	o.SettlementAttemptedAt = &t
	return nil
}

func (m *Memory) ReopenSettlement(ctx context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	switch o.SettlementStatus {
	case SettlementInFlight:
		o.SettlementStatus = SettlementFailed
		o.SettlementAttemptedAt = nil
		return nil
	case SettlementCompleted:
		return ErrAlreadySettled
	default:
		return fmt.Errorf("order %s is not in flight", orderID)
	}
}

func (m *Memory) ListInFlightSettlements(ctx context.Context, olderThan time.Time) ([]PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PaymentOrder
	for _, o := range m.orders {
		if o.SettlementStatus != SettlementInFlight || o.SettlementAttemptedAt == nil || o.SettlementAttemptedAt.After(olderThan) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementAttemptedAt.Before(*out[j].SettlementAttemptedAt) })
	return out, nil
}

func (m *Memory) CompleteSettlement(ctx context.Context, rec SettlementRecord) (*SettlementLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[rec.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, rec.OrderID)
	}
	if o.SettlementStatus == SettlementCompleted {
		return nil, ErrAlreadySettled
	}
	p, ok := m.providers[rec.ProviderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, rec.ProviderID)
	}

	settledAt := rec.SettledAt
	o.SettlementStatus = SettlementCompleted
	o.SettlementTxHash = rec.TransactionID
	o.SettlementNetwork = rec.Network
	o.SettledAt = &settledAt
	p.TotalCommissionEarned = p.TotalCommissionEarned.Add(rec.Commission)
	if rec.BankID != nil && rec.BankMarkup.IsPositive() {
		if b, ok := m.banks[*rec.BankID]; ok {
			b.TotalMarkupEarned = b.TotalMarkupEarned.Add(rec.BankMarkup)
		}
	}
	for _, e := range m.retries {
		if e.OrderID == rec.OrderID && e.ResolvedAt == nil {
			e.ResolvedAt = &settledAt
			e.UpdatedAt = settledAt
		}
	}

	log := SettlementLog{ID: uuid.New(), SettlementRecord: rec, CreatedAt: settledAt}
	m.logs = append(m.logs, log)
	return &log, nil
}

// SettlementLogs returns every log written for the order.
func (m *Memory) SettlementLogs(orderID uuid.UUID) []SettlementLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SettlementLog
	for _, l := range m.logs {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out
}

func (m *Memory) RecordSettlementFailure(ctx context.Context, u RetryUpdate) (*SettlementRetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[u.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, u.OrderID)
	}
	if o.SettlementStatus == SettlementCompleted {
		return nil, ErrAlreadySettled
	}
	o.SettlementStatus = SettlementFailed

	if e := m.openRetry(u.OrderID); e != nil {
		e.RetryCount = nextRetryCount(e.RetryCount, u.MaxRetries)
		e.LastError = u.LastError
		e.NextRetryAt = u.Schedule(e.RetryCount)
		e.UpdatedAt = u.Now
		out := *e
		return &out, nil
	}
	e := &SettlementRetryEntry{
		ID:          uuid.New(),
		OrderID:     u.OrderID,
		RetryCount:  1,
		LastError:   u.LastError,
		NextRetryAt: u.Schedule(1),
		CreatedAt:   u.Now,
		UpdatedAt:   u.Now,
	}
	m.retries = append(m.retries, e)
	out := *e
	return &out, nil
}

func (m *Memory) openRetry(orderID uuid.UUID) *SettlementRetryEntry {
	for _, e := range m.retries {
		if e.OrderID == orderID && e.ResolvedAt == nil {
			return e
		}
	}
	return nil
}

func (m *Memory) ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]SettlementRetryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	out := m.filterRetries(func(e *SettlementRetryEntry) bool {
		return !e.NextRetryAt.After(now) && e.RetryCount < maxRetries
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStuckRetries(ctx context.Context, maxRetries int) ([]SettlementRetryEntry, error) {
	out := m.filterRetries(func(e *SettlementRetryEntry) bool { return e.RetryCount >= maxRetries })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) filterRetries(keep func(*SettlementRetryEntry) bool) []SettlementRetryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SettlementRetryEntry
	for _, e := range m.retries {
		if e.ResolvedAt == nil && keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

func (m *Memory) EscalateRetry(ctx context.Context, orderID uuid.UUID, reason string, maxRetries int, now time.Time) (*SettlementRetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := escalatedCount(maxRetries)
	e := m.openRetry(orderID)
	if e == nil {
		e = &SettlementRetryEntry{ID: uuid.New(), OrderID: orderID, NextRetryAt: now, CreatedAt: now}
		m.retries = append(m.retries, e)
	}
	if e.RetryCount < count {
		e.RetryCount = count
	}
	e.LastError = reason
	e.UpdatedAt = now
	out := *e
	return &out, nil
}

func (m *Memory) GetOpenRetry(ctx context.Context, orderID uuid.UUID) (*SettlementRetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.openRetry(orderID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrRetryEntryNotFound, orderID)
	}
	out := *e
	return &out, nil
}

func (m *Memory) ResolveRetry(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.openRetry(orderID); e != nil {
		t := at
		e.ResolvedAt = &t
		e.UpdatedAt = at
	}
	return nil
}

func copyProvider(p *ProviderProfile) *ProviderProfile {
	out := *p
	out.TreasuryWallets = make(map[string]string, len(p.TreasuryWallets))
	for k, v := range p.TreasuryWallets {
		out.TreasuryWallets[k] = v
	}
	return &out
}
