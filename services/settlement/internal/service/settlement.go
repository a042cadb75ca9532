package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/trace"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type SettlementStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.PaymentOrder, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*storage.ProviderProfile, error)
	ListSettleableOrders(ctx context.Context, providerID *uuid.UUID) ([]storage.PaymentOrder, error)
	AcquireSettlementLock(ctx context.Context, orderID uuid.UUID) (func(), bool, error)
	BeginSettlementAttempt(ctx context.Context, orderID uuid.UUID, at time.Time) error
	ReopenSettlement(ctx context.Context, orderID uuid.UUID) error
	ListInFlightSettlements(ctx context.Context, olderThan time.Time) ([]storage.PaymentOrder, error)
	CompleteSettlement(ctx context.Context, rec storage.SettlementRecord) (*storage.SettlementLog, error)
	RecordSettlementFailure(ctx context.Context, u storage.RetryUpdate) (*storage.SettlementRetryEntry, error)
}

type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 5 * time.Minute, MaxDelay: 24 * time.Hour, MaxRetries: 10}
}

type SettlementConfig struct {
	// Networks is the wallet preference order, primary first.
	Networks []string
	// SourceWallets maps network to the platform wallet that funds reimbursements.
	SourceWallets map[string]string
	TokenSymbol   string
	BatchDelay    time.Duration
	Retry         RetryPolicy
}

type SettlementResult struct {
	OrderID        uuid.UUID
	Success        bool
	AlreadySettled bool
	TransactionID  string
	NetworkUsed    string
	Amount         decimal.Decimal
	Error          string
	RetryCount     int
	NextRetryAt    *time.Time
}

type BatchError struct {
	OrderID    uuid.UUID
	ProviderID uuid.UUID
	Error      string
}

type BatchResult struct {
	Succeeded int
	Failed    int
	Total     int
	Errors    []BatchError
}

type SettlementEngine struct {
	store    SettlementStore
	transfer transfer.Client
	events   *Events
	cfg      SettlementConfig
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewSettlementEngine(store SettlementStore, client transfer.Client, events *Events, cfg SettlementConfig, logger *slog.Logger, metrics *Metrics) *SettlementEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "USDC"
	}
	return &SettlementEngine{
		store:    store,
		transfer: client,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// SettleProviderOrder reimburses the assigned provider for a fiat-delivered order. A completed
// order returns its recorded transaction without calling the gateway again.
func (s *SettlementEngine) SettleProviderOrder(ctx context.Context, orderID uuid.UUID) (result *SettlementResult, err error) {
	start := time.Now()
	ctx, span := trace.Start(ctx, "settlement.settle_order", attribute.String("order_id", orderID.String()))
	defer func() {
		trace.End(span, err)
		s.metrics.ObserveSettlement("SettleProviderOrder", time.Since(start))
	}()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SettlementStatus == storage.SettlementCompleted {
		return s.alreadySettled(order), nil
	}
	if err := checkSettleable(order); err != nil {
		return nil, err
	}

	release, acquired, err := s.store.AcquireSettlementLock(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !acquired {
		s.metrics.IncSettlement("in_progress")
		return nil, fmt.Errorf("%w: %s", ErrSettlementInProgress, orderID)
	}
	defer release()

	// Another trigger may have finished between the first read and the lock.
	order, err = s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SettlementStatus == storage.SettlementCompleted {
		return s.alreadySettled(order), nil
	}
	if order.SettlementStatus == storage.SettlementInFlight {
		s.metrics.IncSettlement("unreconciled")
		return nil, fmt.Errorf("%w: %s", ErrSettlementUnreconciled, orderID)
	}

	return s.execute(ctx, order)
}

func (s *SettlementEngine) execute(ctx context.Context, order *storage.PaymentOrder) (*SettlementResult, error) {
	provider, err := s.store.GetProvider(ctx, *order.AssignedProviderID)
	if err != nil {
		return nil, fmt.Errorf("lookup provider: %w", err)
	}

	wallet, err := transfer.SelectWallet(provider.TreasuryWallets, s.cfg.Networks)
	if err != nil {
		return s.fail(ctx, order, err)
	}
	from := strings.TrimSpace(s.cfg.SourceWallets[wallet.Network])
	if from == "" {
		return s.fail(ctx, order, fmt.Errorf("%w: no source wallet for %s", ErrNoSettlementWallet, wallet.Network))
	}

	amount := order.Amount.Add(order.PSPCommission)
	token := order.TokenSymbol
	if token == "" {
		token = s.cfg.TokenSymbol
	}

	if err := s.store.BeginSettlementAttempt(ctx, order.ID, s.now()); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			if current, getErr := s.store.GetOrder(ctx, order.ID); getErr == nil {
				return s.alreadySettled(current), nil
			}
		}
		return nil, fmt.Errorf("mark settlement attempt: %w", err)
	}

	transferStart := time.Now()
	res, err := s.transfer.Transfer(ctx, transfer.Request{
		From:           from,
		To:             wallet.Address,
		TokenSymbol:    token,
		Amount:         amount,
		Memo:           fmt.Sprintf("settlement %s", order.ID),
		Network:        wallet.Network,
		IdempotencyKey: order.ID.String(),
	})
	if err != nil {
		s.metrics.ObserveTransfer("error", time.Since(transferStart))
		return s.fail(ctx, order, err)
	}
	if !res.Success {
		s.metrics.ObserveTransfer("rejected", time.Since(transferStart))
		reason := res.Error
		if reason == "" {
			reason = "transfer rejected by gateway"
		}
		return s.fail(ctx, order, errors.New(reason))
	}
	s.metrics.ObserveTransfer("success", time.Since(transferStart))

	network := res.NetworkUsed
	if network == "" {
		network = wallet.Network
	}
	rec := storage.SettlementRecord{
		OrderID:       order.ID,
		ProviderID:    provider.ID,
		BankID:        order.BankID,
		TransactionID: res.TransactionID,
		Network:       network,
		TokenSymbol:   token,
		FromAddress:   from,
		ToAddress:     wallet.Address,
		Reimbursement: order.Amount,
		Commission:    order.PSPCommission,
		BankMarkup:    order.BankMarkup,
		TotalAmount:   amount,
		SettledAt:     s.now(),
	}
	if _, err := s.store.CompleteSettlement(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			current, getErr := s.store.GetOrder(ctx, order.ID)
			if getErr == nil {
				s.logger.Error("order settled concurrently after transfer",
					"order_id", order.ID.String(), "transaction_id", res.TransactionID, "recorded_transaction_id", current.SettlementTxHash)
				return s.alreadySettled(current), nil
			}
		}
		// The order stays in_flight, which keeps it out of batches, retries and redeliveries.
		s.metrics.IncSettlement("unrecorded")
		s.logger.Error("settlement transfer succeeded but was not recorded",
			"order_id", order.ID.String(),
			"transaction_id", res.TransactionID,
			"network", network,
			"error", err,
		)
		s.events.ManualReview(ctx, storage.SettlementRetryEntry{
			OrderID:   order.ID,
			LastError: fmt.Sprintf("transfer %s on %s succeeded but was not recorded: %v", res.TransactionID, network, err),
			UpdatedAt: s.now(),
		})
		return nil, fmt.Errorf("%w: record settlement %s (tx %s): %w", ErrSettlementUnreconciled, order.ID, res.TransactionID, err)
	}

	s.metrics.IncSettlement("success")
	s.logger.Info("order settled",
		"order_id", order.ID.String(),
		"provider_id", provider.ID.String(),
		"transaction_id", res.TransactionID,
		"network", network,
		"amount", amount.String(),
	)
	s.events.SettlementCompleted(ctx, rec)

	return &SettlementResult{
		OrderID:       order.ID,
		Success:       true,
		TransactionID: res.TransactionID,
		NetworkUsed:   network,
		Amount:        amount,
	}, nil
}

// fail persists the failed attempt and its retry schedule together, then reports a structured
// failure. The returned error always wraps ErrTransferFailed.
func (s *SettlementEngine) fail(ctx context.Context, order *storage.PaymentOrder, cause error) (*SettlementResult, error) {
	now := s.now()
	policy := s.cfg.Retry
	entry, err := s.store.RecordSettlementFailure(ctx, storage.RetryUpdate{
		OrderID:    order.ID,
		LastError:  cause.Error(),
		Now:        now,
		MaxRetries: policy.MaxRetries,
		Schedule: func(retryCount int) time.Time {
			return now.Add(Backoff(retryCount, policy.BaseDelay, policy.MaxDelay))
		},
	})
	if err != nil {
		s.logger.Error("record settlement failure failed", "order_id", order.ID.String(), "cause", cause, "error", err)
		return nil, fmt.Errorf("record settlement failure: %w", err)
	}

	s.metrics.IncSettlement("failed")
	s.logger.Warn("settlement failed",
		"order_id", order.ID.String(),
		"retry_count", entry.RetryCount,
		"next_retry_at", entry.NextRetryAt,
		"error", cause,
	)
	s.events.SettlementFailed(ctx, *order, entry, cause.Error())

	nextRetry := entry.NextRetryAt
	result := &SettlementResult{
		OrderID:     order.ID,
		Success:     false,
		Amount:      order.Amount.Add(order.PSPCommission),
		Error:       cause.Error(),
		RetryCount:  entry.RetryCount,
		NextRetryAt: &nextRetry,
	}
	failErr := fmt.Errorf("%w: %w", ErrTransferFailed, cause)

	if policy.MaxRetries > 0 && entry.RetryCount >= policy.MaxRetries {
		result.NextRetryAt = nil
		s.logger.Error("settlement needs manual review",
			"order_id", order.ID.String(),
			"retry_count", entry.RetryCount,
			"last_error", entry.LastError,
		)
		s.events.ManualReview(ctx, *entry)
		failErr = fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, entry.RetryCount, failErr)
	}
	return result, failErr
}

func (s *SettlementEngine) alreadySettled(order *storage.PaymentOrder) *SettlementResult {
	s.metrics.IncSettlement("duplicate")
	return &SettlementResult{
		OrderID:        order.ID,
		Success:        true,
		AlreadySettled: true,
		TransactionID:  order.SettlementTxHash,
		NetworkUsed:    order.SettlementNetwork,
		Amount:         order.Amount.Add(order.PSPCommission),
	}
}

// SettlePendingOrders settles every pending or failed order, one provider at a time, pausing
// between gateway calls. A failing order is recorded and the batch moves on.
func (s *SettlementEngine) SettlePendingOrders(ctx context.Context, providerID *uuid.UUID) (BatchResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSettlement("SettlePendingOrders", time.Since(start)) }()

	orders, err := s.store.ListSettleableOrders(ctx, providerID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list settleable orders: %w", err)
	}

	var providerOrder []uuid.UUID
	grouped := make(map[uuid.UUID][]storage.PaymentOrder)
	for _, o := range orders {
		pid := *o.AssignedProviderID
		if _, ok := grouped[pid]; !ok {
			providerOrder = append(providerOrder, pid)
		}
		grouped[pid] = append(grouped[pid], o)
	}

	result := BatchResult{Total: len(orders)}
	calls := 0
	for _, pid := range providerOrder {
		for _, o := range grouped[pid] {
			if calls > 0 {
				if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
					return result, err
				}
			}
			calls++

			res, err := s.SettleProviderOrder(ctx, o.ID)
			if err == nil && res.Success {
				result.Succeeded++
				continue
			}
			result.Failed++
			msg := "settlement failed"
			if err != nil {
				msg = err.Error()
			}
			result.Errors = append(result.Errors, BatchError{OrderID: o.ID, ProviderID: pid, Error: msg})
		}
	}

	s.logger.Info("batch settlement finished",
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

// ReconcileRequest is an operator's verdict on an in-flight order. An empty TransactionID means the
// gateway confirmed that nothing was sent.
type ReconcileRequest struct {
	OrderID       uuid.UUID
	TransactionID string
	Network       string
}

// ReconcileSettlement closes out an order left in flight. With a transaction id the settlement is
// recorded as completed exactly as a live transfer would be. Without one the order returns to
// failed and the next batch or retry settles it.
func (s *SettlementEngine) ReconcileSettlement(ctx context.Context, req ReconcileRequest) (*SettlementResult, error) {
	release, acquired, err := s.store.AcquireSettlementLock(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrSettlementInProgress, req.OrderID)
	}
	defer release()

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.SettlementStatus == storage.SettlementCompleted {
		return s.alreadySettled(order), nil
	}
	if order.SettlementStatus != storage.SettlementInFlight {
		return nil, fmt.Errorf("%w: settlement status %s", ErrOrderNotSettleable, order.SettlementStatus)
	}
	log := s.logger.With("order_id", order.ID.String(), "actor", ActorFrom(ctx))

	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		if err := s.store.ReopenSettlement(ctx, order.ID); err != nil {
			return nil, fmt.Errorf("reopen settlement: %w", err)
		}
		s.metrics.IncSettlement("reopened")
		log.Warn("in-flight settlement reopened")
		return &SettlementResult{OrderID: order.ID, Amount: order.Amount.Add(order.PSPCommission)}, nil
	}

	provider, err := s.store.GetProvider(ctx, *order.AssignedProviderID)
	if err != nil {
		return nil, fmt.Errorf("lookup provider: %w", err)
	}
	network := strings.ToLower(strings.TrimSpace(req.Network))
	var to string
	if wallet, err := transfer.SelectWallet(provider.TreasuryWallets, s.networksFrom(network)); err == nil {
		to = wallet.Address
		if network == "" {
			network = wallet.Network
		}
	}
	token := order.TokenSymbol
	if token == "" {
		token = s.cfg.TokenSymbol
	}
	amount := order.Amount.Add(order.PSPCommission)
	rec := storage.SettlementRecord{
		OrderID:       order.ID,
		ProviderID:    provider.ID,
		BankID:        order.BankID,
		TransactionID: txID,
		Network:       network,
		TokenSymbol:   token,
		FromAddress:   strings.TrimSpace(s.cfg.SourceWallets[network]),
		ToAddress:     to,
		Reimbursement: order.Amount,
		Commission:    order.PSPCommission,
		BankMarkup:    order.BankMarkup,
		TotalAmount:   amount,
		SettledAt:     s.now(),
	}
	if _, err := s.store.CompleteSettlement(ctx, rec); err != nil {
		return nil, fmt.Errorf("record reconciled settlement: %w", err)
	}
	s.metrics.IncSettlement("reconciled")
	log.Info("in-flight settlement reconciled", "transaction_id", txID, "network", network)
	s.events.SettlementCompleted(ctx, rec)
	return &SettlementResult{
		OrderID:       order.ID,
		Success:       true,
		TransactionID: txID,
		NetworkUsed:   network,
		Amount:        amount,
	}, nil
}

// ListUnreconciled returns in-flight orders whose transfer started at least minAge ago.
func (s *SettlementEngine) ListUnreconciled(ctx context.Context, minAge time.Duration) ([]storage.PaymentOrder, error) {
	return s.store.ListInFlightSettlements(ctx, s.now().Add(-minAge))
}

func (s *SettlementEngine) networksFrom(network string) []string {
	if network == "" {
		return s.cfg.Networks
	}
	return []string{network}
}

func checkSettleable(order *storage.PaymentOrder) error {
	if order.Status != storage.OrderStatusFiatDelivered {
		return fmt.Errorf("%w: status %s", ErrOrderNotSettleable, order.Status)
	}
	if order.AssignedProviderID == nil {
		return fmt.Errorf("%w: no provider assigned", ErrOrderNotSettleable)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
