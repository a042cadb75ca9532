package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

type ReserveStore interface {
	GetReserve(ctx context.Context, currency string) (*storage.LiquidityReserve, error)
	ListReserves(ctx context.Context) ([]storage.LiquidityReserve, error)
	ListLowReserves(ctx context.Context) ([]storage.LiquidityReserve, error)
	ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*storage.LiquidityTransaction, error)
	ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID, actor string) (*storage.LiquidityTransaction, error)
	DepositLiquidity(ctx context.Context, currency string, amount decimal.Decimal, notes, executedBy string) (*storage.LiquidityTransaction, error)
	ListTransactions(ctx context.Context, currency string, limit int) ([]storage.LiquidityTransaction, error)
	CreateAlertIfAbsent(ctx context.Context, alert storage.LiquidityAlert) (bool, error)
	ListOpenAlerts(ctx context.Context) ([]storage.LiquidityAlert, error)
	ResolveAlerts(ctx context.Context, currency, alertType string, at time.Time) (int, error)
}

type Availability struct {
	Currency string
	// Available is true when the currency has a provisioned reserve with a positive balance.
	Available       bool
	CanFulfill      bool
	AmountAvailable decimal.Decimal
}

type UtilizationStat struct {
	Currency         string
	TotalAmount      decimal.Decimal
	AvailableAmount  decimal.Decimal
	ReservedAmount   decimal.Decimal
	Utilization      decimal.Decimal
	MinimumThreshold decimal.Decimal
	BelowThreshold   bool
}

var criticalRatio = decimal.RequireFromString("0.5")

type LiquidityService struct {
	store   ReserveStore
	events  *Events
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewLiquidityService(store ReserveStore, events *Events, logger *slog.Logger, metrics *Metrics) *LiquidityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiquidityService{
		store:   store,
		events:  events,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CheckAvailability never mutates. An unprovisioned currency, a blank currency or a non-positive
// amount reports CanFulfill=false without error.
func (s *LiquidityService) CheckAvailability(ctx context.Context, currency string, amount decimal.Decimal) (Availability, error) {
	currency = storage.NormalizeCurrency(currency)
	if currency == "" {
		return Availability{AmountAvailable: decimal.Zero}, nil
	}

	reserve, err := s.store.GetReserve(ctx, currency)
	if err != nil {
		if errors.Is(err, storage.ErrReserveNotProvisioned) {
			return Availability{Currency: currency, AmountAvailable: decimal.Zero}, nil
		}
		return Availability{}, fmt.Errorf("lookup reserve: %w", err)
	}

	return Availability{
		Currency:        currency,
		Available:       reserve.AvailableAmount.IsPositive(),
		CanFulfill:      amount.IsPositive() && reserve.AvailableAmount.GreaterThanOrEqual(amount),
		AmountAvailable: reserve.AvailableAmount,
	}, nil
}

// ReserveLiquidity returns false, without touching the reserve, when available funds are short.
func (s *LiquidityService) ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error) {
	currency, err := validateCurrencyAmount(currency, amount)
	if err != nil {
		return false, err
	}

	_, err = s.store.ReserveLiquidity(ctx, currency, amount, orderID, ActorFrom(ctx))
	switch {
	case err == nil:
		s.metrics.IncLiquidityOp(storage.TxTypeReserve, "success")
		return true, nil
	case errors.Is(err, storage.ErrInsufficientLiquidity):
		s.metrics.IncLiquidityOp(storage.TxTypeReserve, "insufficient")
		s.logger.Info("liquidity reservation declined", "currency", currency, "amount", amount.String(), "order_id", orderID.String())
		return false, nil
	case errors.Is(err, storage.ErrReserveNotProvisioned):
		s.metrics.IncLiquidityOp(storage.TxTypeReserve, "not_provisioned")
		return false, err
	default:
		s.metrics.IncLiquidityOp(storage.TxTypeReserve, "error")
		s.logger.Error("reserve liquidity failed", "currency", currency, "order_id", orderID.String(), "error", err)
		return false, fmt.Errorf("reserve liquidity: %w", err)
	}
}

func (s *LiquidityService) ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error) {
	currency, err := validateCurrencyAmount(currency, amount)
	if err != nil {
		return false, err
	}

	_, err = s.store.ReleaseLiquidity(ctx, currency, amount, orderID, ActorFrom(ctx))
	switch {
	case err == nil:
		s.metrics.IncLiquidityOp(storage.TxTypeRelease, "success")
		return true, nil
	case errors.Is(err, storage.ErrInsufficientReserved):
		s.metrics.IncLiquidityOp(storage.TxTypeRelease, "insufficient")
		s.logger.Warn("release exceeds reserved amount", "currency", currency, "amount", amount.String(), "order_id", orderID.String())
		return false, nil
	case errors.Is(err, storage.ErrReserveNotProvisioned):
		s.metrics.IncLiquidityOp(storage.TxTypeRelease, "not_provisioned")
		return false, err
	default:
		s.metrics.IncLiquidityOp(storage.TxTypeRelease, "error")
		s.logger.Error("release liquidity failed", "currency", currency, "order_id", orderID.String(), "error", err)
		return false, fmt.Errorf("release liquidity: %w", err)
	}
}

// LogDeposit credits the reserve and resolves its low-balance alert once the threshold is met again.
func (s *LiquidityService) LogDeposit(ctx context.Context, currency string, amount decimal.Decimal, notes, executedBy string) (*storage.LiquidityTransaction, error) {
	currency, err := validateCurrencyAmount(currency, amount)
	if err != nil {
		return nil, err
	}
	executedBy = strings.TrimSpace(executedBy)
	if executedBy == "" {
		executedBy = ActorFrom(ctx)
	}

	tx, err := s.store.DepositLiquidity(ctx, currency, amount, strings.TrimSpace(notes), executedBy)
	if err != nil {
		s.metrics.IncLiquidityOp(storage.TxTypeDeposit, "error")
		if errors.Is(err, storage.ErrReserveNotProvisioned) {
			return nil, err
		}
		return nil, fmt.Errorf("deposit liquidity: %w", err)
	}
	s.metrics.IncLiquidityOp(storage.TxTypeDeposit, "success")
	s.metrics.IncDeposit()
	s.logger.Info("liquidity deposit logged",
		"currency", currency,
		"amount", amount.String(),
		"balance_after", tx.BalanceAfter.String(),
		"executed_by", executedBy,
	)

	reserve, err := s.store.GetReserve(ctx, currency)
	if err != nil {
		s.logger.Warn("post-deposit reserve lookup failed", "currency", currency, "error", err)
		return tx, nil
	}
	if reserve.AvailableAmount.GreaterThanOrEqual(reserve.MinimumThreshold) {
		if n, err := s.store.ResolveAlerts(ctx, currency, storage.AlertTypeLowBalance, s.now()); err != nil {
			s.logger.Warn("resolve low balance alert failed", "currency", currency, "error", err)
		} else if n > 0 {
			s.logger.Info("low balance alert resolved", "currency", currency)
		}
	}
	return tx, nil
}

// CheckLowLiquidity raises at most one open low-balance alert per currency and returns the ones it
// created on this run.
func (s *LiquidityService) CheckLowLiquidity(ctx context.Context) ([]storage.LiquidityAlert, error) {
	reserves, err := s.store.ListLowReserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("list low reserves: %w", err)
	}

	var created []storage.LiquidityAlert
	for _, r := range reserves {
		alert := buildLowBalanceAlert(r, s.now())
		ok, err := s.store.CreateAlertIfAbsent(ctx, alert)
		if err != nil {
			s.logger.Error("create liquidity alert failed", "currency", r.Currency, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.metrics.IncAlert(alert.Severity)
		s.logger.Warn("low liquidity",
			"currency", r.Currency,
			"severity", alert.Severity,
			"available", r.AvailableAmount.String(),
			"threshold", r.MinimumThreshold.String(),
		)
		s.events.LiquidityAlert(ctx, alert)
		created = append(created, alert)
	}
	return created, nil
}

func buildLowBalanceAlert(r storage.LiquidityReserve, now time.Time) storage.LiquidityAlert {
	severity := storage.SeverityWarning
	if r.AvailableAmount.LessThan(r.MinimumThreshold.Mul(criticalRatio)) {
		severity = storage.SeverityCritical
	}
	target := r.OptimalBalance
	if target.LessThan(r.MinimumThreshold) {
		target = r.MinimumThreshold
	}
	topUp := target.Sub(r.AvailableAmount)
	return storage.LiquidityAlert{
		ID:        uuid.New(),
		Currency:  r.Currency,
		AlertType: storage.AlertTypeLowBalance,
		Severity:  severity,
		Message: fmt.Sprintf("%s available %s is below minimum threshold %s",
			r.Currency, r.AvailableAmount.String(), r.MinimumThreshold.String()),
		RecommendedAction: fmt.Sprintf("deposit %s %s to restore the %s balance",
			topUp.String(), r.Currency, target.String()),
		CreatedAt: now,
	}
}

func (s *LiquidityService) GetUtilizationStats(ctx context.Context) ([]UtilizationStat, error) {
	reserves, err := s.store.ListReserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reserves: %w", err)
	}
	stats := make([]UtilizationStat, 0, len(reserves))
	for _, r := range reserves {
		utilization := decimal.Zero
		if r.TotalAmount.IsPositive() {
			utilization = r.ReservedAmount.DivRound(r.TotalAmount, 4)
		}
		stats = append(stats, UtilizationStat{
			Currency:         r.Currency,
			TotalAmount:      r.TotalAmount,
			AvailableAmount:  r.AvailableAmount,
			ReservedAmount:   r.ReservedAmount,
			Utilization:      utilization,
			MinimumThreshold: r.MinimumThreshold,
			BelowThreshold:   r.AvailableAmount.LessThan(r.MinimumThreshold),
		})
	}
	return stats, nil
}

func (s *LiquidityService) GetReserve(ctx context.Context, currency string) (*storage.LiquidityReserve, error) {
	return s.store.GetReserve(ctx, storage.NormalizeCurrency(currency))
}

func (s *LiquidityService) ListTransactions(ctx context.Context, currency string, limit int) ([]storage.LiquidityTransaction, error) {
	return s.store.ListTransactions(ctx, storage.NormalizeCurrency(currency), limit)
}

func (s *LiquidityService) ListOpenAlerts(ctx context.Context) ([]storage.LiquidityAlert, error) {
	return s.store.ListOpenAlerts(ctx)
}

// RefreshGauges publishes current available balances to the metrics registry.
func (s *LiquidityService) RefreshGauges(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	reserves, err := s.store.ListReserves(ctx)
	if err != nil {
		return err
	}
	for _, r := range reserves {
		s.metrics.SetAvailable(r.Currency, r.AvailableAmount.InexactFloat64())
	}
	return nil
}

func validateCurrencyAmount(currency string, amount decimal.Decimal) (string, error) {
	currency = storage.NormalizeCurrency(currency)
	if currency == "" {
		return "", ErrInvalidCurrency
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	return currency, nil
}

type actorKey struct{}

const systemActor = "system"

// WithActor records who initiated the operation for the liquidity audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return systemActor
}
