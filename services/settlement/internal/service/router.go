package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/revenue"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

type AssignmentKind string

const (
	AssignmentInternal AssignmentKind = "internal"
	AssignmentExternal AssignmentKind = "external"
)

// Assignment is a routing decision. Kind, not the provider name, says whether the platform pool
// fulfills the order.
type Assignment struct {
	Kind           AssignmentKind
	ProviderID     uuid.UUID
	ProviderName   string
	CommissionRate decimal.Decimal
	Reason         string
}

func (a Assignment) IsInternal() bool {
	return a.Kind == AssignmentInternal
}

type RoutingStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.PaymentOrder, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*storage.ProviderProfile, error)
	ListEligibleProviders(ctx context.Context, exclude uuid.UUID) ([]storage.ProviderProfile, error)
	RecordAssignment(ctx context.Context, a storage.Assignment) error
}

type LiquidityChecker interface {
	CheckAvailability(ctx context.Context, currency string, amount decimal.Decimal) (Availability, error)
	ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error)
	ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error)
}

type Router struct {
	store          RoutingStore
	liquidity      LiquidityChecker
	internalPoolID uuid.UUID
	logger         *slog.Logger
	metrics        *Metrics
}

func NewRouter(store RoutingStore, liquidity LiquidityChecker, internalPoolID uuid.UUID, logger *slog.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:          store,
		liquidity:      liquidity,
		internalPoolID: internalPoolID,
		logger:         logger,
		metrics:        metrics,
	}
}

// AssignOptimalPSP picks the internal pool when it can cover amount, otherwise the cheapest eligible
// external provider, least used first on ties. It does not reserve anything.
func (r *Router) AssignOptimalPSP(ctx context.Context, currency string, amount decimal.Decimal) (*Assignment, error) {
	availability, err := r.liquidity.CheckAvailability(ctx, currency, amount)
	if err != nil {
		return nil, err
	}

	if availability.CanFulfill {
		pool, err := r.internalPool(ctx)
		if err != nil {
			return nil, err
		}
		if pool != nil {
			return internalAssignment(pool, availability), nil
		}
	}

	reason := fmt.Sprintf("internal pool has %s %s available, %s required",
		availability.AmountAvailable.String(), availability.Currency, amount.String())
	return r.selectExternal(ctx, reason)
}

// AssignOrder routes an unassigned order and records the decision. The internal path reserves the
// order amount in a single conditional update; losing that race falls back to an external provider.
func (r *Router) AssignOrder(ctx context.Context, orderID uuid.UUID) (*Assignment, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AssignedProviderID != nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderAlreadyAssigned, orderID)
	}

	assignment, reserved, err := r.route(ctx, order)
	if err != nil {
		r.metrics.IncAssignment("none")
		if errors.Is(err, ErrNoProviderAvailable) {
			r.logger.Warn("order left unassigned", "order_id", orderID.String(), "currency", order.Currency, "amount", order.Amount.String())
		}
		return nil, err
	}

	commission := revenue.Commission(order.Amount, assignment.CommissionRate)
	err = r.store.RecordAssignment(ctx, storage.Assignment{
		OrderID:       order.ID,
		ProviderID:    assignment.ProviderID,
		IsInternal:    assignment.IsInternal(),
		PSPCommission: commission,
	})
	if err != nil {
		if reserved {
			if _, relErr := r.liquidity.ReleaseLiquidity(ctx, order.Currency, order.Amount, order.ID); relErr != nil {
				r.logger.Error("release after failed assignment", "order_id", order.ID.String(), "error", relErr)
			}
		}
		return nil, fmt.Errorf("record assignment: %w", err)
	}

	r.metrics.IncAssignment(string(assignment.Kind))
	r.logger.Info("order assigned",
		"order_id", order.ID.String(),
		"provider_id", assignment.ProviderID.String(),
		"provider", assignment.ProviderName,
		"kind", string(assignment.Kind),
		"commission", commission.String(),
		"reason", assignment.Reason,
	)
	return assignment, nil
}

func (r *Router) route(ctx context.Context, order *storage.PaymentOrder) (*Assignment, bool, error) {
	pool, err := r.internalPool(ctx)
	if err != nil {
		return nil, false, err
	}
	if pool != nil {
		ok, err := r.liquidity.ReserveLiquidity(ctx, order.Currency, order.Amount, order.ID)
		switch {
		case err != nil && !errors.Is(err, ErrReserveNotProvisioned):
			return nil, false, err
		case ok:
			return &Assignment{
				Kind:           AssignmentInternal,
				ProviderID:     pool.ID,
				ProviderName:   pool.Name,
				CommissionRate: pool.CommissionRate,
				Reason:         fmt.Sprintf("reserved %s %s from internal pool", order.Amount.String(), order.Currency),
			}, true, nil
		}
	}

	a, err := r.selectExternal(ctx, fmt.Sprintf("internal pool could not reserve %s %s", order.Amount.String(), order.Currency))
	return a, false, err
}

func (r *Router) selectExternal(ctx context.Context, why string) (*Assignment, error) {
	providers, err := r.store.ListEligibleProviders(ctx, r.internalPoolID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, ErrNoProviderAvailable
	}
	p := providers[0]
	return &Assignment{
		Kind:           AssignmentExternal,
		ProviderID:     p.ID,
		ProviderName:   p.Name,
		CommissionRate: p.CommissionRate,
		Reason: fmt.Sprintf("%s; lowest commission %s with %d fulfillments among %d eligible providers",
			why, p.CommissionRate.String(), p.FulfillmentCount, len(providers)),
	}, nil
}

// internalPool returns nil when no usable pool is configured, so routing falls through to external.
func (r *Router) internalPool(ctx context.Context) (*storage.ProviderProfile, error) {
	if r.internalPoolID == uuid.Nil {
		return nil, nil
	}
	pool, err := r.store.GetProvider(ctx, r.internalPoolID)
	if err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			r.logger.Warn("internal pool provider missing", "provider_id", r.internalPoolID.String())
			return nil, nil
		}
		return nil, fmt.Errorf("lookup internal pool: %w", err)
	}
	if !pool.IsActive {
		return nil, nil
	}
	return pool, nil
}

func internalAssignment(pool *storage.ProviderProfile, availability Availability) *Assignment {
	return &Assignment{
		Kind:           AssignmentInternal,
		ProviderID:     pool.ID,
		ProviderName:   pool.Name,
		CommissionRate: pool.CommissionRate,
		Reason: fmt.Sprintf("internal pool has %s %s available",
			availability.AmountAvailable.String(), availability.Currency),
	}
}
