package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

const actorHeader = "X-Actor"

type LiquidityService interface {
	CheckAvailability(ctx context.Context, currency string, amount decimal.Decimal) (service.Availability, error)
	ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error)
	ReleaseLiquidity(ctx context.Context, currency string, amount decimal.Decimal, orderID uuid.UUID) (bool, error)
	LogDeposit(ctx context.Context, currency string, amount decimal.Decimal, notes, executedBy string) (*storage.LiquidityTransaction, error)
	CheckLowLiquidity(ctx context.Context) ([]storage.LiquidityAlert, error)
	ListOpenAlerts(ctx context.Context) ([]storage.LiquidityAlert, error)
	GetUtilizationStats(ctx context.Context) ([]service.UtilizationStat, error)
	GetReserve(ctx context.Context, currency string) (*storage.LiquidityReserve, error)
	ListTransactions(ctx context.Context, currency string, limit int) ([]storage.LiquidityTransaction, error)
}

type RoutingService interface {
	AssignOptimalPSP(ctx context.Context, currency string, amount decimal.Decimal) (*service.Assignment, error)
	AssignOrder(ctx context.Context, orderID uuid.UUID) (*service.Assignment, error)
}

type SettlementService interface {
	SettleProviderOrder(ctx context.Context, orderID uuid.UUID) (*service.SettlementResult, error)
	SettlePendingOrders(ctx context.Context, providerID *uuid.UUID) (service.BatchResult, error)
	ReconcileSettlement(ctx context.Context, req service.ReconcileRequest) (*service.SettlementResult, error)
	ListUnreconciled(ctx context.Context, minAge time.Duration) ([]storage.PaymentOrder, error)
}

type RetryService interface {
	ProcessRetryQueue(ctx context.Context) (service.SweepResult, error)
	ListStuckRetries(ctx context.Context) ([]storage.SettlementRetryEntry, error)
}

type Handler struct {
	Liquidity  LiquidityService
	Router     RoutingService
	Settlement SettlementService
	Retries    RetryService
	Logger     *slog.Logger
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func New(liquidity LiquidityService, router RoutingService, settlement SettlementService, retries RetryService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Liquidity:  liquidity,
		Router:     router,
		Settlement: settlement,
		Retries:    retries,
		Logger:     logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1", actorMiddleware())

	liquidity := v1.Group("/liquidity")
	liquidity.GET("/reserves/:currency", h.GetReserve)
	liquidity.GET("/availability", h.CheckAvailability)
	liquidity.POST("/reserve", h.Reserve)
	liquidity.POST("/release", h.Release)
	liquidity.POST("/deposits", h.LogDeposit)
	liquidity.GET("/transactions", h.ListTransactions)
	liquidity.GET("/utilization", h.Utilization)
	liquidity.GET("/alerts", h.ListAlerts)
	liquidity.POST("/alerts/check", h.CheckAlerts)

	v1.POST("/routing/quote", h.QuoteRoute)
	v1.POST("/orders/:id/assign", h.AssignOrder)
	v1.POST("/orders/:id/settle", h.SettleOrder)
	v1.POST("/orders/:id/reconcile", h.ReconcileOrder)

	settlements := v1.Group("/settlements")
	settlements.POST("/batch", h.SettleBatch)
	settlements.POST("/retries/process", h.ProcessRetries)
	settlements.GET("/retries/stuck", h.ListStuck)
	settlements.GET("/unreconciled", h.ListUnreconciled)

	v1.POST("/revenue/quote", h.RevenueQuote)
	v1.GET("/revenue/volume-bonus", h.VolumeBonus)
}

// actorMiddleware carries the operator identity into the liquidity audit trail.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(actorHeader)); actor != "" {
			c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

// writeServiceError maps domain errors to stable codes. Anything unrecognised is logged and
// reported as an internal error.
func (h *Handler) writeServiceError(c *gin.Context, op string, err error, details map[string]string) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidCurrency):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, service.ErrReserveNotProvisioned):
		writeError(c, http.StatusNotFound, "RESERVE_NOT_PROVISIONED", "reserve not provisioned", nil)
	case errors.Is(err, service.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	case errors.Is(err, service.ErrProviderNotFound):
		writeError(c, http.StatusNotFound, "PROVIDER_NOT_FOUND", "provider not found", nil)
	case errors.Is(err, service.ErrInsufficientLiquidity):
		writeError(c, http.StatusConflict, "INSUFFICIENT_LIQUIDITY", "insufficient liquidity", nil)
	case errors.Is(err, service.ErrNoProviderAvailable):
		writeError(c, http.StatusConflict, "NO_PROVIDER_AVAILABLE", "no provider available", nil)
	case errors.Is(err, service.ErrOrderAlreadyAssigned):
		writeError(c, http.StatusConflict, "ORDER_ALREADY_ASSIGNED", "order already assigned", nil)
	case errors.Is(err, service.ErrOrderNotSettleable):
		writeError(c, http.StatusConflict, "ORDER_NOT_SETTLEABLE", err.Error(), nil)
	case errors.Is(err, service.ErrSettlementInProgress):
		writeError(c, http.StatusConflict, "SETTLEMENT_IN_PROGRESS", "settlement already in progress", nil)
	case errors.Is(err, service.ErrSettlementUnreconciled):
		writeError(c, http.StatusConflict, "SETTLEMENT_UNRECONCILED", "settlement awaiting reconciliation", nil)
	case errors.Is(err, service.ErrNoSettlementWallet):
		writeError(c, http.StatusUnprocessableEntity, "NO_SETTLEMENT_WALLET", "no settlement wallet", details)
	case errors.Is(err, service.ErrTransferFailed):
		writeError(c, http.StatusBadGateway, "TRANSFER_FAILED", "transfer failed", details)
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func parseAmount(value string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
