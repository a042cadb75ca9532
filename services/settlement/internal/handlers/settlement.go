package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
)

type routeQuoteRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type assignmentResponse struct {
	Kind           string `json:"kind"`
	ProviderID     string `json:"provider_id"`
	ProviderName   string `json:"provider_name"`
	CommissionRate string `json:"commission_rate"`
	Reason         string `json:"reason"`
}

type settlementResponse struct {
	OrderID        string `json:"order_id"`
	Success        bool   `json:"success"`
	AlreadySettled bool   `json:"already_settled"`
	TransactionID  string `json:"transaction_id,omitempty"`
	NetworkUsed    string `json:"network_used,omitempty"`
	Amount         string `json:"amount"`
}

type batchRequest struct {
	ProviderID string `json:"provider_id"`
}

type batchErrorItem struct {
	OrderID    string `json:"order_id"`
	ProviderID string `json:"provider_id"`
	Error      string `json:"error"`
}

type batchResponse struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    []batchErrorItem `json:"errors"`
}

type sweepResponse struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Escalated int `json:"escalated"`
	Stuck     int `json:"stuck"`
}

type reconcileRequest struct {
	TransactionID string `json:"transaction_id"`
	Network       string `json:"network"`
}

type unreconciledItem struct {
	OrderID     string `json:"order_id"`
	ProviderID  string `json:"provider_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	AttemptedAt string `json:"attempted_at"`
}

type retryItem struct {
	OrderID     string `json:"order_id"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error"`
	NextRetryAt string `json:"next_retry_at"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// QuoteRoute previews the routing decision without reserving funds.
func (h *Handler) QuoteRoute(c *gin.Context) {
	var req routeQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
		return
	}
	a, err := h.Router.AssignOptimalPSP(c.Request.Context(), req.Currency, amount)
	if err != nil {
		h.writeServiceError(c, "quote route", err, nil)
		return
	}
	c.JSON(http.StatusOK, assignmentToResponse(a))
}

func (h *Handler) AssignOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return
	}
	a, err := h.Router.AssignOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeServiceError(c, "assign order", err, nil)
		return
	}
	c.JSON(http.StatusOK, assignmentToResponse(a))
}

func (h *Handler) SettleOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return
	}
	res, err := h.Settlement.SettleProviderOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeServiceError(c, "settle order", err, failureDetails(res, err))
		return
	}
	c.JSON(http.StatusOK, settlementResponse{
		OrderID:        res.OrderID.String(),
		Success:        res.Success,
		AlreadySettled: res.AlreadySettled,
		TransactionID:  res.TransactionID,
		NetworkUsed:    res.NetworkUsed,
		Amount:         res.Amount.String(),
	})
}

func failureDetails(res *service.SettlementResult, err error) map[string]string {
	if res == nil {
		return nil
	}
	details := map[string]string{
		"error":       res.Error,
		"retry_count": strconv.Itoa(res.RetryCount),
	}
	if res.NextRetryAt != nil {
		details["next_retry_at"] = formatTime(*res.NextRetryAt)
	}
	if errors.Is(err, service.ErrMaxRetriesExceeded) {
		details["manual_review"] = "true"
	}
	return details
}

func (h *Handler) SettleBatch(c *gin.Context) {
	var req batchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}
	}
	var providerID *uuid.UUID
	if strings.TrimSpace(req.ProviderID) != "" {
		id, err := parseUUIDParam(req.ProviderID)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid provider_id", nil)
			return
		}
		providerID = &id
	}

	result, err := h.Settlement.SettlePendingOrders(c.Request.Context(), providerID)
	if err != nil {
		h.writeServiceError(c, "batch settlement", err, nil)
		return
	}
	resp := batchResponse{
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Errors:    make([]batchErrorItem, 0, len(result.Errors)),
	}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, batchErrorItem{
			OrderID:    e.OrderID.String(),
			ProviderID: e.ProviderID.String(),
			Error:      e.Error,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ProcessRetries(c *gin.Context) {
	sweep, err := h.Retries.ProcessRetryQueue(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "process retries", err, nil)
		return
	}
	c.JSON(http.StatusOK, sweepResponse{
		Due:       sweep.Due,
		Succeeded: sweep.Succeeded,
		Failed:    sweep.Failed,
		Skipped:   sweep.Skipped,
		Escalated: sweep.Escalated,
		Stuck:     sweep.Stuck,
	})
}

func (h *Handler) ListStuck(c *gin.Context) {
	entries, err := h.Retries.ListStuckRetries(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "list stuck retries", err, nil)
		return
	}
	items := make([]retryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, retryToItem(e))
	}
	c.JSON(http.StatusOK, gin.H{"retries": items})
}

// ReconcileOrder records an operator's verdict on an order whose transfer outcome was never stored.
func (h *Handler) ReconcileOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return
	}
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}
	}
	res, err := h.Settlement.ReconcileSettlement(c.Request.Context(), service.ReconcileRequest{
		OrderID:       orderID,
		TransactionID: req.TransactionID,
		Network:       req.Network,
	})
	if err != nil {
		h.writeServiceError(c, "reconcile order", err, nil)
		return
	}
	c.JSON(http.StatusOK, settlementResponse{
		OrderID:        res.OrderID.String(),
		Success:        res.Success,
		AlreadySettled: res.AlreadySettled,
		TransactionID:  res.TransactionID,
		NetworkUsed:    res.NetworkUsed,
		Amount:         res.Amount.String(),
	})
}

func (h *Handler) ListUnreconciled(c *gin.Context) {
	var minAge time.Duration
	if raw := strings.TrimSpace(c.Query("min_age")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "min_age must be a non-negative duration", nil)
			return
		}
		minAge = d
	}
	orders, err := h.Settlement.ListUnreconciled(c.Request.Context(), minAge)
	if err != nil {
		h.writeServiceError(c, "list unreconciled", err, nil)
		return
	}
	items := make([]unreconciledItem, 0, len(orders))
	for _, o := range orders {
		item := unreconciledItem{
			OrderID:  o.ID.String(),
			Amount:   o.Amount.String(),
			Currency: o.Currency,
		}
		if o.AssignedProviderID != nil {
			item.ProviderID = o.AssignedProviderID.String()
		}
		if o.SettlementAttemptedAt != nil {
			item.AttemptedAt = formatTime(*o.SettlementAttemptedAt)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func assignmentToResponse(a *service.Assignment) assignmentResponse {
	return assignmentResponse{
		Kind:           string(a.Kind),
		ProviderID:     a.ProviderID.String(),
		ProviderName:   a.ProviderName,
		CommissionRate: a.CommissionRate.String(),
		Reason:         a.Reason,
	}
}

func retryToItem(e storage.SettlementRetryEntry) retryItem {
	return retryItem{
		OrderID:     e.OrderID.String(),
		RetryCount:  e.RetryCount,
		LastError:   e.LastError,
		NextRetryAt: formatTime(e.NextRetryAt),
		CreatedAt:   formatTime(e.CreatedAt),
		UpdatedAt:   formatTime(e.UpdatedAt),
	}
}
