package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
)

type reserveItem struct {
	Currency         string `json:"currency"`
	TotalAmount      string `json:"total_amount"`
	AvailableAmount  string `json:"available_amount"`
	ReservedAmount   string `json:"reserved_amount"`
	ProviderType     string `json:"provider_type"`
	MinimumThreshold string `json:"minimum_threshold"`
	OptimalBalance   string `json:"optimal_balance"`
	UpdatedAt        string `json:"updated_at"`
}

type availabilityResponse struct {
	Currency        string `json:"currency"`
	Available       bool   `json:"available"`
	CanFulfill      bool   `json:"can_fulfill"`
	AmountAvailable string `json:"amount_available"`
}

type liquidityRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	OrderID  string `json:"order_id"`
}

type depositRequest struct {
	Currency   string `json:"currency"`
	Amount     string `json:"amount"`
	Notes      string `json:"notes"`
	ExecutedBy string `json:"executed_by"`
}

type transactionItem struct {
	ID            string `json:"id"`
	Currency      string `json:"currency"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	OrderID       string `json:"order_id,omitempty"`
	ExecutedBy    string `json:"executed_by"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type alertItem struct {
	ID                string `json:"id"`
	Currency          string `json:"currency"`
	AlertType         string `json:"alert_type"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action"`
	CreatedAt         string `json:"created_at"`
}

type utilizationItem struct {
	Currency         string `json:"currency"`
	TotalAmount      string `json:"total_amount"`
	AvailableAmount  string `json:"available_amount"`
	ReservedAmount   string `json:"reserved_amount"`
	Utilization      string `json:"utilization"`
	MinimumThreshold string `json:"minimum_threshold"`
	BelowThreshold   bool   `json:"below_threshold"`
}

func (h *Handler) GetReserve(c *gin.Context) {
	reserve, err := h.Liquidity.GetReserve(c.Request.Context(), c.Param("currency"))
	if err != nil {
		h.writeServiceError(c, "get reserve", err, nil)
		return
	}
	c.JSON(http.StatusOK, reserveToItem(*reserve))
}

func (h *Handler) CheckAvailability(c *gin.Context) {
	amount, ok := parseAmount(c.Query("amount"))
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
		return
	}
	availability, err := h.Liquidity.CheckAvailability(c.Request.Context(), c.Query("currency"), amount)
	if err != nil {
		h.writeServiceError(c, "check availability", err, nil)
		return
	}
	c.JSON(http.StatusOK, availabilityResponse{
		Currency:        availability.Currency,
		Available:       availability.Available,
		CanFulfill:      availability.CanFulfill,
		AmountAvailable: availability.AmountAvailable.String(),
	})
}

func (h *Handler) Reserve(c *gin.Context) {
	req, orderID, ok := bindLiquidityRequest(c)
	if !ok {
		return
	}
	amount, _ := parseAmount(req.Amount)
	reserved, err := h.Liquidity.ReserveLiquidity(c.Request.Context(), req.Currency, amount, orderID)
	if err != nil {
		h.writeServiceError(c, "reserve liquidity", err, nil)
		return
	}
	if !reserved {
		writeError(c, http.StatusConflict, "INSUFFICIENT_LIQUIDITY", "insufficient liquidity", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserved": true, "order_id": orderID.String()})
}

func (h *Handler) Release(c *gin.Context) {
	req, orderID, ok := bindLiquidityRequest(c)
	if !ok {
		return
	}
	amount, _ := parseAmount(req.Amount)
	released, err := h.Liquidity.ReleaseLiquidity(c.Request.Context(), req.Currency, amount, orderID)
	if err != nil {
		h.writeServiceError(c, "release liquidity", err, nil)
		return
	}
	if !released {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "release exceeds reserved amount", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true, "order_id": orderID.String()})
}

func bindLiquidityRequest(c *gin.Context) (liquidityRequest, uuid.UUID, bool) {
	var req liquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return req, uuid.Nil, false
	}
	if _, ok := parseAmount(req.Amount); !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
		return req, uuid.Nil, false
	}
	orderID, err := parseUUIDParam(req.OrderID)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil)
		return req, uuid.Nil, false
	}
	return req, orderID, true
}

func (h *Handler) LogDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
		return
	}
	tx, err := h.Liquidity.LogDeposit(c.Request.Context(), req.Currency, amount, req.Notes, req.ExecutedBy)
	if err != nil {
		h.writeServiceError(c, "log deposit", err, nil)
		return
	}
	c.JSON(http.StatusCreated, transactionToItem(*tx))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	currency := strings.TrimSpace(c.Query("currency"))
	if currency == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "currency is required", nil)
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 500", nil)
			return
		}
		limit = n
	}
	txs, err := h.Liquidity.ListTransactions(c.Request.Context(), currency, limit)
	if err != nil {
		h.writeServiceError(c, "list transactions", err, nil)
		return
	}
	items := make([]transactionItem, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionToItem(tx))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": items})
}

func (h *Handler) Utilization(c *gin.Context) {
	stats, err := h.Liquidity.GetUtilizationStats(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "utilization stats", err, nil)
		return
	}
	items := make([]utilizationItem, 0, len(stats))
	for _, s := range stats {
		items = append(items, utilizationToItem(s))
	}
	c.JSON(http.StatusOK, gin.H{"reserves": items})
}

func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.Liquidity.ListOpenAlerts(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "list alerts", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alertsToItems(alerts)})
}

func (h *Handler) CheckAlerts(c *gin.Context) {
	created, err := h.Liquidity.CheckLowLiquidity(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, "check low liquidity", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": alertsToItems(created)})
}

func reserveToItem(r storage.LiquidityReserve) reserveItem {
	return reserveItem{
		Currency:         r.Currency,
		TotalAmount:      r.TotalAmount.String(),
		AvailableAmount:  r.AvailableAmount.String(),
		ReservedAmount:   r.ReservedAmount.String(),
		ProviderType:     r.ProviderType,
		MinimumThreshold: r.MinimumThreshold.String(),
		OptimalBalance:   r.OptimalBalance.String(),
		UpdatedAt:        formatTime(r.UpdatedAt),
	}
}

func transactionToItem(tx storage.LiquidityTransaction) transactionItem {
	item := transactionItem{
		ID:            tx.ID.String(),
		Currency:      tx.Currency,
		Type:          tx.Type,
		Amount:        tx.Amount.String(),
		BalanceBefore: tx.BalanceBefore.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		ExecutedBy:    tx.ExecutedBy,
		Notes:         tx.Notes,
		CreatedAt:     formatTime(tx.CreatedAt),
	}
	if tx.OrderID != nil {
		item.OrderID = tx.OrderID.String()
	}
	return item
}

func alertsToItems(alerts []storage.LiquidityAlert) []alertItem {
	items := make([]alertItem, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, alertItem{
			ID:                a.ID.String(),
			Currency:          a.Currency,
			AlertType:         a.AlertType,
			Severity:          a.Severity,
			Message:           a.Message,
			RecommendedAction: a.RecommendedAction,
			CreatedAt:         formatTime(a.CreatedAt),
		})
	}
	return items
}

func utilizationToItem(s service.UtilizationStat) utilizationItem {
	return utilizationItem{
		Currency:         s.Currency,
		TotalAmount:      s.TotalAmount.String(),
		AvailableAmount:  s.AvailableAmount.String(),
		ReservedAmount:   s.ReservedAmount.String(),
		Utilization:      s.Utilization.String(),
		MinimumThreshold: s.MinimumThreshold.String(),
		BelowThreshold:   s.BelowThreshold,
	}
}
