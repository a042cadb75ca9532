package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/revenue"
	"github.com/shopspring/decimal"
)

type revenueQuoteRequest struct {
	Amount               string `json:"amount"`
	PlatformFee          string `json:"platform_fee"`
	BankMarkupPercent    string `json:"bank_markup_percent"`
	PSPCommissionPercent string `json:"psp_commission_percent"`
}

type revenueQuoteResponse struct {
	Amount        string `json:"amount"`
	PlatformFee   string `json:"platform_fee"`
	BankMarkup    string `json:"bank_markup"`
	PSPCommission string `json:"psp_commission"`
	TotalFees     string `json:"total_fees"`
	NetAmount     string `json:"net_amount"`
}

func (h *Handler) RevenueQuote(c *gin.Context) {
	var req revenueQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be a positive decimal", nil)
		return
	}
	var params revenue.Params
	for _, f := range []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"platform_fee", req.PlatformFee, &params.PlatformFee},
		{"bank_markup_percent", req.BankMarkupPercent, &params.BankMarkupPercent},
		{"psp_commission_percent", req.PSPCommissionPercent, &params.PSPCommissionPercent},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+f.name, nil)
			return
		}
		*f.value = d
	}
	if err := params.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	b := revenue.Calculate(amount, params)
	c.JSON(http.StatusOK, revenueQuoteResponse{
		Amount:        b.Amount.String(),
		PlatformFee:   b.PlatformFee.String(),
		BankMarkup:    b.BankMarkup.String(),
		PSPCommission: b.PSPCommission.String(),
		TotalFees:     b.TotalFees.String(),
		NetAmount:     b.NetAmount.String(),
	})
}

func (h *Handler) VolumeBonus(c *gin.Context) {
	count, err := strconv.ParseInt(strings.TrimSpace(c.Query("transactions")), 10, 64)
	if err != nil || count < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "transactions must be a non-negative integer", nil)
		return
	}
	volume, err := decimal.NewFromString(strings.TrimSpace(c.Query("volume")))
	if err != nil || volume.IsNegative() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "volume must be a non-negative decimal", nil)
		return
	}
	bonus := revenue.VolumeBonus(count, volume)
	c.JSON(http.StatusOK, gin.H{
		"tier":    bonus.Tier,
		"percent": bonus.Percent.String(),
		"bonus":   bonus.Bonus.String(),
	})
}
