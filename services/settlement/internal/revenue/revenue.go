// Package revenue splits an order amount into platform, bank and provider earnings.
package revenue

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Params struct {
	PlatformFee          decimal.Decimal
	BankMarkupPercent    decimal.Decimal
	PSPCommissionPercent decimal.Decimal
}

func (p Params) Validate() error {
	if p.PlatformFee.IsNegative() {
		return fmt.Errorf("platform_fee must be non-negative")
	}
	if p.BankMarkupPercent.IsNegative() || p.BankMarkupPercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("bank_markup_percent must be between 0 and 1")
	}
	if p.PSPCommissionPercent.IsNegative() || p.PSPCommissionPercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("psp_commission_percent must be between 0 and 1")
	}
	return nil
}

type Breakdown struct {
	Amount        decimal.Decimal
	PlatformFee   decimal.Decimal
	BankMarkup    decimal.Decimal
	PSPCommission decimal.Decimal
	TotalFees     decimal.Decimal
	NetAmount     decimal.Decimal
}

// Calculate is exact: no rounding is applied to any component.
func Calculate(amount decimal.Decimal, p Params) Breakdown {
	bankMarkup := amount.Mul(p.BankMarkupPercent)
	pspCommission := amount.Mul(p.PSPCommissionPercent)
	totalFees := p.PlatformFee.Add(bankMarkup).Add(pspCommission)
	return Breakdown{
		Amount:        amount,
		PlatformFee:   p.PlatformFee,
		BankMarkup:    bankMarkup,
		PSPCommission: pspCommission,
		TotalFees:     totalFees,
		NetAmount:     amount.Sub(totalFees),
	}
}

// Commission is the provider's cut for a given rate.
func Commission(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}

const (
	TierPlatinum = "platinum"
	TierGold     = "gold"
	TierSilver   = "silver"
	TierNone     = "none"
)

type volumeTier struct {
	name       string
	minTxCount int64
	percent    decimal.Decimal
}

// Ordered highest first.
var volumeTiers = []volumeTier{
	{name: TierPlatinum, minTxCount: 100000, percent: decimal.RequireFromString("0.002")},
	{name: TierGold, minTxCount: 50000, percent: decimal.RequireFromString("0.001")},
	{name: TierSilver, minTxCount: 10000, percent: decimal.RequireFromString("0.0005")},
}

type Bonus struct {
	Tier    string
	Percent decimal.Decimal
	Bonus   decimal.Decimal
}

func VolumeBonus(transactionCount int64, totalVolume decimal.Decimal) Bonus {
	for _, tier := range volumeTiers {
		if transactionCount >= tier.minTxCount {
			return Bonus{Tier: tier.name, Percent: tier.percent, Bonus: totalVolume.Mul(tier.percent)}
		}
	}
	return Bonus{Tier: TierNone, Percent: decimal.Zero, Bonus: decimal.Zero}
}
