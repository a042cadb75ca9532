package revenue

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculate(t *testing.T) {
	got := Calculate(d("1000"), Params{
		PlatformFee:          d("0.50"),
		BankMarkupPercent:    d("0.002"),
		PSPCommissionPercent: d("0.003"),
	})

	checks := map[string][2]decimal.Decimal{
		"bank_markup":    {got.BankMarkup, d("2.00")},
		"psp_commission": {got.PSPCommission, d("3.00")},
		"total_fees":     {got.TotalFees, d("5.50")},
		"net_amount":     {got.NetAmount, d("994.50")},
	}
	for name, pair := range checks {
		if !pair[0].Equal(pair[1]) {
			t.Fatalf("%s: expected %s, got %s", name, pair[1], pair[0])
		}
	}
}

func TestCalculateZeroRates(t *testing.T) {
	got := Calculate(d("250"), Params{})
	if !got.TotalFees.IsZero() || !got.NetAmount.Equal(d("250")) {
		t.Fatalf("unexpected breakdown %+v", got)
	}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"valid", Params{PlatformFee: d("1"), BankMarkupPercent: d("0.01"), PSPCommissionPercent: d("0.02")}, false},
		{"negative fee", Params{PlatformFee: d("-1")}, true},
		{"markup above one", Params{BankMarkupPercent: d("1.5")}, true},
		{"negative commission", Params{PSPCommissionPercent: d("-0.1")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestVolumeBonus(t *testing.T) {
	cases := []struct {
		count  int64
		volume string
		tier   string
		bonus  string
	}{
		{100000, "500000", TierPlatinum, "1000"},
		{75000, "200000", TierGold, "200"},
		{50000, "1000", TierGold, "1"},
		{10000, "100000", TierSilver, "50"},
		{9999, "100000", TierNone, "0"},
		{0, "0", TierNone, "0"},
	}
	for _, tc := range cases {
		got := VolumeBonus(tc.count, d(tc.volume))
		if got.Tier != tc.tier {
			t.Fatalf("count %d: expected tier %s, got %s", tc.count, tc.tier, got.Tier)
		}
		if !got.Bonus.Equal(d(tc.bonus)) {
			t.Fatalf("count %d: expected bonus %s, got %s", tc.count, tc.bonus, got.Bonus)
		}
	}
}

func TestCommission(t *testing.T) {
	if got := Commission(d("10000"), d("0.0025")); !got.Equal(d("25")) {
		t.Fatalf("expected 25, got %s", got)
	}
}
