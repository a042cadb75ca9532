package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed fixture.yaml
var defaultFixture []byte

type fixture struct {
	InternalPool providerFixture   `yaml:"internal_pool"`
	Reserves     []reserveFixture  `yaml:"reserves"`
	Providers    []providerFixture `yaml:"providers"`
	Banks        []bankFixture     `yaml:"banks"`
}

type reserveFixture struct {
	Currency         string          `yaml:"currency"`
	ProviderType     string          `yaml:"provider_type"`
	MinimumThreshold decimal.Decimal `yaml:"minimum_threshold"`
	OptimalBalance   decimal.Decimal `yaml:"optimal_balance"`
	OpeningBalance   decimal.Decimal `yaml:"opening_balance"`
}

type providerFixture struct {
	ID                 uuid.UUID         `yaml:"id"`
	Name               string            `yaml:"name"`
	CommissionRate     decimal.Decimal   `yaml:"commission_rate"`
	VerificationStatus string            `yaml:"verification_status"`
	TreasuryWallets    map[string]string `yaml:"treasury_wallets"`
}

type bankFixture struct {
	ID   uuid.UUID `yaml:"id"`
	Name string    `yaml:"name"`
}

// loadFixture reads path, or the embedded fixture when path is empty.
func loadFixture(path string) (*fixture, error) {
	data := defaultFixture
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixture: %w", err)
		}
		data = b
	}
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *fixture) validate() error {
	if f.InternalPool.ID == uuid.Nil {
		return fmt.Errorf("internal_pool.id is required")
	}
	seen := map[string]bool{}
	for i, r := range f.Reserves {
		cur := strings.ToUpper(strings.TrimSpace(r.Currency))
		if cur == "" {
			return fmt.Errorf("reserves[%d]: currency is required", i)
		}
		if seen[cur] {
			return fmt.Errorf("reserves[%d]: duplicate currency %s", i, cur)
		}
		seen[cur] = true
		if r.OpeningBalance.IsNegative() || r.MinimumThreshold.IsNegative() {
			return fmt.Errorf("reserves[%d]: amounts must not be negative", i)
		}
		f.Reserves[i].Currency = cur
	}
	for i, p := range f.Providers {
		if p.ID == uuid.Nil || strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("providers[%d]: id and name are required", i)
		}
		if p.ID == f.InternalPool.ID {
			return fmt.Errorf("providers[%d]: reuses the internal pool id", i)
		}
	}
	return nil
}
