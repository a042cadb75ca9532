package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TxTypeDeposit = "deposit"
	TxTypeReserve = "reserve"
	TxTypeRelease = "release"

	AlertTypeLowBalance = "low_balance"

	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"

	SettlementPending   = "pending"
	SettlementInFlight  = "in_flight"
	SettlementCompleted = "completed"
	SettlementFailed    = "failed"

	OrderStatusFiatDelivered = "fiat_delivered"

	VerificationApproved = "approved"
)

type LiquidityReserve struct {
	ID               uuid.UUID
	Currency         string
	TotalAmount      decimal.Decimal
	AvailableAmount  decimal.Decimal
	ReservedAmount   decimal.Decimal
	ProviderType     string
	MinimumThreshold decimal.Decimal
	OptimalBalance   decimal.Decimal
	UpdatedAt        time.Time
}

// Balanced reports whether available + reserved == total with no negative field.
func (r LiquidityReserve) Balanced() bool {
	if r.TotalAmount.IsNegative() || r.AvailableAmount.IsNegative() || r.ReservedAmount.IsNegative() {
		return false
	}
	return r.AvailableAmount.Add(r.ReservedAmount).Equal(r.TotalAmount)
}

type LiquidityTransaction struct {
	ID            uuid.UUID
	Currency      string
	Type          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	OrderID       *uuid.UUID
	ExecutedBy    string
	Notes         string
	CreatedAt     time.Time
}

type LiquidityAlert struct {
	ID                uuid.UUID
	Currency          string
	AlertType         string
	Severity          string
	Message           string
	RecommendedAction string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

type PaymentOrder struct {
	ID                 uuid.UUID
	Amount             decimal.Decimal
	Currency           string
	TokenSymbol        string
	Status             string
	AssignedProviderID *uuid.UUID
	IsInternal         bool
	SettlementStatus   string
	SettlementTxHash   string
	SettlementNetwork  string
	SettledAt          *time.Time
	// SettlementAttemptedAt is set when a transfer is about to be sent. While the order is in
	// flight the outcome of that transfer is unknown to the store.
	SettlementAttemptedAt *time.Time
	BankID                *uuid.UUID
	BankMarkup            decimal.Decimal
	PSPCommission         decimal.Decimal
	CreatedAt             time.Time
}

type ProviderProfile struct {
	ID                    uuid.UUID
	Name                  string
	CommissionRate        decimal.Decimal
	TreasuryWallets       map[string]string
	IsActive              bool
	IsAvailable           bool
	VerificationStatus    string
	FulfillmentCount      int64
	TotalCommissionEarned decimal.Decimal
}

// Eligible reports whether the provider may receive external assignments.
func (p ProviderProfile) Eligible() bool {
	return p.IsActive && p.IsAvailable && p.VerificationStatus == VerificationApproved
}

type BankProfile struct {
	ID                uuid.UUID
	Name              string
	TotalMarkupEarned decimal.Decimal
}

type SettlementRetryEntry struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	RetryCount  int
	LastError   string
	NextRetryAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// SettlementRecord is everything written when a transfer succeeds.
type SettlementRecord struct {
	OrderID       uuid.UUID
	ProviderID    uuid.UUID
	BankID        *uuid.UUID
	TransactionID string
	Network       string
	TokenSymbol   string
	FromAddress   string
	ToAddress     string
	Reimbursement decimal.Decimal
	Commission    decimal.Decimal
	BankMarkup    decimal.Decimal
	TotalAmount   decimal.Decimal
	SettledAt     time.Time
}

type SettlementLog struct {
	ID uuid.UUID
	SettlementRecord
	CreatedAt time.Time
}

// Assignment is the routing decision persisted on an order.
type Assignment struct {
	OrderID       uuid.UUID
	ProviderID    uuid.UUID
	IsInternal    bool
	PSPCommission decimal.Decimal
}

// RetryUpdate describes one failure to upsert into the retry queue. NextRetryAt is computed by the
// caller from the resulting retry count.
type RetryUpdate struct {
	OrderID   uuid.UUID
	LastError string
	Now       time.Time
	// MaxRetries caps the stored retry count; zero means uncapped.
	MaxRetries int
	Schedule   func(retryCount int) time.Time
}
