package service

import (
	"errors"

	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/transfer"
)

var (
	ErrInsufficientLiquidity = storage.ErrInsufficientLiquidity
	ErrReserveNotProvisioned = storage.ErrReserveNotProvisioned
	ErrOrderNotFound         = storage.ErrOrderNotFound
	ErrProviderNotFound      = storage.ErrProviderNotFound
	ErrAlreadySettled        = storage.ErrAlreadySettled
	ErrNoSettlementWallet    = transfer.ErrNoWallet
	// ErrSettlementUnreconciled marks an order whose last transfer may have executed without being
	// recorded. Only an operator reconciliation clears it.
	ErrSettlementUnreconciled = storage.ErrSettlementInFlight

	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidCurrency      = errors.New("currency is required")
	ErrNoProviderAvailable  = errors.New("no provider available")
	ErrTransferFailed       = errors.New("transfer execution failed")
	ErrMaxRetriesExceeded   = errors.New("max settlement retries exceeded")
	ErrOrderNotSettleable   = errors.New("order not settleable")
	ErrSettlementInProgress = errors.New("settlement already in progress")
	ErrOrderAlreadyAssigned = errors.New("order already assigned")
)
