// Package transfer is the boundary to the on-chain transfer gateway that reimburses providers.
package transfer

import (
	"context"

	"github.com/shopspring/decimal"
)

type Request struct {
	From        string
	To          string
	TokenSymbol string
	Amount      decimal.Decimal
	Memo        string
	Network     string

	// IdempotencyKey lets the gateway collapse a retried transfer whose first attempt timed out.
	IdempotencyKey string
}

// Result is the gateway's verdict. A returned error means the outcome is unknown to the caller
// (transport failure); a Result with Success=false means the gateway rejected the transfer.
type Result struct {
	Success       bool
	TransactionID string
	NetworkUsed   string
	Error         string
}

type Client interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}

type ClientFunc func(ctx context.Context, req Request) (Result, error)

func (f ClientFunc) Transfer(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
