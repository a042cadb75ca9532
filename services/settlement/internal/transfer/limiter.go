package transfer

import (
	"context"
	"fmt"

	"github.com/mxsafiri/nedapay-plus--sub001/libs/rate"
)

// WithLimiter spends one slot of the request network's budget before each transfer.
func WithLimiter(next Client, limiter rate.Limiter) Client {
	if limiter == nil {
		return next
	}
	return ClientFunc(func(ctx context.Context, req Request) (Result, error) {
		if err := rate.Wait(ctx, limiter, req.Network); err != nil {
			return Result{}, fmt.Errorf("transfer budget for %s: %w", req.Network, err)
		}
		return next.Transfer(ctx, req)
	})
}
