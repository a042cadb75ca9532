// Package rate budgets transfer gateway calls per settlement network. Budgets are trailing
// windows, so a burst at the end of one window cannot double up with the start of the next.
// The memory budget is per process; the redis budget is shared by every replica.
package rate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Quota allows Limit transfers on a network within any trailing Window.
type Quota struct {
	Limit  int
	Window time.Duration
}

func (q Quota) validate() error {
	if q.Limit <= 0 || q.Window <= 0 {
		return fmt.Errorf("quota needs a positive limit and window, got %d per %s", q.Limit, q.Window)
	}
	return nil
}

// Quotas holds the default quota and per-network overrides keyed by lowercase network name.
type Quotas struct {
	Default  Quota
	Networks map[string]Quota
}

// For returns the quota that applies to network.
func (q Quotas) For(network string) Quota {
	if quota, ok := q.Networks[normalize(network)]; ok {
		return quota
	}
	return q.Default
}

func (q Quotas) Validate() error {
	if err := q.Default.validate(); err != nil {
		return err
	}
	for network, quota := range q.Networks {
		if err := quota.validate(); err != nil {
			return fmt.Errorf("network %s: %w", network, err)
		}
	}
	return nil
}

// Decision is the outcome of asking for one transfer slot.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Remaining slots in the window after this decision.
	Remaining int
}

type Limiter interface {
	Reserve(ctx context.Context, network string, now time.Time) (Decision, error)
}

// Wait blocks until network has a free slot or ctx is done.
func Wait(ctx context.Context, l Limiter, network string) error {
	for {
		d, err := l.Reserve(ctx, network, time.Now())
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func normalize(network string) string {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		return "unknown"
	}
	return network
}
