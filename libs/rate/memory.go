package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryBudget keeps a log of recent transfer times per network.
type MemoryBudget struct {
	mu     sync.Mutex
	quotas Quotas
	sent   map[string][]time.Time
}

func NewMemory(quotas Quotas) (*MemoryBudget, error) {
	if err := quotas.Validate(); err != nil {
		return nil, err
	}
	return &MemoryBudget{quotas: quotas, sent: map[string][]time.Time{}}, nil
}

func (b *MemoryBudget) Reserve(_ context.Context, network string, now time.Time) (Decision, error) {
	network = normalize(network)
	quota := b.quotas.For(network)

	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.sent[network]
	cutoff := now.Add(-quota.Window)
	expired := 0
	for expired < len(log) && !log[expired].After(cutoff) {
		expired++
	}
	log = log[expired:]

	if len(log) >= quota.Limit {
		b.sent[network] = log
		return Decision{RetryAfter: log[0].Sub(cutoff)}, nil
	}
	b.sent[network] = append(log, now)
	return Decision{Allowed: true, Remaining: quota.Limit - len(log) - 1}, nil
}
