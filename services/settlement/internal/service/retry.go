package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/storage"
)

// Backoff is base * 2^(retryCount-1), capped at max when max is positive.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := base
	for i := 1; i < retryCount; i++ {
		if max > 0 && d >= max {
			return max
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

type RetryStore interface {
	ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]storage.SettlementRetryEntry, error)
	ListStuckRetries(ctx context.Context, maxRetries int) ([]storage.SettlementRetryEntry, error)
	ResolveRetry(ctx context.Context, orderID uuid.UUID, at time.Time) error
	EscalateRetry(ctx context.Context, orderID uuid.UUID, reason string, maxRetries int, now time.Time) (*storage.SettlementRetryEntry, error)
}

type Settler interface {
	SettleProviderOrder(ctx context.Context, orderID uuid.UUID) (*SettlementResult, error)
}

type SweepResult struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int
	Escalated int
	Stuck     int
}

// RetryQueue re-drives failed settlements from the durable queue table. The processing set only
// deduplicates within this process; the settlement lock covers other replicas.
type RetryQueue struct {
	store     RetryStore
	settler   Settler
	events    *Events
	policy    RetryPolicy
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu         sync.Mutex
	processing map[uuid.UUID]struct{}
}

func NewRetryQueue(store RetryStore, settler Settler, events *Events, policy RetryPolicy, batchSize int, logger *slog.Logger, metrics *Metrics) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetryQueue{
		store:      store,
		settler:    settler,
		events:     events,
		policy:     policy,
		batchSize:  batchSize,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		processing: make(map[uuid.UUID]struct{}),
	}
}

func (q *RetryQueue) ProcessRetryQueue(ctx context.Context) (SweepResult, error) {
	now := q.now()
	entries, err := q.store.ListDueRetries(ctx, now, q.policy.MaxRetries, q.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due retries: %w", err)
	}

	result := SweepResult{Due: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !q.claim(entry.OrderID) {
			result.Skipped++
			q.metrics.IncRetry("skipped")
			continue
		}
		q.retryOne(ctx, entry, &result)
		q.unclaim(entry.OrderID)
	}

	stuck, err := q.store.ListStuckRetries(ctx, q.policy.MaxRetries)
	if err != nil {
		q.logger.Warn("list stuck retries failed", "error", err)
	} else {
		result.Stuck = len(stuck)
		q.metrics.SetStuckRetries(len(stuck))
	}

	if result.Due > 0 {
		q.logger.Info("retry sweep finished",
			"due", result.Due,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"escalated", result.Escalated,
			"stuck", result.Stuck,
		)
	}
	return result, nil
}

func (q *RetryQueue) retryOne(ctx context.Context, entry storage.SettlementRetryEntry, result *SweepResult) {
	log := q.logger.With("order_id", entry.OrderID.String(), "retry_count", entry.RetryCount)

	res, err := q.settler.SettleProviderOrder(ctx, entry.OrderID)
	switch {
	case err == nil && res != nil && res.Success:
		result.Succeeded++
		q.metrics.IncRetry("success")
		if res.AlreadySettled {
			if err := q.store.ResolveRetry(ctx, entry.OrderID, q.now()); err != nil {
				log.Error("resolve retry failed", "error", err)
			}
		}
		log.Info("retry settled order", "transaction_id", res.TransactionID)
	case errors.Is(err, ErrSettlementInProgress):
		result.Skipped++
		q.metrics.IncRetry("skipped")
	case errors.Is(err, ErrMaxRetriesExceeded):
		result.Failed++
		q.metrics.IncRetry("exhausted")
	case errors.Is(err, ErrOrderNotSettleable), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrSettlementUnreconciled):
		// Retrying cannot change the outcome, so the entry is parked for an operator.
		q.escalate(ctx, entry, err, log)
		result.Escalated++
	default:
		result.Failed++
		q.metrics.IncRetry("failed")
		log.Warn("retry attempt failed", "error", err)
	}
}

func (q *RetryQueue) escalate(ctx context.Context, entry storage.SettlementRetryEntry, cause error, log *slog.Logger) {
	parked, err := q.store.EscalateRetry(ctx, entry.OrderID, cause.Error(), q.policy.MaxRetries, q.now())
	if err != nil {
		q.metrics.IncRetry("failed")
		log.Error("escalate retry entry failed", "cause", cause, "error", err)
		return
	}
	q.metrics.IncRetry("escalated")
	log.Error("retry entry needs manual review", "error", cause)
	q.events.ManualReview(ctx, *parked)
}

// ListStuckRetries returns entries that exhausted their retries and need manual settlement.
func (q *RetryQueue) ListStuckRetries(ctx context.Context) ([]storage.SettlementRetryEntry, error) {
	return q.store.ListStuckRetries(ctx, q.policy.MaxRetries)
}

func (q *RetryQueue) claim(orderID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[orderID]; ok {
		return false
	}
	q.processing[orderID] = struct{}{}
	return true
}

func (q *RetryQueue) unclaim(orderID uuid.UUID) {
	q.mu.Lock()
	delete(q.processing, orderID)
	q.mu.Unlock()
}
