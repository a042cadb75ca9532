package service

import (
	"context"
	"log/slog"
	"time"
)

type sweepFunc func(ctx context.Context) error

// startLoop runs fn every interval until ctx is done. Each run gets its own deadline.
func startLoop(ctx context.Context, name string, interval, timeout time.Duration, logger *slog.Logger, fn sweepFunc) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("periodic job disabled", "job", name)
		return
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, timeout)
				if err := fn(runCtx); err != nil && ctx.Err() == nil {
					logger.Error("periodic job failed", "job", name, "error", err)
				}
				cancel()
			}
		}
	}()
}

// StartRetrySweeper processes the retry queue every interval.
func (q *RetryQueue) StartRetrySweeper(ctx context.Context, interval time.Duration) {
	startLoop(ctx, "retry_sweeper", interval, interval, q.logger, func(ctx context.Context) error {
		_, err := q.ProcessRetryQueue(ctx)
		return err
	})
}

// StartLiquidityMonitor raises low-balance alerts and refreshes balance gauges every interval.
func (s *LiquidityService) StartLiquidityMonitor(ctx context.Context, interval time.Duration) {
	startLoop(ctx, "liquidity_monitor", interval, 30*time.Second, s.logger, func(ctx context.Context) error {
		if _, err := s.CheckLowLiquidity(ctx); err != nil {
			return err
		}
		return s.RefreshGauges(ctx)
	})
}
