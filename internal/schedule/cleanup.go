package schedule

import (
	"context"
	"log/slog"

	"pivotbot/internal/metrics"
)

// CleanupGateway is the broker surface the end-of-day sweep needs. Both
// calls treat "nothing to do" as success.
type CleanupGateway interface {
	CancelAllOrders(ctx context.Context) error
	CloseAllPositions(ctx context.Context) error
}

// Cleaner cancels every outstanding order, waits briefly for the
// cancellations to propagate, then liquidates all open positions. Failures
// are logged, not retried; running it again with nothing left is a no-op.
type Cleaner struct {
	gw    CleanupGateway
	clock Clock
	wait  func(ctx context.Context) bool
	log   *slog.Logger
}

func NewCleaner(gw CleanupGateway, clock Clock, session *Session, log *slog.Logger) *Cleaner {
	return &Cleaner{
		gw:    gw,
		clock: clock,
		wait: func(ctx context.Context) bool {
			select {
			case <-ctx.Done():
				return false
			case <-clock.After(session.CleanupWait):
				return true
			}
		},
		log: log,
	}
}

func (c *Cleaner) Run(ctx context.Context) {
	if err := c.gw.CancelAllOrders(ctx); err != nil {
		c.log.Error("end-of-day cancel failed", "error", err)
	} else {
		c.log.Info("all pending orders canceled")
	}

	// Give the cancellations time to settle before liquidating.
	if !c.wait(ctx) {
		return
	}

	if err := c.gw.CloseAllPositions(ctx); err != nil {
		c.log.Error("end-of-day liquidation failed", "error", err)
	} else {
		c.log.Info("all positions closed")
	}
	metrics.Cleanups.Inc()
}
