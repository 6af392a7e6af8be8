package schedule

import (
	"context"
	"log/slog"

	"pivotbot/internal/md"
	"pivotbot/internal/metrics"
	"pivotbot/internal/pivot"
)

// History serves the last completed bar per timeframe.
type History interface {
	LastBar(ctx context.Context, symbol string, tf md.Timeframe) (*pivot.PeriodBar, error)
}

// LevelStore receives the freshly computed ladders.
type LevelStore interface {
	ResetForDay(symbol, tradingDay string, levels pivot.Set) error
}

// Refresher recomputes every instrument's pivot ladders from the prior
// day/week/month bars and resets the instrument to idle for the new day.
type Refresher struct {
	history History
	store   LevelStore
	symbols []string
	clock   Clock
	session *Session
	log     *slog.Logger
}

func NewRefresher(history History, store LevelStore, symbols []string, clock Clock, session *Session, log *slog.Logger) *Refresher {
	return &Refresher{
		history: history,
		store:   store,
		symbols: symbols,
		clock:   clock,
		session: session,
		log:     log,
	}
}

// RefreshAll runs one recompute pass. A missing source bar or a store error
// skips that instrument for this pass; the next tick in the window retries.
func (r *Refresher) RefreshAll(ctx context.Context) {
	tradingDay := r.clock.Now().In(r.session.Location).Format("2006-01-02")
	for _, symbol := range r.symbols {
		if err := r.refreshOne(ctx, symbol, tradingDay); err != nil {
			r.log.Warn("pivot refresh skipped", "symbol", symbol, "error", err)
			continue
		}
		r.log.Info("pivot levels updated", "symbol", symbol, "trading_day", tradingDay)
	}
	metrics.LevelRefreshes.Inc()
}

func (r *Refresher) refreshOne(ctx context.Context, symbol, tradingDay string) error {
	daily, err := r.history.LastBar(ctx, symbol, md.TimeframeDay)
	if err != nil {
		return err
	}
	weekly, err := r.history.LastBar(ctx, symbol, md.TimeframeWeek)
	if err != nil {
		return err
	}
	monthly, err := r.history.LastBar(ctx, symbol, md.TimeframeMonth)
	if err != nil {
		return err
	}

	levels, err := pivot.ComputeSet(daily, weekly, monthly)
	if err != nil {
		return err
	}
	return r.store.ResetForDay(symbol, tradingDay, levels)
}
