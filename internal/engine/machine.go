package engine

import (
	"context"
	"errors"

	"pivotbot/internal/md"
	"pivotbot/internal/metrics"
	"pivotbot/internal/orders"
	"pivotbot/internal/pivot"
	"pivotbot/internal/state"
)

// Events recorded in the transition log.
const (
	eventCrossover     = "crossover"
	eventNoEntry       = "no_entry"
	eventArmed         = "armed"
	eventHolding       = "holding"
	eventResolved      = "resolved"
	eventCutoffCancel  = "cutoff_cancel"
	eventHalfwayCancel = "halfway_cancel"
	eventSuperseded    = "superseded"
	eventStatusUnknown = "status_unknown"
	eventCancelFailed  = "cancel_failed"
)

// handleBar applies one bar to one instrument: load the record, take at most
// one transition, then persist the bar as the new "last seen" regardless of
// the transition taken. Bars at or before the last persisted timestamp are
// dropped, which makes replays idempotent.
func (e *Engine) handleBar(ctx context.Context, bar md.Bar) {
	rec, err := e.store.Get(bar.Symbol)
	if err != nil {
		e.log.Error("load ticker state failed", "symbol", bar.Symbol, "error", err)
		return
	}
	if rec == nil || rec.Levels == nil {
		e.log.Debug("bar for symbol without levels", "symbol", bar.Symbol)
		return
	}
	if rec.LastBar != nil && !bar.Timestamp.After(rec.LastBar.Timestamp) {
		return
	}
	metrics.BarsProcessed.WithLabelValues(bar.Symbol).Inc()

	from := rec.Phase()
	var prevClose *float64
	if rec.LastBar != nil {
		pc := rec.LastBar.Close
		prevClose = &pc
	}

	event := e.step(ctx, rec, bar, prevClose)

	rec.LastBar = &bar
	applied, err := e.store.Apply(rec)
	if err != nil {
		// One retry; past that the in-memory decision is not durable and the
		// next bar starts from the stored record.
		if applied, err = e.store.Apply(rec); err != nil {
			e.log.Error("state persistence failed", "symbol", bar.Symbol, "error", err)
			return
		}
	}
	if !applied {
		e.log.Debug("stale write dropped after recompute", "symbol", bar.Symbol)
		return
	}

	if event != "" && e.transitions != nil {
		t := Transition{
			Timestamp: bar.Timestamp,
			BarTime:   bar.Timestamp,
			Symbol:    bar.Symbol,
			Close:     bar.Close,
			From:      from,
			To:        rec.Phase(),
			Event:     event,
		}
		if rec.Monitoring != nil {
			t.Level = string(rec.Monitoring.Level)
			if rec.Monitoring.OrderIDs != nil {
				t.EntryID = rec.Monitoring.OrderIDs.Entry
			}
		}
		e.transitions.Append(t)
	}
}

func (e *Engine) step(ctx context.Context, rec *state.TickerRecord, bar md.Bar, prevClose *float64) string {
	switch {
	case rec.Monitoring == nil:
		return e.tryCrossover(ctx, rec, bar, prevClose)
	case rec.Monitoring.OrderIDs != nil:
		return e.stepPending(ctx, rec, bar, prevClose)
	default:
		return e.stepWatching(ctx, rec, bar, prevClose)
	}
}

// tryCrossover looks for a fresh upward crossing and starts (or supersedes)
// monitoring. At most one live bracket exists per instrument: any legs on a
// superseded record are canceled before the replacement is persisted.
func (e *Engine) tryCrossover(ctx context.Context, rec *state.TickerRecord, bar md.Bar, prevClose *float64) string {
	cross, ok := pivot.DetectCrossover(rec.Levels.Daily, bar.Open, bar.Close, prevClose)
	if !ok {
		return ""
	}
	if cross.NoEntry {
		e.log.Info("crossed top resistance, no entry", "symbol", bar.Symbol, "price", cross.Price)
		return eventNoEntry
	}

	if rec.Monitoring != nil && rec.Monitoring.OrderIDs != nil {
		if err := e.orders.Cancel(ctx, *rec.Monitoring.OrderIDs); err != nil {
			e.log.Warn("cancel before supersede failed", "symbol", bar.Symbol, "error", err)
			return eventCancelFailed
		}
	}

	metrics.Crossovers.WithLabelValues(bar.Symbol, string(cross.Level)).Inc()
	// The crossover bar's own high seeds the arming flag; placement waits
	// for the next bar's close.
	rec.Monitoring = &state.Monitoring{
		Level:              cross.Level,
		LevelPrice:         cross.Price,
		TargetPrice:        cross.Target,
		ReachedQuarterMark: bar.High >= pivot.QuarterMark(cross.Price, cross.Target),
		UpdatedAt:          bar.Timestamp,
	}
	e.log.Info("crossover detected", "symbol", bar.Symbol, "level", cross.Level,
		"price", cross.Price, "target", cross.Target)
	return eventCrossover
}

// stepWatching arms once price clears a quarter of the distance to the
// target and places the bracket as soon as the close is also back above the
// level. Arming is sticky: a later dip does not disarm, and only a crossing
// of a different level supersedes the watch.
func (e *Engine) stepWatching(ctx context.Context, rec *state.TickerRecord, bar md.Bar, prevClose *float64) string {
	m := rec.Monitoring
	newlyArmed := false
	if !m.ReachedQuarterMark && bar.High >= pivot.QuarterMark(m.LevelPrice, m.TargetPrice) {
		m.ReachedQuarterMark = true
		m.UpdatedAt = bar.Timestamp
		newlyArmed = true
	}
	if m.ReachedQuarterMark && bar.Close > m.LevelPrice {
		e.placeBracket(ctx, rec, bar)
		return eventArmed
	}
	if newlyArmed {
		return eventArmed
	}
	if cross, ok := pivot.DetectCrossover(rec.Levels.Daily, bar.Open, bar.Close, prevClose); ok && cross.Level != m.Level {
		return e.tryCrossover(ctx, rec, bar, prevClose)
	}
	return ""
}

// stepPending reconciles the live bracket: hold while the entry is filled
// and the exit legs work, cancel when price ran away or the session is
// ending, and go idle once a leg resolves.
func (e *Engine) stepPending(ctx context.Context, rec *state.TickerRecord, bar md.Bar, prevClose *float64) string {
	m := rec.Monitoring
	ids := *m.OrderIDs

	open, err := e.orders.LegsOpen(ctx, ids)
	if err != nil {
		// Unknown is not filled and not canceled; try again next bar.
		e.log.Warn("order status query failed", "symbol", bar.Symbol, "error", err)
		return eventStatusUnknown
	}
	if !open {
		rec.Monitoring = nil
		e.tryCrossover(ctx, rec, bar, prevClose)
		return eventResolved
	}

	filled, err := e.orders.EntryFilled(ctx, ids.Entry)
	if err != nil {
		e.log.Warn("entry status query failed", "symbol", bar.Symbol, "error", err)
		return eventStatusUnknown
	}
	if filled {
		// Position held; the exit legs close it out.
		return eventHolding
	}

	if e.session.AfterCutoff(bar.Timestamp) {
		if err := e.orders.Cancel(ctx, ids); err != nil {
			e.log.Warn("cutoff cancel failed", "symbol", bar.Symbol, "error", err)
			return eventCancelFailed
		}
		rec.Monitoring = nil
		return eventCutoffCancel
	}

	halfway := m.LevelPrice + (m.TargetPrice-m.LevelPrice)/2
	if bar.Close > halfway {
		if err := e.orders.Cancel(ctx, ids); err != nil {
			e.log.Warn("halfway cancel failed", "symbol", bar.Symbol, "error", err)
			return eventCancelFailed
		}
		rec.Monitoring = nil
		e.tryCrossover(ctx, rec, bar, prevClose)
		return eventHalfwayCancel
	}

	if e.policy.CancelOnCrossover {
		if cross, ok := pivot.DetectCrossover(rec.Levels.Daily, bar.Open, bar.Close, prevClose); ok && !cross.NoEntry && cross.Level != m.Level {
			if ev := e.tryCrossover(ctx, rec, bar, prevClose); ev == eventCrossover {
				return eventSuperseded
			}
			return eventCancelFailed
		}
	}
	return ""
}

// placeBracket submits the three-legged order and attaches the leg IDs. A
// rejected placement leaves the record armed so the next bar retries; no
// new entries start at or after the order cutoff.
func (e *Engine) placeBracket(ctx context.Context, rec *state.TickerRecord, bar md.Bar) {
	if e.session.AfterCutoff(bar.Timestamp) {
		e.log.Debug("entry suppressed after cutoff", "symbol", bar.Symbol)
		return
	}
	m := rec.Monitoring
	ids, err := e.orders.Place(ctx, rec.Symbol, m.LevelPrice, m.TargetPrice)
	if err != nil {
		reason := "placement_failed"
		if errors.Is(err, orders.ErrInsufficientSizing) {
			reason = "insufficient_sizing"
		}
		metrics.OrderFailures.WithLabelValues(bar.Symbol, reason).Inc()
		e.log.Warn("bracket placement failed", "symbol", bar.Symbol, "error", err)
		return
	}
	m.OrderIDs = &ids
	m.UpdatedAt = bar.Timestamp
	metrics.OrdersPlaced.WithLabelValues(bar.Symbol).Inc()
}
