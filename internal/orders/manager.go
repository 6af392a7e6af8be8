// Package orders sizes, prices and manages the three-legged bracket orders
// the state machine places when a setup arms.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pivotbot/internal/broker"
	"pivotbot/internal/state"
)

var (
	// ErrInsufficientSizing means available cash buys less than one share at
	// the entry price.
	ErrInsufficientSizing = errors.New("insufficient sizing")
	// ErrPlacementFailed wraps gateway rejections; the state machine stays in
	// its current phase and retries on the next qualifying bar.
	ErrPlacementFailed = errors.New("order placement failed")
)

// Gateway is the broker surface the manager needs.
type Gateway interface {
	Account(ctx context.Context) (broker.Account, error)
	PlaceBracketOrder(ctx context.Context, req broker.BracketOrderRequest) (broker.BracketLegs, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (broker.OrderStatus, error)
}

// Sizing carries the pricing and position-size knobs.
type Sizing struct {
	EntryTolerance  float64
	ExitTolerance   float64
	StopRiskRatio   float64
	CapitalFraction float64
}

type Manager struct {
	gw     Gateway
	sizing Sizing
	log    *slog.Logger
}

func NewManager(gw Gateway, sizing Sizing, log *slog.Logger) *Manager {
	return &Manager{gw: gw, sizing: sizing, log: log}
}

// Place submits a bracket order for a crossed level: buy limit just above the
// level, take-profit just below the target, stop below the level at the
// configured fraction of the level-to-target distance.
func (m *Manager) Place(ctx context.Context, symbol string, levelPrice, targetPrice float64) (state.OrderIDs, error) {
	entry := round2(levelPrice + m.sizing.EntryTolerance)
	takeProfit := round2(targetPrice - m.sizing.ExitTolerance)
	stop := round2(levelPrice - (targetPrice-levelPrice)*m.sizing.StopRiskRatio)

	acct, err := m.gw.Account(ctx)
	if err != nil {
		return state.OrderIDs{}, fmt.Errorf("%w: account query: %v", ErrPlacementFailed, err)
	}

	qty := int(math.Floor(acct.NonMarginableBuyingPower * m.sizing.CapitalFraction / entry))
	if qty < 1 {
		return state.OrderIDs{}, fmt.Errorf("%w: %s at %.2f with %.2f available", ErrInsufficientSizing, symbol, entry, acct.NonMarginableBuyingPower)
	}

	legs, err := m.gw.PlaceBracketOrder(ctx, broker.BracketOrderRequest{
		Symbol:          symbol,
		Qty:             qty,
		LimitPrice:      entry,
		TakeProfitLimit: takeProfit,
		StopPrice:       stop,
		ClientOrderID:   uuid.NewString(),
	})
	if err != nil {
		return state.OrderIDs{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}

	m.log.Info("bracket placed", "symbol", symbol, "qty", qty,
		"entry", entry, "take_profit", takeProfit, "stop", stop)
	return state.OrderIDs{
		Entry:      legs.Entry,
		TakeProfit: legs.TakeProfit,
		StopLoss:   legs.StopLoss,
	}, nil
}

// Cancel cancels all three legs. Canceling an already-terminal leg is not an
// error, so Cancel is safe to call repeatedly.
func (m *Manager) Cancel(ctx context.Context, ids state.OrderIDs) error {
	var errs []error
	for _, id := range []string{ids.Entry, ids.TakeProfit, ids.StopLoss} {
		if id == "" {
			continue
		}
		if err := m.gw.CancelOrder(ctx, id); err != nil && !broker.IsTerminalOrder(err) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// LegsOpen reports whether both exit legs are still live: neither filled nor
// canceled.
func (m *Manager) LegsOpen(ctx context.Context, ids state.OrderIDs) (bool, error) {
	profit, err := m.gw.GetOrder(ctx, ids.TakeProfit)
	if err != nil {
		return false, fmt.Errorf("query take-profit leg: %w", err)
	}
	stop, err := m.gw.GetOrder(ctx, ids.StopLoss)
	if err != nil {
		return false, fmt.Errorf("query stop-loss leg: %w", err)
	}
	open := profit.FilledAt == nil && stop.FilledAt == nil &&
		profit.CanceledAt == nil && stop.CanceledAt == nil
	return open, nil
}

// EntryFilled reports whether the entry leg has a fill time.
func (m *Manager) EntryFilled(ctx context.Context, orderID string) (bool, error) {
	order, err := m.gw.GetOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("query entry leg: %w", err)
	}
	return order.FilledAt != nil, nil
}

func round2(value float64) float64 {
	rounded, _ := decimal.NewFromFloat(value).Round(2).Float64()
	return rounded
}
