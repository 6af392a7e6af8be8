// Package broker wraps the Alpaca trading API behind the narrow surface the
// bot needs: account queries, bracket order lifecycle, and the end-of-day
// cancel/liquidate calls.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

type Account struct {
	Equity                   float64
	BuyingPower              float64
	NonMarginableBuyingPower float64
}

// BracketOrderRequest describes a buy-limit entry with a take-profit limit
// and a stop-loss leg. Prices are already rounded by the caller.
type BracketOrderRequest struct {
	Symbol          string
	Qty             int
	LimitPrice      float64
	TakeProfitLimit float64
	StopPrice       float64
	ClientOrderID   string
}

// BracketLegs are the broker IDs of the three legs of a placed bracket.
type BracketLegs struct {
	Entry      string
	TakeProfit string
	StopLoss   string
}

// OrderStatus carries the two observable timestamps the state machine keys
// off. A leg is terminal once either is set.
type OrderStatus struct {
	ID         string
	Status     string
	FilledAt   *time.Time
	CanceledAt *time.Time
}

type Client struct {
	client *alpaca.Client
}

func New(apiKey, apiSecret, baseURL string) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{client: alpaca.NewClient(opts)}
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		slog.Error("fetch account failed", "error", err)
		return Account{}, err
	}
	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	nonMarginable, _ := acct.NonMarginBuyingPower.Float64()
	return Account{
		Equity:                   equity,
		BuyingPower:              buyingPower,
		NonMarginableBuyingPower: nonMarginable,
	}, nil
}

// PlaceBracketOrder submits a day buy-limit order with take-profit and
// stop-loss children and returns the three leg IDs.
func (c *Client) PlaceBracketOrder(ctx context.Context, req BracketOrderRequest) (BracketLegs, error) {
	qty := decimal.NewFromInt(int64(req.Qty))
	limitPrice := decimal.NewFromFloat(req.LimitPrice)
	takeProfit := decimal.NewFromFloat(req.TakeProfitLimit)
	stopPrice := decimal.NewFromFloat(req.StopPrice)

	order, err := c.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limitPrice,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &takeProfit},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPrice},
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		slog.Error("place bracket order failed", "symbol", req.Symbol, "qty", req.Qty, "limit", req.LimitPrice, "error", err)
		return BracketLegs{}, err
	}

	legs := BracketLegs{Entry: order.ID}
	for _, leg := range order.Legs {
		switch leg.Type {
		case alpaca.Stop, alpaca.StopLimit:
			legs.StopLoss = leg.ID
		default:
			legs.TakeProfit = leg.ID
		}
	}
	if legs.TakeProfit == "" || legs.StopLoss == "" {
		return BracketLegs{}, fmt.Errorf("bracket order %s returned %d legs", order.ID, len(order.Legs))
	}

	slog.Info("bracket order placed", "symbol", req.Symbol, "qty", req.Qty,
		"entry", legs.Entry, "take_profit", legs.TakeProfit, "stop_loss", legs.StopLoss)
	return legs, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.client.CancelOrder(orderID)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderStatus, error) {
	order, err := c.client.GetOrder(orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	return OrderStatus{
		ID:         order.ID,
		Status:     order.Status,
		FilledAt:   order.FilledAt,
		CanceledAt: order.CanceledAt,
	}, nil
}

// CancelAllOrders cancels every open order on the account. Having nothing to
// cancel is success.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	if err := c.client.CancelAllOrders(); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// CloseAllPositions liquidates every open position. Having nothing to close
// is success.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	if _, err := c.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{}); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// IsNotFound reports whether the gateway rejected a call because the entity
// does not exist, which callers generally treat as already-done.
func IsNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsTerminalOrder reports the broker refusing to act on an order that is
// already filled or canceled.
func IsTerminalOrder(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == 404 || apiErr.StatusCode == 422)
}
