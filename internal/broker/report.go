package broker

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// OrderDetail is the read-side view of an order for the reporting API.
// Nullable broker fields stay pointers so absent data renders as JSON null.
type OrderDetail struct {
	ID             string        `json:"id"`
	Symbol         string        `json:"symbol"`
	Side           string        `json:"side"`
	Type           string        `json:"type"`
	Status         string        `json:"status"`
	Qty            float64       `json:"qty"`
	FilledQty      float64       `json:"filled_qty"`
	LimitPrice     *float64      `json:"limit_price"`
	StopPrice      *float64      `json:"stop_price"`
	FilledAvgPrice *float64      `json:"filled_avg_price"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	FilledAt       *time.Time    `json:"filled_at"`
	CanceledAt     *time.Time    `json:"canceled_at"`
	ReplacedAt     *time.Time    `json:"replaced_at"`
	Legs           []OrderDetail `json:"legs,omitempty"`
}

type ListOrdersRequest struct {
	Status string
	After  time.Time
	Until  time.Time
	Limit  int
	Nested bool
}

// ListOrders fetches orders with their bracket legs for the reporting API.
func (c *Client) ListOrders(ctx context.Context, req ListOrdersRequest) ([]OrderDetail, error) {
	orders, err := c.client.GetOrders(alpaca.GetOrdersRequest{
		Status: req.Status,
		After:  req.After,
		Until:  req.Until,
		Limit:  req.Limit,
		Nested: req.Nested,
	})
	if err != nil {
		return nil, err
	}

	details := make([]OrderDetail, 0, len(orders))
	for _, order := range orders {
		details = append(details, toDetail(order))
	}
	return details, nil
}

func toDetail(order alpaca.Order) OrderDetail {
	detail := OrderDetail{
		ID:             order.ID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Type:           string(order.Type),
		Status:         order.Status,
		FilledQty:      decToFloat(order.FilledQty),
		LimitPrice:     decPtrToFloat(order.LimitPrice),
		StopPrice:      decPtrToFloat(order.StopPrice),
		FilledAvgPrice: decPtrToFloat(order.FilledAvgPrice),
		SubmittedAt:    order.SubmittedAt,
		FilledAt:       order.FilledAt,
		CanceledAt:     order.CanceledAt,
		ReplacedAt:     order.ReplacedAt,
	}
	if order.Qty != nil {
		detail.Qty = decToFloat(*order.Qty)
	}
	for _, leg := range order.Legs {
		detail.Legs = append(detail.Legs, toDetail(leg))
	}
	return detail
}

func decToFloat(d decimal.Decimal) float64 {
	value, _ := d.Float64()
	return value
}

func decPtrToFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	value, _ := d.Float64()
	return &value
}
