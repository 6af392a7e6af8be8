// Package state persists one record per instrument: the day's pivot ladders,
// the last bar observed, and the monitoring record that tracks a setup from
// crossover through order resolution.
package state

import (
	"time"

	"pivotbot/internal/md"
	"pivotbot/internal/pivot"
)

// OrderIDs are the three legs of a bracket order at the broker.
type OrderIDs struct {
	Entry      string `json:"entry"`
	TakeProfit string `json:"take_profit"`
	StopLoss   string `json:"stop_loss"`
}

// Monitoring tracks one crossed level. Nil means the instrument is idle.
type Monitoring struct {
	Level              pivot.Level `json:"level"`
	LevelPrice         float64     `json:"level_price"`
	TargetPrice        float64     `json:"target_price"`
	ReachedQuarterMark bool        `json:"reached_quarter_mark"`
	OrderIDs           *OrderIDs   `json:"order_ids"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Phase is the logical state of the monitoring lifecycle, derived from the
// persisted record rather than stored as its own tag.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseWatching     Phase = "watching"
	PhaseArmed        Phase = "armed"
	PhaseOrderPending Phase = "order_pending"
)

// TickerRecord is the durable row for one instrument. TradingDay is the
// ladder generation: engine writes are conditioned on it so a concurrent
// daily recompute wins over a stale in-flight bar decision.
type TickerRecord struct {
	Symbol     string      `gorm:"primaryKey;size:16" json:"symbol"`
	TradingDay string      `gorm:"size:10;index" json:"trading_day"`
	Levels     *pivot.Set  `gorm:"serializer:json" json:"levels"`
	LastBar    *md.Bar     `gorm:"serializer:json" json:"last_bar"`
	Monitoring *Monitoring `gorm:"serializer:json" json:"monitoring"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (r *TickerRecord) Phase() Phase {
	switch {
	case r.Monitoring == nil:
		return PhaseIdle
	case r.Monitoring.OrderIDs != nil:
		return PhaseOrderPending
	case r.Monitoring.ReachedQuarterMark:
		return PhaseArmed
	default:
		return PhaseWatching
	}
}
