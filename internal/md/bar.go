// Package md provides the live one-minute bar stream and the historical bar
// lookups the level recompute depends on.
package md

import "time"

// Bar is one minute of trading for a single symbol.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
}

// Timeframe selects a historical bar aggregation.
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)
