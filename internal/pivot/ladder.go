// Package pivot computes classic floor-trader pivot levels and detects
// upward crossovers of those levels by one-minute bars.
package pivot

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingBarData is returned when a source bar for a timeframe is absent.
var ErrMissingBarData = errors.New("missing bar data")

// PeriodBar is a completed high/low/close bar for a prior day, week or month.
type PeriodBar struct {
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"`
}

// Ladder holds the seven pivot levels for one timeframe, ordered
// S3 < S2 < S1 < Pivot < R1 < R2 < R3.
type Ladder struct {
	S3    float64 `json:"s3"`
	S2    float64 `json:"s2"`
	S1    float64 `json:"s1"`
	Pivot float64 `json:"pivot"`
	R1    float64 `json:"r1"`
	R2    float64 `json:"r2"`
	R3    float64 `json:"r3"`
}

// Set groups the ladders for all three timeframes. Only the daily ladder
// drives trading; weekly and monthly are computed for reference.
type Set struct {
	Daily   Ladder `json:"daily"`
	Weekly  Ladder `json:"weekly"`
	Monthly Ladder `json:"monthly"`
}

// Compute derives the seven levels from a completed period bar. All values
// are rounded to two decimals, half away from zero.
func Compute(bar PeriodBar) Ladder {
	pivot := (bar.High + bar.Low + bar.Close) / 3
	spread := bar.High - bar.Low
	r1 := 2*pivot - bar.Low
	s1 := 2*pivot - bar.High

	return Ladder{
		S3:    round2(s1 - spread),
		S2:    round2(pivot - spread),
		S1:    round2(s1),
		Pivot: round2(pivot),
		R1:    round2(r1),
		R2:    round2(pivot + spread),
		R3:    round2(r1 + spread),
	}
}

// ComputeSet builds the full set from the three prior-period bars. Any absent
// bar fails the whole set with ErrMissingBarData naming the timeframe.
func ComputeSet(daily, weekly, monthly *PeriodBar) (Set, error) {
	if daily == nil {
		return Set{}, fmt.Errorf("%w: daily", ErrMissingBarData)
	}
	if weekly == nil {
		return Set{}, fmt.Errorf("%w: weekly", ErrMissingBarData)
	}
	if monthly == nil {
		return Set{}, fmt.Errorf("%w: monthly", ErrMissingBarData)
	}
	return Set{
		Daily:   Compute(*daily),
		Weekly:  Compute(*weekly),
		Monthly: Compute(*monthly),
	}, nil
}

func round2(value float64) float64 {
	rounded, _ := decimal.NewFromFloat(value).Round(2).Float64()
	return rounded
}
