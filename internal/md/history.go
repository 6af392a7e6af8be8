package md

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"pivotbot/internal/pivot"
)

// HistoryClient fetches the last completed daily, weekly and monthly bars
// used as pivot inputs.
type HistoryClient struct {
	client *marketdata.Client
	loc    *time.Location
}

func NewHistoryClient(apiKey, apiSecret string, loc *time.Location) *HistoryClient {
	return &HistoryClient{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		loc: loc,
	}
}

// LastBar returns the most recent completed bar for the timeframe, e.g. on a
// Monday the daily timeframe yields Friday's bar.
func (h *HistoryClient) LastBar(ctx context.Context, symbol string, tf Timeframe) (*pivot.PeriodBar, error) {
	now := time.Now().In(h.loc)
	start, cutoff, frame, err := barWindow(now, tf)
	if err != nil {
		return nil, err
	}

	bars, err := h.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: frame,
		Start:     start,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s bars for %s: %w", tf, symbol, err)
	}

	bar, ok := lastCompleted(bars, cutoff)
	if !ok {
		return nil, fmt.Errorf("%w: no completed %s bar for %s", pivot.ErrMissingBarData, tf, symbol)
	}
	return bar, nil
}

// lastCompleted picks the newest bar that began before the current period.
// The feed may include the still-forming bar for the running period; bars at
// or past the cutoff are skipped.
func lastCompleted(bars []marketdata.Bar, cutoff time.Time) (*pivot.PeriodBar, bool) {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Timestamp.Before(cutoff) {
			return &pivot.PeriodBar{
				High:      bars[i].High,
				Low:       bars[i].Low,
				Close:     bars[i].Close,
				Timestamp: bars[i].Timestamp,
			}, true
		}
	}
	return nil, false
}

// barWindow returns the query start and the start of the current period. The
// start reaches back several periods so that weekends and holiday runs still
// leave at least one completed bar in the window, e.g. a Monday recompute
// sees Friday's daily bar.
func barWindow(now time.Time, tf Timeframe) (time.Time, time.Time, marketdata.TimeFrame, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch tf {
	case TimeframeDay:
		return midnight.AddDate(0, 0, -7), midnight, marketdata.OneDay, nil
	case TimeframeWeek:
		weekStart := midnight.AddDate(0, 0, -int(midnight.Weekday()))
		return weekStart.AddDate(0, 0, -28), weekStart, marketdata.NewTimeFrame(1, marketdata.Week), nil
	case TimeframeMonth:
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return monthStart.AddDate(0, -3, 0), monthStart, marketdata.NewTimeFrame(1, marketdata.Month), nil
	default:
		return time.Time{}, time.Time{}, marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe: %s", tf)
	}
}
