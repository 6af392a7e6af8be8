package md

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
)

type BarHandler func(Bar)

// StartStream connects to the market data websocket, subscribes to minute
// bars for all symbols and invokes handler for each bar until ctx is done.
// The handler runs on the stream's callback goroutine and must hand off work
// quickly; per-symbol fan-out happens downstream.
func StartStream(ctx context.Context, apiKey, apiSecret, feed string, symbols []string, handler BarHandler) error {
	client := stream.NewStocksClient(
		parseFeed(feed),
		stream.WithCredentials(apiKey, apiSecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}

	if err := client.SubscribeToBars(func(bar stream.Bar) {
		handler(Bar{
			Symbol:    bar.Symbol,
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
		})
	}, symbols...); err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}

	slog.Info("subscribed to bar stream", "symbols", symbols, "feed", feed)

	<-ctx.Done()
	return ctx.Err()
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
