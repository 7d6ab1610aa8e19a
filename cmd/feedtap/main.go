// feedtap connects to one exchange and streams normalized events to the
// console. Useful for eyeballing live venue data.
// Usage: go run ./cmd/feedtap --exchange bitget --market futures --symbol BTCUSDT
//
// Token-gated venues read credentials from the environment:
//
//	KUCOIN_API_KEY / KUCOIN_SECRET_KEY / KUCOIN_PASSPHRASE
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/connection"
	"github.com/phkoenig/marketfeed/internal/dispatch"
	"github.com/phkoenig/marketfeed/internal/model"
	"github.com/phkoenig/marketfeed/internal/stream"

	_ "github.com/phkoenig/marketfeed/internal/exchange/bitget"
	_ "github.com/phkoenig/marketfeed/internal/exchange/kucoin"
)

func main() {
	exchangeName := flag.String("exchange", "bitget", "exchange name (bitget, kucoin)")
	market := flag.String("market", "futures", "market type (futures, spot)")
	symbols := flag.String("symbol", "BTCUSDT", "comma-separated symbols")
	channels := flag.String("channel", "ticker", "comma-separated channels (ticker, trade, candle1m, books)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	dispatcher := dispatch.New(dispatch.DefaultConfig(), logger)
	svc := stream.New(stream.Config{
		Connection:  connection.DefaultSupervisorConfig(),
		Credentials: auth.EnvLookup{},
		Logger:      logger,
	}, dispatcher)
	svc.Start(ctx)

	svc.RegisterConsumer(func(ev model.Event) {
		printEvent(ev, *verbose)
	})

	id, err := svc.StartConnection(*exchangeName, model.MarketType(*market))
	if err != nil {
		logger.Error("failed to start connection", "error", err)
		os.Exit(1)
	}

	for _, ch := range strings.Split(*channels, ",") {
		for _, sym := range strings.Split(*symbols, ",") {
			if err := svc.AddSubscription(id, strings.TrimSpace(ch), strings.TrimSpace(sym)); err != nil {
				logger.Error("failed to subscribe", "channel", ch, "symbol", sym, "error", err)
			}
		}
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	svc.Stop(shutdownCtx)
}

func printEvent(ev model.Event, verbose bool) {
	if verbose {
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
		return
	}

	ts := ev.ReceivedAt.Format("15:04:05.000")
	switch ev.Type {
	case model.EventTicker:
		fmt.Printf("%s TICKER  %-12s last=%s bid=%s ask=%s\n",
			ts, ev.Symbol, ev.Ticker.Last, ev.Ticker.BestBid, ev.Ticker.BestAsk)
	case model.EventTrade:
		fmt.Printf("%s TRADE   %-12s %s %s @ %s\n",
			ts, ev.Symbol, ev.Trade.Side, ev.Trade.Size, ev.Trade.Price)
	case model.EventCandle:
		fmt.Printf("%s CANDLE  %-12s %s o=%s h=%s l=%s c=%s\n",
			ts, ev.Symbol, ev.Candle.Interval, ev.Candle.Open, ev.Candle.High, ev.Candle.Low, ev.Candle.Close)
	case model.EventBookDelta:
		kind := "delta"
		if ev.BookDelta.Snapshot {
			kind = "snapshot"
		}
		fmt.Printf("%s BOOK    %-12s %s bids=%d asks=%d\n",
			ts, ev.Symbol, kind, len(ev.BookDelta.Bids), len(ev.BookDelta.Asks))
	case model.EventControl:
		fmt.Printf("%s CONTROL %-12s %s %s\n", ts, ev.Symbol, ev.Control.Kind, ev.Control.Reason)
	}
}
