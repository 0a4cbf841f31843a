package main

import (
	"context"
	"fmt"
	"os"

	"trading-agent/internal/order"
	"trading-agent/internal/retry"
	"trading-agent/internal/state"
	"trading-agent/pkg/config"
	"trading-agent/pkg/exchanges/common"
	"trading-agent/pkg/exchanges/paper"
	"trading-agent/pkg/logger"
)

// dry_run_demo walks a few order flows through the executor against the
// simulated venue. It does not touch a real exchange or any store.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) BUY then SELL the same symbol and book the fills in a tracker.
//   2) Lose the acknowledgement of a BUY and show the retry reuses its id.
//   3) Try a BUY that exceeds the margin to show a permanent rejection.

func main() {
	log := logger.New("info", true)

	balance := 10000.0
	if cfg, err := config.Load(""); err == nil && cfg.Exchange.PaperBalance > 0 {
		balance = cfg.Exchange.PaperBalance
	}

	ex := paper.New(balance)
	ex.SetFeeRate(0.0004)
	symbol := "BTCUSDT"
	ex.SetPrice(symbol, 100)

	tracker := state.NewPositionTracker(0.0001, log)
	exec := order.NewExecutor(ex, order.Options{Policy: retry.Default()}, log)
	exec.OnEvent(func(ev order.Event) {
		if ev.Fill != nil {
			if pnl := tracker.ApplyFill(*ev.Fill); pnl != 0 {
				log.Info().Float64("realized_pnl", pnl).Msg("position reduced")
			}
		}
	})

	ctx := context.Background()
	submit := func(side common.Side, qty float64, action state.Intent) {
		o, err := exec.Submit(ctx, order.Intent{Symbol: symbol, Side: side, Qty: qty, Action: action, ReduceOnly: action == state.IntentExit})
		if err != nil {
			log.Error().Err(err).Msg("submit failed")
			return
		}
		log.Info().Str("client_order_id", o.ClientOrderID).Str("state", string(o.State)).
			Int("retries", o.RetryCount).Float64("avg_price", o.AvgPrice).Msg("order settled")
	}

	log.Info().Msg("[SCENARIO 1] BUY then SELL")
	submit(common.SideBuy, 1, state.IntentEnter)
	ex.SetPrice(symbol, 105)
	submit(common.SideSell, 1, state.IntentExit)

	log.Info().Msg("[SCENARIO 2] lost acknowledgement")
	ex.DropAcks(1)
	submit(common.SideBuy, 0.5, state.IntentEnter)
	log.Info().Int("venue_orders", ex.OrderCount()).Msg("one order placed despite the retry")

	log.Info().Msg("[SCENARIO 3] oversized BUY")
	submit(common.SideBuy, 1e6, state.IntentEnter)

	bal, err := ex.FetchBalance(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch balance")
	}
	fmt.Fprintf(os.Stdout, "wallet=%.4f available=%.4f\n", bal.Wallet, bal.Available)
	for _, p := range tracker.Snapshot().Positions {
		fmt.Fprintf(os.Stdout, "%s %s size=%.4f entry=%.2f\n", p.Symbol, p.Side, p.Size, p.EntryPrice)
	}
}
