// Package market keeps a per-symbol, append-only window of closed bars.
package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"trading-agent/internal/events"
	"trading-agent/pkg/exchanges/common"
)

// KlineStream pushes closed bars as they complete.
type KlineStream interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) <-chan common.Bar
}

// Feed polls the gateway for closed bars and optionally merges a websocket
// stream. Bars are immutable once stored; a bar whose open time is not
// after the newest stored one is ignored.
type Feed struct {
	gw       common.Gateway
	stream   KlineStream
	bus      *events.Bus
	interval string
	capacity int
	log      zerolog.Logger

	mu   sync.RWMutex
	bars map[string][]common.Bar
}

// NewFeed creates a feed keeping up to capacity bars per symbol.
func NewFeed(gw common.Gateway, interval string, capacity int, bus *events.Bus, log zerolog.Logger) *Feed {
	if capacity < 2 {
		capacity = 2
	}
	return &Feed{
		gw:       gw,
		bus:      bus,
		interval: interval,
		capacity: capacity,
		log:      log.With().Str("component", "market_feed").Logger(),
		bars:     make(map[string][]common.Bar),
	}
}

// WithStream attaches a push source consumed by Start.
func (f *Feed) WithStream(s KlineStream) *Feed {
	f.stream = s
	return f
}

// Start consumes the stream for each symbol until ctx ends. Without a
// stream it returns immediately and the feed relies on Refresh.
func (f *Feed) Start(ctx context.Context, symbols []string) {
	if f.stream == nil {
		return
	}
	for _, sym := range symbols {
		ch := f.stream.SubscribeKlines(ctx, sym, f.interval)
		go func(symbol string) {
			for bar := range ch {
				if bar.Symbol == "" {
					bar.Symbol = symbol
				}
				f.Append(bar)
			}
		}(sym)
	}
}

// Refresh pulls the latest closed bars for symbol and merges them.
func (f *Feed) Refresh(ctx context.Context, symbol string) (int, error) {
	bars, err := f.gw.FetchBars(ctx, symbol, f.interval, f.capacity)
	if err != nil {
		return 0, fmt.Errorf("fetch bars %s: %w", symbol, err)
	}
	added := 0
	for _, b := range bars {
		if b.Symbol == "" {
			b.Symbol = symbol
		}
		if f.Append(b) {
			added++
		}
	}
	return added, nil
}

// Append stores bar if it is newer than the last stored bar of its symbol.
func (f *Feed) Append(bar common.Bar) bool {
	f.mu.Lock()
	window := f.bars[bar.Symbol]
	if n := len(window); n > 0 && !bar.OpenTime.After(window[n-1].OpenTime) {
		f.mu.Unlock()
		return false
	}
	window = append(window, bar)
	if len(window) > f.capacity {
		// copy so old backing arrays can be released
		window = append([]common.Bar(nil), window[len(window)-f.capacity:]...)
	}
	f.bars[bar.Symbol] = window
	f.mu.Unlock()

	f.log.Debug().Str("symbol", bar.Symbol).Time("open_time", bar.OpenTime).Float64("close", bar.Close).Msg("bar closed")
	f.bus.Publish(events.EventBarClosed, bar)
	return true
}

// Window returns a copy of the last n bars of symbol, oldest first.
func (f *Feed) Window(symbol string, n int) []common.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	window := f.bars[symbol]
	if n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	out := make([]common.Bar, len(window))
	copy(out, window)
	return out
}

// LastPrices returns the newest close of every tracked symbol.
func (f *Feed) LastPrices() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.bars))
	for sym, window := range f.bars {
		if n := len(window); n > 0 {
			out[sym] = window[n-1].Close
		}
	}
	return out
}
