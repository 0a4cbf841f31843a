package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"trading-agent/pkg/config"
	futusdt "trading-agent/pkg/exchanges/binance/futures_usdt"
	"trading-agent/pkg/exchanges/common"
	"trading-agent/pkg/exchanges/paper"
)

// New builds the venue named by cfg.Venue, wrapped in the shared limiter.
func New(ctx context.Context, cfg config.ExchangeConfig, onDepth func(int), log zerolog.Logger) (*Limited, error) {
	var inner common.Gateway
	switch cfg.Venue {
	case "binance":
		c := futusdt.NewClient(futusdt.Config{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			Testnet:    cfg.Testnet,
			RecvWindow: cfg.RecvWindow,
		}, log)
		c.StartTimeSync(ctx)
		inner = c
	case "paper":
		// public klines from the venue, fills simulated locally
		market := futusdt.NewClient(futusdt.Config{Testnet: cfg.Testnet}, log)
		inner = NewPaperVenue(paper.New(cfg.PaperBalance), market)
	default:
		return nil, fmt.Errorf("unsupported exchange venue: %s", cfg.Venue)
	}

	return NewLimited(inner, Options{
		RatePerMinute:  cfg.RateLimit,
		MaxWait:        cfg.MaxWait,
		RequestTimeout: cfg.RequestTimeout,
		OnQueueDepth:   onDepth,
	}, log), nil
}

// PaperVenue trades against a simulated book while reading bars from a real
// market data source. Each fetched bar moves the simulated price.
type PaperVenue struct {
	*paper.Exchange
	market common.Gateway
}

func NewPaperVenue(ex *paper.Exchange, market common.Gateway) *PaperVenue {
	return &PaperVenue{Exchange: ex, market: market}
}

func (p *PaperVenue) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]common.Bar, error) {
	bars, err := p.market.FetchBars(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if n := len(bars); n > 0 {
		p.SetPrice(symbol, bars[n-1].Close)
	}
	return bars, nil
}
