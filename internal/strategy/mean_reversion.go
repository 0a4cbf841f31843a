package strategy

import (
	"fmt"
	"strings"

	"trading-agent/pkg/config"
	"trading-agent/pkg/exchanges/common"
)

// Side of the book the strategy trades.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// MeanReversion enters after a drop of at least EntryThreshold across the
// lookback window and exits after a rebound of at least ExitThreshold. For
// SHORT the metric is mirrored, so a rise counts as the negative move.
type MeanReversion struct {
	Lookback       int
	EntryThreshold float64 // negative, e.g. -0.06
	ExitThreshold  float64 // positive, e.g. 0.04
	MinConfidence  float64
	Side           Side
}

// NewMeanReversion builds the rule from the strategy section.
func NewMeanReversion(cfg config.StrategyConfig) *MeanReversion {
	side := Long
	if strings.EqualFold(cfg.Direction, string(Short)) {
		side = Short
	}
	lookback := cfg.Lookback
	if lookback < 2 {
		lookback = 2
	}
	return &MeanReversion{
		Lookback:       lookback,
		EntryThreshold: cfg.EntryThreshold,
		ExitThreshold:  cfg.ExitThreshold,
		MinConfidence:  cfg.MinConfidence,
		Side:           side,
	}
}

// Evaluate is deterministic: the same window and position flag always give
// the same signal.
func (m *MeanReversion) Evaluate(symbol string, bars []common.Bar, hasPosition bool) Signal {
	sig := Signal{Symbol: symbol, Direction: Hold}
	if len(bars) > m.Lookback {
		bars = bars[len(bars)-m.Lookback:]
	}
	if len(bars) < 2 {
		sig.Reason = "insufficient bars"
		return sig
	}
	first, last := bars[0].Close, bars[len(bars)-1].Close
	if first <= 0 {
		sig.Reason = "invalid first close"
		return sig
	}

	metric := last/first - 1
	if m.Side == Short {
		metric = -metric
	}
	sig.MetricValue = metric
	sig.Confidence = agreement(bars, metric, m.Side == Short)

	switch {
	case hasPosition && metric >= m.ExitThreshold:
		sig.Direction = Exit
		sig.Reason = fmt.Sprintf("metric %.4f >= exit %.4f", metric, m.ExitThreshold)
	case !hasPosition && metric <= m.EntryThreshold && sig.Confidence >= m.MinConfidence:
		sig.Direction = EnterLong
		if m.Side == Short {
			sig.Direction = EnterShort
		}
		sig.Reason = fmt.Sprintf("metric %.4f <= entry %.4f", metric, m.EntryThreshold)
	}
	return sig
}

// agreement is the share of close-to-close moves whose sign matches metric.
func agreement(bars []common.Bar, metric float64, mirrored bool) float64 {
	if metric == 0 {
		return 0
	}
	moves, agree := 0, 0
	for i := 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		if mirrored {
			d = -d
		}
		moves++
		if (d > 0 && metric > 0) || (d < 0 && metric < 0) {
			agree++
		}
	}
	return float64(agree) / float64(moves)
}
