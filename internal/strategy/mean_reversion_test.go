package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trading-agent/pkg/config"
	"trading-agent/pkg/exchanges/common"
)

func bars(closes ...float64) []common.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]common.Bar, len(closes))
	for i, c := range closes {
		out[i] = common.Bar{Symbol: "BTCUSDT", Interval: "1m", OpenTime: t0.Add(time.Duration(i) * time.Minute), Close: c}
	}
	return out
}

func newRule(side Side) *MeanReversion {
	return &MeanReversion{Lookback: 6, EntryThreshold: -0.06, ExitThreshold: 0.04, MinConfidence: 0.7, Side: side}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		side        Side
		closes      []float64
		hasPosition bool
		want        Direction
		metric      float64
		confidence  float64
	}{
		{
			name:   "drop with agreeing moves enters long",
			side:   Long,
			closes: []float64{100, 97, 95, 96, 94, 92},
			want:   EnterLong, metric: -0.08, confidence: 0.8,
		},
		{
			name:   "drop with choppy moves holds",
			side:   Long,
			closes: []float64{100, 90, 95, 91, 96, 92},
			want:   Hold, metric: -0.08, confidence: 0.6,
		},
		{
			name:   "entry threshold is inclusive",
			side:   Long,
			closes: []float64{100, 98, 96, 94},
			want:   EnterLong, metric: -0.06, confidence: 1,
		},
		{
			name:        "rebound exits without confidence gate",
			side:        Long,
			closes:      []float64{100, 104, 101, 106, 102, 105},
			hasPosition: true,
			want:        Exit, metric: 0.05, confidence: 0.6,
		},
		{
			name:        "open position with drop holds",
			side:        Long,
			closes:      []float64{100, 97, 95, 96, 94, 92},
			hasPosition: true,
			want:        Hold, metric: -0.08, confidence: 0.8,
		},
		{
			name:   "short mirrors a rise",
			side:   Short,
			closes: []float64{100, 103, 105, 104, 106, 108},
			want:   EnterShort, metric: -0.08, confidence: 0.8,
		},
		{
			name:        "short exits on a fall",
			side:        Short,
			closes:      []float64{100, 98, 95},
			hasPosition: true,
			want:        Exit, metric: 0.05, confidence: 1,
		},
		{
			name:   "flat window",
			side:   Long,
			closes: []float64{100, 100, 100},
			want:   Hold, metric: 0, confidence: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := newRule(tt.side).Evaluate("BTCUSDT", bars(tt.closes...), tt.hasPosition)
			assert.Equal(t, tt.want, sig.Direction)
			assert.InDelta(t, tt.metric, sig.MetricValue, 1e-9)
			assert.InDelta(t, tt.confidence, sig.Confidence, 1e-9)
			assert.Equal(t, "BTCUSDT", sig.Symbol)
		})
	}
}

func TestEvaluateUsesLastLookbackBars(t *testing.T) {
	rule := newRule(Long)
	window := bars(500, 1, 100, 97, 95, 96, 94, 92)
	sig := rule.Evaluate("BTCUSDT", window, false)
	assert.Equal(t, EnterLong, sig.Direction)
	assert.InDelta(t, -0.08, sig.MetricValue, 1e-9)
}

func TestEvaluateShortWindowHolds(t *testing.T) {
	rule := newRule(Long)
	for _, w := range [][]common.Bar{nil, bars(100)} {
		sig := rule.Evaluate("BTCUSDT", w, false)
		assert.Equal(t, Hold, sig.Direction)
		assert.Zero(t, sig.Confidence)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rule := newRule(Long)
	window := bars(100, 97, 95, 96, 94, 92)
	first := rule.Evaluate("BTCUSDT", window, false)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, rule.Evaluate("BTCUSDT", window, false))
	}
}

func TestNewMeanReversionFromConfig(t *testing.T) {
	cfg := config.Default().Strategy
	cfg.Direction = "short"
	cfg.Lookback = 1
	rule := NewMeanReversion(cfg)
	assert.Equal(t, Short, rule.Side)
	assert.Equal(t, 2, rule.Lookback)
	assert.Equal(t, cfg.EntryThreshold, rule.EntryThreshold)
}
