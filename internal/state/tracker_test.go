package state

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-agent/pkg/exchanges/common"
)

func newTracker() *PositionTracker {
	return NewPositionTracker(0.0001, zerolog.Nop())
}

func fill(side common.Side, qty, price float64) Fill {
	return Fill{ClientOrderID: "cid", Symbol: "BTCUSDT", Side: side, Qty: qty, Price: price}
}

func TestApplyFill(t *testing.T) {
	tests := []struct {
		name         string
		fills        []Fill
		wantRealized float64
		wantOpen     bool
		wantSide     Side
		wantSize     float64
		wantEntry    float64
		wantHistory  int
	}{
		{
			name:      "adding averages entry",
			fills:     []Fill{fill(common.SideBuy, 1, 100), fill(common.SideBuy, 3, 120)},
			wantOpen:  true,
			wantSide:  Long,
			wantSize:  4,
			wantEntry: 115,
		},
		{
			name:         "partial reduce realizes proportionally",
			fills:        []Fill{fill(common.SideBuy, 2, 100), fill(common.SideSell, 1, 110)},
			wantRealized: 10,
			wantOpen:     true,
			wantSide:     Long,
			wantSize:     1,
			wantEntry:    100,
		},
		{
			name:         "full close moves to history",
			fills:        []Fill{fill(common.SideSell, 2, 100), fill(common.SideBuy, 2, 90)},
			wantRealized: 20,
			wantHistory:  1,
		},
		{
			name:         "flip opens remainder at fill price",
			fills:        []Fill{fill(common.SideBuy, 1, 100), fill(common.SideSell, 3, 95)},
			wantRealized: -5,
			wantOpen:     true,
			wantSide:     Short,
			wantSize:     2,
			wantEntry:    95,
			wantHistory:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker()
			var realized float64
			for _, f := range tt.fills {
				realized += tr.ApplyFill(f)
			}
			assert.InDelta(t, tt.wantRealized, realized, 1e-9)

			p, ok := tr.Snapshot().Get("BTCUSDT")
			require.Equal(t, tt.wantOpen, ok)
			if ok {
				assert.Equal(t, tt.wantSide, p.Side)
				assert.InDelta(t, tt.wantSize, p.Size, 1e-9)
				assert.InDelta(t, tt.wantEntry, p.EntryPrice, 1e-9)
			}
			assert.Len(t, tr.History(), tt.wantHistory)
		})
	}
}

func TestHistoryKeepsRealizedPnL(t *testing.T) {
	tr := newTracker()
	tr.ApplyFill(fill(common.SideBuy, 1, 100))
	tr.ApplyFill(fill(common.SideSell, 0.5, 110))
	tr.ApplyFill(fill(common.SideSell, 0.5, 120))

	hist := tr.History()
	require.Len(t, hist, 1)
	assert.InDelta(t, 15.0, hist[0].RealizedPnL, 1e-9)
	assert.Zero(t, hist[0].Size)
	assert.False(t, hist[0].ClosedAt.IsZero())
}

func TestReconciliationAdoptsWithoutTouchingPnL(t *testing.T) {
	tr := newTracker()
	tr.ApplyFill(fill(common.SideBuy, 1, 100))
	realized := tr.ApplyFill(fill(common.SideSell, 1, 105))
	require.InDelta(t, 5.0, realized, 1e-9)

	diffs := tr.ApplyReconciliation([]common.Position{{Symbol: "ETHUSDT", Size: -2, EntryPrice: 2000}})
	require.Len(t, diffs, 1)
	assert.Equal(t, Adopted, diffs[0].Kind)

	p, ok := tr.Snapshot().Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, Short, p.Side)
	assert.Equal(t, 2.0, p.Size)
	assert.Zero(t, p.RealizedPnL)
	assert.InDelta(t, 5.0, tr.History()[0].RealizedPnL, 1e-9)
}

func TestReconciliationCorrections(t *testing.T) {
	tr := newTracker()
	tr.ApplyFill(Fill{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 1, Price: 100})
	tr.ApplyFill(Fill{Symbol: "ETHUSDT", Side: common.SideBuy, Qty: 2, Price: 2000})
	tr.ApplyFill(Fill{Symbol: "SOLUSDT", Side: common.SideBuy, Qty: 3, Price: 50})

	exchange := []common.Position{
		{Symbol: "BTCUSDT", Size: 1.00000001, EntryPrice: 100.001},
		{Symbol: "ETHUSDT", Size: 1.5, EntryPrice: 2000},
		{Symbol: "XRPUSDT", Size: 0},
	}
	diffs := tr.ApplyReconciliation(exchange)
	require.Len(t, diffs, 2)
	assert.Equal(t, "ETHUSDT", diffs[0].Symbol)
	assert.Equal(t, Mismatch, diffs[0].Kind)
	assert.Equal(t, 2.0, diffs[0].LocalSize)
	assert.Equal(t, 1.5, diffs[0].ExchangeSize)
	assert.Equal(t, "SOLUSDT", diffs[1].Symbol)
	assert.Equal(t, MissingOnExchange, diffs[1].Kind)

	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.OpenCount())
	assert.Equal(t, 1.5, snap.Positions["ETHUSDT"].Size)
	assert.Equal(t, 1.0, snap.Positions["BTCUSDT"].Size, "within tolerance keeps the local view")

	hist := tr.History()
	require.Len(t, hist, 1)
	assert.Zero(t, hist[0].RealizedPnL)
	assert.Equal(t, string(MissingOnExchange), hist[0].CloseReason)
}

func TestReconciliationIsIdempotent(t *testing.T) {
	tr := newTracker()
	tr.ApplyFill(Fill{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 1, Price: 100})
	exchange := []common.Position{
		{Symbol: "BTCUSDT", Size: -0.5, EntryPrice: 101},
		{Symbol: "ETHUSDT", Size: 2, EntryPrice: 2000},
	}

	first := tr.ApplyReconciliation(exchange)
	assert.Len(t, first, 2)
	after := tr.Snapshot()

	second := tr.ApplyReconciliation(exchange)
	assert.Empty(t, second)
	assert.Equal(t, after.Positions, tr.Snapshot().Positions)
	assert.Empty(t, tr.History())
}

func TestMarkPricesAndRestore(t *testing.T) {
	tr := newTracker()
	tr.ApplyFill(Fill{Symbol: "BTCUSDT", Side: common.SideSell, Qty: 2, Price: 100})
	tr.MarkPrices(map[string]float64{"BTCUSDT": 90, "ETHUSDT": 10})

	snap := tr.Snapshot()
	assert.InDelta(t, 20.0, snap.Positions["BTCUSDT"].UnrealizedPnL, 1e-9)

	other := newTracker()
	other.Restore(snap)
	assert.Equal(t, snap.Positions, other.Snapshot().Positions)
}

func TestZeroQtyFillIsIgnored(t *testing.T) {
	tr := newTracker()
	assert.Zero(t, tr.ApplyFill(fill(common.SideBuy, 0, 100)))
	assert.Zero(t, tr.Snapshot().OpenCount())
}
