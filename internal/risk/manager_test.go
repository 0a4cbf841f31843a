package risk

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
)

func testLimits() Limits {
	return Limits{
		MaxPositions:    2,
		PositionSize:    0.004,
		MaxPositionSize: 0.01,
		PositionSizePct: 0.1,
		MaxDailyLoss:    100,
		MaxDrawdown:     0.1,
	}
}

func newTestManager(t *testing.T, now time.Time) *Manager {
	t.Helper()
	m := NewManager(testLimits(), zerolog.Nop())
	m.now = func() time.Time { return now }
	m.st.Session = SessionOf(now)
	return m
}

func enter(id, symbol string, qty float64) ProposedTrade {
	return ProposedTrade{ClientOrderID: id, Symbol: symbol, Intent: state.IntentEnter, Side: state.Long, Qty: qty, Price: 30000}
}

func exit(id, symbol string, qty float64) ProposedTrade {
	return ProposedTrade{ClientOrderID: id, Symbol: symbol, Intent: state.IntentExit, Side: state.Long, Qty: qty, Price: 30000}
}

func empty() state.Snapshot {
	return state.Snapshot{Positions: map[string]state.Position{}}
}

func withPositions(ps ...state.Position) state.Snapshot {
	s := empty()
	for _, p := range ps {
		s.Positions[p.Symbol] = p
	}
	return s
}

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAuthorizeAllowsFirstEntry(t *testing.T) {
	m := newTestManager(t, day)
	dec := m.Authorize(enter("a", "BTCUSDT", 0.004), empty())
	assert.True(t, dec.Allowed)
	assert.NoError(t, dec.Err())
}

func TestAuthorizeReasons(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Manager)
		trade ProposedTrade
		snap  state.Snapshot
		want  Reason
	}{
		{
			name:  "max positions counts open positions",
			trade: enter("c", "SOLUSDT", 0.001),
			snap: withPositions(
				state.Position{Symbol: "BTCUSDT", Side: state.Long, Size: 0.004},
				state.Position{Symbol: "ETHUSDT", Side: state.Long, Size: 0.004},
			),
			want: ReasonMaxPositions,
		},
		{
			name:  "max size includes existing position",
			trade: enter("c", "BTCUSDT", 0.007),
			snap:  withPositions(state.Position{Symbol: "BTCUSDT", Side: state.Long, Size: 0.004}),
			want:  ReasonMaxSize,
		},
		{
			name:  "daily loss",
			setup: func(m *Manager) { m.st.DailyRealizedPnL = -100.5 },
			trade: enter("c", "BTCUSDT", 0.004),
			snap:  empty(),
			want:  ReasonDailyLoss,
		},
		{
			name:  "drawdown",
			setup: func(m *Manager) { m.st.CurrentDrawdown = 0.11 },
			trade: enter("c", "BTCUSDT", 0.004),
			snap:  empty(),
			want:  ReasonDrawdown,
		},
		{
			name:  "kill switch",
			setup: func(m *Manager) { m.TripKillSwitch("reconciliation blind") },
			trade: enter("c", "BTCUSDT", 0.004),
			snap:  empty(),
			want:  ReasonKillSwitch,
		},
		{
			name: "positions checked before kill switch",
			setup: func(m *Manager) {
				m.TripKillSwitch("manual")
			},
			trade: enter("c", "SOLUSDT", 0.001),
			snap: withPositions(
				state.Position{Symbol: "BTCUSDT", Side: state.Long, Size: 0.004},
				state.Position{Symbol: "ETHUSDT", Side: state.Long, Size: 0.004},
			),
			want: ReasonMaxPositions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, day)
			if tt.setup != nil {
				tt.setup(m)
			}
			before := m.State()
			dec := m.Authorize(tt.trade, tt.snap)
			assert.False(t, dec.Allowed)
			assert.Equal(t, tt.want, dec.Reason)

			var le *LimitError
			require.ErrorAs(t, dec.Err(), &le)
			assert.Equal(t, tt.want, le.Reason)

			assert.Equal(t, before, m.State(), "denial must not change state")
			_, recorded := m.ledger[tt.trade.ClientOrderID]
			assert.False(t, recorded)
		})
	}
}

func TestReservationsHoldSlotsUntilRelease(t *testing.T) {
	m := newTestManager(t, day)
	require.True(t, m.Authorize(enter("a", "BTCUSDT", 0.004), empty()).Allowed)
	require.True(t, m.Authorize(enter("b", "ETHUSDT", 0.004), empty()).Allowed)

	dec := m.Authorize(enter("c", "SOLUSDT", 0.004), empty())
	assert.Equal(t, ReasonMaxPositions, dec.Reason)

	m.Release("b")
	assert.True(t, m.Authorize(enter("c", "SOLUSDT", 0.004), empty()).Allowed)
}

func TestReservationsCountTowardsSize(t *testing.T) {
	m := newTestManager(t, day)
	require.True(t, m.Authorize(enter("a", "BTCUSDT", 0.006), empty()).Allowed)
	assert.Equal(t, ReasonMaxSize, m.Authorize(enter("b", "BTCUSDT", 0.006), empty()).Reason)

	// half filled: the filled part now lives in the snapshot
	m.ApplyFill("a", 0.003, 0)
	snap := withPositions(state.Position{Symbol: "BTCUSDT", Side: state.Long, Size: 0.003})
	assert.True(t, m.Authorize(enter("b", "BTCUSDT", 0.004), snap).Allowed)
}

func TestReserveRestoresSlotAndFillProgress(t *testing.T) {
	m := newTestManager(t, day)
	m.Reserve("a", "BTCUSDT", state.IntentEnter, 0.004, 0.001)
	m.Reserve("b", "ETHUSDT", state.IntentEnter, 0.004, 0)

	assert.Equal(t, ReasonMaxPositions, m.Authorize(enter("c", "SOLUSDT", 0.004), empty()).Reason)

	// the part filled before the restart is not booked twice
	assert.False(t, m.ApplyFill("a", 0.001, -5))
	assert.True(t, m.ApplyFill("a", 0.004, -5))
	assert.InDelta(t, -5, m.State().DailyRealizedPnL, 1e-9)

	// an existing entry wins over a later reservation
	m.Reserve("a", "BTCUSDT", state.IntentEnter, 0.004, 0)
	assert.False(t, m.ApplyFill("a", 0.004, -5))

	m.Release("b")
	assert.True(t, m.Authorize(enter("c", "SOLUSDT", 0.004), empty()).Allowed)
}

func TestExitAlwaysAllowed(t *testing.T) {
	m := newTestManager(t, day)
	m.st.DailyRealizedPnL = -500
	m.st.CurrentDrawdown = 0.5
	m.TripKillSwitch("test")
	snap := withPositions(
		state.Position{Symbol: "BTCUSDT", Side: state.Long, Size: 0.004},
		state.Position{Symbol: "ETHUSDT", Side: state.Long, Size: 0.004},
	)
	assert.True(t, m.Authorize(exit("x", "BTCUSDT", 0.004), snap).Allowed)
}

func TestDailyLossTripsKillSwitchAndDeniesEntry(t *testing.T) {
	m := newTestManager(t, day)
	var tripped []string
	m.OnKillSwitch(func(reason string) { tripped = append(tripped, reason) })

	assert.True(t, m.ApplyFill("loss-1", 0.004, -60))
	assert.False(t, m.State().KillSwitchActive)
	assert.True(t, m.ApplyFill("loss-2", 0.004, -40.5))

	st := m.State()
	assert.InDelta(t, -100.5, st.DailyRealizedPnL, 1e-9)
	assert.True(t, st.KillSwitchActive)
	require.Len(t, tripped, 1)

	dec := m.Authorize(enter("next", "BTCUSDT", 0.004), empty())
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDailyLoss, dec.Reason)

	assert.True(t, m.Authorize(exit("close", "ETHUSDT", 0.004), empty()).Allowed)
}

func TestApplyFillIsExactlyOncePerCumulativeQty(t *testing.T) {
	m := newTestManager(t, day)
	assert.True(t, m.ApplyFill("o", 0.002, -10))
	assert.False(t, m.ApplyFill("o", 0.002, -10), "replayed report")
	assert.False(t, m.ApplyFill("o", 0.001, -10), "stale report")
	assert.True(t, m.ApplyFill("o", 0.004, -5))
	assert.InDelta(t, -15.0, m.State().DailyRealizedPnL, 1e-9)
}

func TestUpdateEquityTracksDrawdown(t *testing.T) {
	m := newTestManager(t, day)
	m.UpdateEquity(1000)
	m.UpdateEquity(1100)
	m.UpdateEquity(1000)

	st := m.State()
	assert.Equal(t, 1100.0, st.PeakEquity)
	assert.InDelta(t, 100.0/1100.0, st.CurrentDrawdown, 1e-9)
	assert.False(t, st.KillSwitchActive)

	m.UpdateEquity(980)
	st = m.State()
	assert.True(t, st.KillSwitchActive)
	assert.Contains(t, st.KillReason, string(ReasonDrawdown))
	assert.Equal(t, ReasonDrawdown, m.Authorize(enter("e", "BTCUSDT", 0.004), empty()).Reason)
}

func TestKillSwitchIsOneWayWithinSession(t *testing.T) {
	m := newTestManager(t, day)
	m.TripKillSwitch("first")
	m.TripKillSwitch("second")
	m.UpdateEquity(10)
	assert.Equal(t, "first", m.State().KillReason)
	assert.False(t, m.Rollover(day.Add(time.Hour)))
	assert.True(t, m.State().KillSwitchActive)
}

func TestRolloverResetsSession(t *testing.T) {
	m := newTestManager(t, day)
	m.UpdateEquity(1000)
	m.ApplyFill("l", 1, -150)
	m.UpdateEquity(850)
	require.True(t, m.State().KillSwitchActive)

	next := day.Add(24 * time.Hour)
	assert.True(t, m.Rollover(next))
	st := m.State()
	assert.Equal(t, SessionOf(next), st.Session)
	assert.Zero(t, st.DailyRealizedPnL)
	assert.False(t, st.KillSwitchActive)
	assert.Equal(t, 850.0, st.PeakEquity)
	assert.Zero(t, st.CurrentDrawdown)
	assert.True(t, m.Authorize(enter("n", "BTCUSDT", 0.004), empty()).Allowed)
}

func TestRestoreOnlySameSession(t *testing.T) {
	m := newTestManager(t, day)
	saved := RiskState{Session: SessionOf(day), DailyRealizedPnL: -42, PeakEquity: 1000, KillSwitchActive: true, KillReason: "x"}
	assert.True(t, m.Restore(saved))
	assert.Equal(t, saved, m.State())

	other := newTestManager(t, day)
	saved.Session = SessionOf(day.Add(-24 * time.Hour))
	assert.False(t, other.Restore(saved))
	assert.False(t, other.State().KillSwitchActive)
}

func TestSize(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		price     float64
		available float64
		want      float64
	}{
		{"fixed size when balance allows", testLimits(), 30000, 10000, 0.004},
		{"pct of balance caps size", testLimits(), 30000, 600, 0.002},
		{"unknown balance keeps fixed size", testLimits(), 30000, 0, 0.004},
		{"max position size clamps", Limits{PositionSize: 0.05, MaxPositionSize: 0.01}, 30000, 0, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.limits, zerolog.Nop())
			assert.InDelta(t, tt.want, m.Size(tt.price, tt.available), 1e-12)
		})
	}
}

// Random authorize/fill/release sequences never exceed the position limits.
func TestLimitsHoldUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}

	for run := 0; run < 50; run++ {
		m := newTestManager(t, day)
		tr := state.NewPositionTracker(0.0001, zerolog.Nop())
		var live []ProposedTrade

		for step := 0; step < 60; step++ {
			switch rng.Intn(3) {
			case 0:
				sym := symbols[rng.Intn(len(symbols))]
				trade := enter(fmt.Sprintf("r%d-%d", run, step), sym, 0.001*float64(1+rng.Intn(8)))
				if m.Authorize(trade, tr.Snapshot()).Allowed {
					live = append(live, trade)
				}
			case 1:
				if len(live) == 0 {
					continue
				}
				i := rng.Intn(len(live))
				trade := live[i]
				live = append(live[:i], live[i+1:]...)
				tr.ApplyFill(state.Fill{ClientOrderID: trade.ClientOrderID, Symbol: trade.Symbol, Side: common.SideBuy, Qty: trade.Qty, Price: 100})
				m.ApplyFill(trade.ClientOrderID, trade.Qty, 0)
				m.Release(trade.ClientOrderID)
			case 2:
				snap := tr.Snapshot()
				for sym, p := range snap.Positions {
					tr.ApplyFill(state.Fill{ClientOrderID: "close-" + sym, Symbol: sym, Side: common.SideSell, Qty: p.Size, Price: 100})
					break
				}
			}

			snap := tr.Snapshot()
			require.LessOrEqual(t, snap.OpenCount(), m.limits.MaxPositions)
			for _, p := range snap.Positions {
				require.LessOrEqual(t, p.Size, m.limits.MaxPositionSize+1e-9)
			}
		}
	}
}
