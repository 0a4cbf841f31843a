package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "", zerolog.Nop()), mr
}

func stores(t *testing.T) map[string]Store {
	r, _ := newTestRedis(t)
	return map[string]Store{"redis": r, "memory": NewMemory()}
}

func TestRoundTrips(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			st := risk.RiskState{Session: "2026-10-18", DailyRealizedPnL: -12.5, PeakEquity: 1000, KillSwitchActive: true, KillReason: "DRAWDOWN"}
			require.NoError(t, s.SaveRiskState(ctx, st))
			got, ok, err := s.LoadRiskState(ctx, "2026-10-18")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, st.DailyRealizedPnL, got.DailyRealizedPnL)
			assert.True(t, got.KillSwitchActive)

			_, ok, err = s.LoadRiskState(ctx, "2026-10-17")
			require.NoError(t, err)
			assert.False(t, ok)

			snap := state.Snapshot{Positions: map[string]state.Position{
				"BTCUSDT": {Symbol: "BTCUSDT", Side: state.Short, Size: 0.5, EntryPrice: 30000},
			}}
			require.NoError(t, s.SavePositions(ctx, "2026-10-18", snap))
			loaded, ok, err := s.LoadPositions(ctx, "2026-10-18")
			require.NoError(t, err)
			require.True(t, ok)
			p, found := loaded.Get("BTCUSDT")
			require.True(t, found)
			assert.Equal(t, -0.5, p.Signed())

			empty, ok, err := s.LoadPositions(ctx, "2026-01-01")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.NotNil(t, empty.Positions)

			o := order.Order{ClientOrderID: "ta1", Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, State: order.StateSubmitted}
			require.NoError(t, s.SaveOrder(ctx, o))
			lo, ok, err := s.LoadOrder(ctx, "ta1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, order.StateSubmitted, lo.State)
		})
	}
}

func TestOrphansLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			orphans := []order.Order{
				{ClientOrderID: "b", Symbol: "ETHUSDT", State: order.StatePartiallyFilled, CreatedAt: now},
				{ClientOrderID: "a", Symbol: "BTCUSDT", State: order.StateSubmitted, CreatedAt: now.Add(-time.Minute)},
			}
			require.NoError(t, s.AddOrphans(ctx, orphans))

			got, err := s.Orphans(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ClientOrderID)

			require.NoError(t, s.ClearOrphan(ctx, "a"))
			got, err = s.Orphans(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "b", got[0].ClientOrderID)

			// the order record outlives the orphan mark
			_, ok, err := s.LoadOrder(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestTradesSinceAndRetention(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			old := state.Fill{ClientOrderID: "old", Symbol: "BTCUSDT", Qty: 1, Price: 1, Time: now.Add(-31 * 24 * time.Hour)}
			recent := state.Fill{ClientOrderID: "new", Symbol: "BTCUSDT", Qty: 2, Price: 2, Time: now.Add(-time.Hour)}
			require.NoError(t, s.RecordTrade(ctx, old))
			require.NoError(t, s.RecordTrade(ctx, recent))

			all, err := s.Trades(ctx, time.Time{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "new", all[0].ClientOrderID)

			none, err := s.Trades(ctx, now)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestRedisKeysAndTTLs(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SaveRiskState(ctx, risk.RiskState{Session: "2026-10-18"}))
	require.NoError(t, r.SaveOrder(ctx, order.Order{ClientOrderID: "ta9"}))
	require.NoError(t, r.AddOrphans(ctx, []order.Order{{ClientOrderID: "ta9"}}))

	assert.True(t, mr.Exists("trading_agent:risk:2026-10-18"))
	assert.Equal(t, 48*time.Hour, mr.TTL("trading_agent:risk:2026-10-18"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("trading_agent:orders:ta9"))
	ok, err := mr.SIsMember("trading_agent:orphans", "ta9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDropsExpiredOrphanMarks(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, r.AddOrphans(ctx, []order.Order{{ClientOrderID: "gone"}}))
	mr.Del("trading_agent:orders:gone")

	got, err := r.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	ok, _ := mr.SIsMember("trading_agent:orphans", "gone")
	assert.False(t, ok)
}

func TestOpenRedisFailsOnBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not a url", "", zerolog.Nop())
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	r, err := OpenRedis(context.Background(), "redis://"+mr.Addr(), "custom:", zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.SaveOrder(context.Background(), order.Order{ClientOrderID: "x"}))
	assert.True(t, mr.Exists("custom:orders:x"))
}
