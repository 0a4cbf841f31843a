// Package store persists the state needed to resume after a restart: the
// session risk record, the position snapshot, orders, trades and orders
// orphaned by a shutdown.
package store

import (
	"context"
	"time"

	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
)

const (
	DefaultPrefix = "trading_agent:"

	sessionTTL = 48 * time.Hour
	orderTTL   = 7 * 24 * time.Hour
	tradeKeep  = 30 * 24 * time.Hour
)

// Store is implemented by Redis and by an in-memory map.
type Store interface {
	SaveRiskState(ctx context.Context, st risk.RiskState) error
	LoadRiskState(ctx context.Context, session string) (risk.RiskState, bool, error)

	SavePositions(ctx context.Context, session string, snap state.Snapshot) error
	LoadPositions(ctx context.Context, session string) (state.Snapshot, bool, error)

	SaveOrder(ctx context.Context, o order.Order) error
	LoadOrder(ctx context.Context, clientOrderID string) (order.Order, bool, error)

	// RecordTrade appends a fill and drops trades older than the retention.
	RecordTrade(ctx context.Context, f state.Fill) error
	Trades(ctx context.Context, since time.Time) ([]state.Fill, error)

	// AddOrphans saves the orders and marks them for resolution at the next start.
	AddOrphans(ctx context.Context, orders []order.Order) error
	Orphans(ctx context.Context) ([]order.Order, error)
	ClearOrphan(ctx context.Context, clientOrderID string) error

	Close() error
}
