// Package state tracks open positions and realized PnL from fills, and
// corrects them from exchange snapshots.
package state

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/pkg/exchanges/common"
)

const (
	sizeEpsilon    = 1e-12
	defaultHistory = 500
)

// PositionTracker keeps an in-memory view of positions. Mutations are
// expected from a single owner; reads may come from any goroutine.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
	history   []Position
	maxHist   int
	tolerance float64
	now       func() time.Time
	log       zerolog.Logger
}

// NewPositionTracker creates a tracker. tolerance bounds the size and
// relative entry-price difference reconciliation accepts as equal.
func NewPositionTracker(tolerance float64, log zerolog.Logger) *PositionTracker {
	return &PositionTracker{
		positions: make(map[string]*Position),
		maxHist:   defaultHistory,
		tolerance: tolerance,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "position_tracker").Logger(),
	}
}

// ApplyFill folds a fill delta into the position of its symbol and returns
// the PnL it realized.
func (t *PositionTracker) ApplyFill(f Fill) float64 {
	if f.Qty <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	at := f.Time
	if at.IsZero() {
		at = t.now()
	}
	side := Long
	if f.Side == common.SideSell {
		side = Short
	}

	p := t.positions[f.Symbol]
	if p == nil {
		t.positions[f.Symbol] = &Position{Symbol: f.Symbol, Side: side, Size: f.Qty, EntryPrice: f.Price, OpenedAt: at}
		return 0
	}

	if p.Side == side {
		total := p.Size + f.Qty
		p.EntryPrice = (p.EntryPrice*p.Size + f.Price*f.Qty) / total
		p.Size = total
		return 0
	}

	closing := math.Min(f.Qty, p.Size)
	realized := (f.Price - p.EntryPrice) * closing
	if p.Side == Short {
		realized = -realized
	}
	p.RealizedPnL += realized
	p.Size -= closing
	remainder := f.Qty - closing

	if p.Size <= sizeEpsilon {
		t.closeLocked(f.Symbol, at, "filled")
		if remainder > sizeEpsilon {
			t.positions[f.Symbol] = &Position{Symbol: f.Symbol, Side: side, Size: remainder, EntryPrice: f.Price, OpenedAt: at}
		}
	}
	t.log.Debug().Str("symbol", f.Symbol).Str("client_order_id", f.ClientOrderID).Float64("realized", realized).Msg("fill reduced position")
	return realized
}

func (t *PositionTracker) closeLocked(symbol string, at time.Time, reason string) {
	p := t.positions[symbol]
	if p == nil {
		return
	}
	closed := *p
	closed.Size = 0
	closed.UnrealizedPnL = 0
	closed.ClosedAt = at
	closed.CloseReason = reason
	delete(t.positions, symbol)

	t.history = append(t.history, closed)
	if len(t.history) > t.maxHist {
		t.history = append([]Position(nil), t.history[len(t.history)-t.maxHist:]...)
	}
}

// ApplyReconciliation makes local positions match the exchange and returns
// what it changed. Realized PnL is never touched here, and applying the
// same exchange view twice changes nothing the second time.
func (t *PositionTracker) ApplyReconciliation(exchange []common.Position) []Discrepancy {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	remote := make(map[string]common.Position, len(exchange))
	for _, p := range exchange {
		if math.Abs(p.Size) <= sizeEpsilon {
			continue
		}
		remote[p.Symbol] = p
	}

	var diffs []Discrepancy
	for sym, local := range t.positions {
		if _, ok := remote[sym]; ok {
			continue
		}
		diffs = append(diffs, Discrepancy{
			Symbol: sym, Kind: MissingOnExchange,
			LocalSize: local.Signed(), LocalEntry: local.EntryPrice, DetectedAt: now,
		})
		t.closeLocked(sym, now, string(MissingOnExchange))
	}

	for sym, r := range remote {
		side, size := Long, r.Size
		if r.Size < 0 {
			side, size = Short, -r.Size
		}
		local := t.positions[sym]
		if local == nil {
			diffs = append(diffs, Discrepancy{
				Symbol: sym, Kind: Adopted,
				ExchangeSize: r.Size, ExchangeEntry: r.EntryPrice, DetectedAt: now,
			})
			t.positions[sym] = &Position{
				Symbol: sym, Side: side, Size: size, EntryPrice: r.EntryPrice, OpenedAt: now,
				MarkPrice: r.MarkPrice, UnrealizedPnL: r.UnrealizedPnL,
			}
			continue
		}
		if local.Side == side && t.within(local.Size, size) && t.entryMatches(local.EntryPrice, r.EntryPrice) {
			continue
		}
		diffs = append(diffs, Discrepancy{
			Symbol: sym, Kind: Mismatch,
			LocalSize: local.Signed(), LocalEntry: local.EntryPrice,
			ExchangeSize: r.Size, ExchangeEntry: r.EntryPrice, DetectedAt: now,
		})
		if local.Side != side {
			local.OpenedAt = now
		}
		local.Side = side
		local.Size = size
		local.EntryPrice = r.EntryPrice
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Symbol < diffs[j].Symbol })
	for _, d := range diffs {
		t.log.Warn().Str("symbol", d.Symbol).Str("kind", string(d.Kind)).
			Float64("local_size", d.LocalSize).Float64("exchange_size", d.ExchangeSize).
			Msg("position corrected from exchange")
	}
	return diffs
}

func (t *PositionTracker) within(a, b float64) bool {
	return math.Abs(a-b) <= t.tolerance+sizeEpsilon
}

func (t *PositionTracker) entryMatches(local, remote float64) bool {
	if remote <= 0 {
		return true
	}
	return math.Abs(local-remote)/remote <= t.tolerance+sizeEpsilon
}

// MarkPrices refreshes unrealized PnL from the given prices.
func (t *PositionTracker) MarkPrices(prices map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, px := range prices {
		p := t.positions[sym]
		if p == nil || px <= 0 {
			continue
		}
		p.MarkPrice = px
		p.UnrealizedPnL = (px - p.EntryPrice) * p.Signed()
	}
}

// Snapshot copies the open positions.
func (t *PositionTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Snapshot{Positions: make(map[string]Position, len(t.positions)), TakenAt: t.now()}
	for sym, p := range t.positions {
		out.Positions[sym] = *p
	}
	return out
}

// History returns closed positions, oldest first.
func (t *PositionTracker) History() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, len(t.history))
	copy(out, t.history)
	return out
}

// Restore replaces the open positions with a persisted snapshot.
func (t *PositionTracker) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]*Position, len(s.Positions))
	for sym, p := range s.Positions {
		p := p
		if p.Symbol == "" {
			p.Symbol = sym
		}
		t.positions[sym] = &p
	}
}
