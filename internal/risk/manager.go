// Package risk authorizes trades against position, size, loss and drawdown
// limits and owns the session kill switch.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/internal/state"
)

const sizeEpsilon = 1e-9

type authorization struct {
	symbol   string
	intent   state.Intent
	qty      float64
	cumQty   float64 // highest cumulative fill applied
	released bool
}

// Manager holds the session RiskState. Writes are expected from the
// coordinator goroutine; State may be read concurrently.
type Manager struct {
	mu     sync.RWMutex
	limits Limits
	st     RiskState
	ledger map[string]*authorization
	onKill func(reason string)
	now    func() time.Time
	log    zerolog.Logger
}

// NewManager starts a fresh session at the current UTC day.
func NewManager(limits Limits, log zerolog.Logger) *Manager {
	m := &Manager{
		limits: limits,
		ledger: make(map[string]*authorization),
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "risk").Logger(),
	}
	m.st.Session = SessionOf(m.now())
	return m
}

// OnKillSwitch registers a callback run (outside the lock) whenever the
// kill switch trips.
func (m *Manager) OnKillSwitch(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onKill = fn
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Authorize checks trade against the state it would produce. Checks run in
// the order MAX_POSITIONS, MAX_SIZE, DAILY_LOSS, DRAWDOWN, KILL_SWITCH and
// the first failure is reported. EXIT is always allowed. A denial has no
// side effects; an allowed ENTER reserves its slot and size until Release.
func (m *Manager) Authorize(trade ProposedTrade, snap state.Snapshot) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trade.Intent == state.IntentExit {
		m.ledger[trade.ClientOrderID] = &authorization{symbol: trade.Symbol, intent: trade.Intent, qty: trade.Qty}
		return Decision{Allowed: true}
	}

	dec := m.checkEntry(trade, snap)
	if !dec.Allowed {
		m.log.Info().Str("symbol", trade.Symbol).Str("client_order_id", trade.ClientOrderID).
			Str("reason", string(dec.Reason)).Str("detail", dec.Detail).Msg("entry denied")
		return dec
	}
	m.ledger[trade.ClientOrderID] = &authorization{symbol: trade.Symbol, intent: trade.Intent, qty: trade.Qty}
	return dec
}

func (m *Manager) checkEntry(trade ProposedTrade, snap state.Snapshot) Decision {
	open := make(map[string]bool, len(snap.Positions))
	for sym := range snap.Positions {
		open[sym] = true
	}
	reservedQty := 0.0
	for _, a := range m.ledger {
		if a.released || a.intent != state.IntentEnter {
			continue
		}
		open[a.symbol] = true
		if a.symbol == trade.Symbol {
			// the filled part already shows in the snapshot
			reservedQty += math.Max(a.qty-a.cumQty, 0)
		}
	}
	open[trade.Symbol] = true

	if m.limits.MaxPositions > 0 && len(open) > m.limits.MaxPositions {
		return Decision{Reason: ReasonMaxPositions, Detail: fmt.Sprintf("%d > %d", len(open), m.limits.MaxPositions)}
	}

	size := trade.Qty + reservedQty
	if p, ok := snap.Get(trade.Symbol); ok {
		if p.Side == trade.Side {
			size += p.Size
		} else {
			size = math.Abs(size - p.Size)
		}
	}
	if m.limits.MaxPositionSize > 0 && size > m.limits.MaxPositionSize+sizeEpsilon {
		return Decision{Reason: ReasonMaxSize, Detail: fmt.Sprintf("%.8g > %.8g", size, m.limits.MaxPositionSize)}
	}

	if m.limits.MaxDailyLoss > 0 && m.st.DailyRealizedPnL < -m.limits.MaxDailyLoss {
		return Decision{Reason: ReasonDailyLoss, Detail: fmt.Sprintf("%.2f < -%.2f", m.st.DailyRealizedPnL, m.limits.MaxDailyLoss)}
	}
	if m.limits.MaxDrawdown > 0 && m.st.CurrentDrawdown > m.limits.MaxDrawdown {
		return Decision{Reason: ReasonDrawdown, Detail: fmt.Sprintf("%.4f > %.4f", m.st.CurrentDrawdown, m.limits.MaxDrawdown)}
	}
	if m.st.KillSwitchActive {
		return Decision{Reason: ReasonKillSwitch, Detail: m.st.KillReason}
	}
	return Decision{Allowed: true}
}

// Release drops the reservation of an order that reached a terminal state.
func (m *Manager) Release(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.ledger[clientOrderID]; ok {
		a.released = true
	}
}

// Reserve records an order authorized before a restart so it keeps its
// slot and remaining size until Release. cumQty is the fill already
// accounted for; only fills beyond it are booked. An existing entry is kept.
func (m *Manager) Reserve(clientOrderID, symbol string, intent state.Intent, qty, cumQty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledger[clientOrderID]; ok {
		return
	}
	m.ledger[clientOrderID] = &authorization{symbol: symbol, intent: intent, qty: qty, cumQty: cumQty}
}

// ApplyFill books realizedPnL for clientOrderID once per cumulative
// quantity: a report at or below the last applied cumulative quantity is a
// replay and is ignored. It reports whether the fill was applied.
func (m *Manager) ApplyFill(clientOrderID string, cumulativeQty, realizedPnL float64) bool {
	m.mu.Lock()
	a, ok := m.ledger[clientOrderID]
	if !ok {
		a = &authorization{intent: state.IntentExit}
		m.ledger[clientOrderID] = a
	}
	if cumulativeQty <= a.cumQty+sizeEpsilon {
		m.mu.Unlock()
		return false
	}
	a.cumQty = cumulativeQty
	m.st.DailyRealizedPnL += realizedPnL
	m.st.UpdatedAt = m.now()

	var reason string
	if m.limits.MaxDailyLoss > 0 && m.st.DailyRealizedPnL < -m.limits.MaxDailyLoss {
		reason = fmt.Sprintf("%s: daily realized pnl %.2f below -%.2f", ReasonDailyLoss, m.st.DailyRealizedPnL, m.limits.MaxDailyLoss)
	}
	fire := m.tripLocked(reason)
	m.mu.Unlock()
	fire()
	return true
}

// UpdateEquity records the latest account equity and refreshes the peak and
// the drawdown fraction.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	m.st.LastEquity = equity
	if equity > m.st.PeakEquity {
		m.st.PeakEquity = equity
	}
	if m.st.PeakEquity > 0 {
		m.st.CurrentDrawdown = math.Max(0, (m.st.PeakEquity-equity)/m.st.PeakEquity)
	}
	m.st.UpdatedAt = m.now()

	var reason string
	if m.limits.MaxDrawdown > 0 && m.st.CurrentDrawdown > m.limits.MaxDrawdown {
		reason = fmt.Sprintf("%s: drawdown %.4f above %.4f", ReasonDrawdown, m.st.CurrentDrawdown, m.limits.MaxDrawdown)
	}
	fire := m.tripLocked(reason)
	m.mu.Unlock()
	fire()
}

// TripKillSwitch blocks new entries for the rest of the session.
func (m *Manager) TripKillSwitch(reason string) {
	m.mu.Lock()
	fire := m.tripLocked(reason)
	m.mu.Unlock()
	fire()
}

// tripLocked activates the kill switch if reason is set and it is not yet
// active. The returned func runs the callback and must be called unlocked.
func (m *Manager) tripLocked(reason string) func() {
	if reason == "" || m.st.KillSwitchActive {
		return func() {}
	}
	m.st.KillSwitchActive = true
	m.st.KillReason = reason
	m.log.Error().Str("reason", reason).Str("session", m.st.Session).Msg("kill switch tripped")
	cb := m.onKill
	return func() {
		if cb != nil {
			cb(reason)
		}
	}
}

// SetOpenPositions mirrors the tracker's open position count into the state.
func (m *Manager) SetOpenPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.OpenPositionCount = n
}

// Rollover starts a new session when now falls on a later UTC day: daily
// PnL resets, the kill switch clears and the peak re-anchors to the last
// equity. It reports whether a rollover happened.
func (m *Manager) Rollover(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := SessionOf(now)
	if session <= m.st.Session {
		return false
	}
	prev := m.st.Session
	m.st.Session = session
	m.st.DailyRealizedPnL = 0
	m.st.KillSwitchActive = false
	m.st.KillReason = ""
	m.st.PeakEquity = m.st.LastEquity
	m.st.CurrentDrawdown = 0
	m.st.UpdatedAt = now.UTC()
	for id, a := range m.ledger {
		if a.released {
			delete(m.ledger, id)
		}
	}
	m.log.Info().Str("from", prev).Str("to", session).Msg("risk session rolled over")
	return true
}

// State returns a copy of the session record.
func (m *Manager) State() RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// Restore loads a persisted record. Records from another session are
// ignored so a new day starts clean.
func (m *Manager) Restore(st RiskState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Session != m.st.Session {
		return false
	}
	m.st = st
	return true
}

// Size returns the entry quantity: the fixed position size, reduced to
// PositionSizePct of available balance when balance and price are known,
// then capped at MaxPositionSize.
func (m *Manager) Size(price, available float64) float64 {
	qty := m.limits.PositionSize
	if m.limits.PositionSizePct > 0 && available > 0 && price > 0 {
		qty = math.Min(qty, available*m.limits.PositionSizePct/price)
	}
	if m.limits.MaxPositionSize > 0 {
		qty = math.Min(qty, m.limits.MaxPositionSize)
	}
	return math.Max(qty, 0)
}
