package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
)

// Memory is a process-local Store. Nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	risk      map[string]risk.RiskState
	positions map[string]state.Snapshot
	orders    map[string]order.Order
	trades    []state.Fill
	orphans   map[string]struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		risk:      make(map[string]risk.RiskState),
		positions: make(map[string]state.Snapshot),
		orders:    make(map[string]order.Order),
		orphans:   make(map[string]struct{}),
	}
}

func (m *Memory) SaveRiskState(_ context.Context, st risk.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.risk[st.Session] = st
	return nil
}

func (m *Memory) LoadRiskState(_ context.Context, session string) (risk.RiskState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.risk[session]
	return st, ok, nil
}

func (m *Memory) SavePositions(_ context.Context, session string, snap state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := state.Snapshot{Positions: make(map[string]state.Position, len(snap.Positions)), TakenAt: snap.TakenAt}
	for k, v := range snap.Positions {
		cp.Positions[k] = v
	}
	m.positions[session] = cp
	return nil
}

func (m *Memory) LoadPositions(_ context.Context, session string) (state.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.positions[session]
	if !ok {
		return state.Snapshot{Positions: map[string]state.Position{}}, false, nil
	}
	return snap, true, nil
}

func (m *Memory) SaveOrder(_ context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ClientOrderID] = o
	return nil
}

func (m *Memory) LoadOrder(_ context.Context, clientOrderID string) (order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	return o, ok, nil
}

func (m *Memory) RecordTrade(_ context.Context, f state.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, f)
	cutoff := time.Now().Add(-tradeKeep)
	kept := m.trades[:0]
	for _, t := range m.trades {
		if !t.Time.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.trades = kept
	return nil
}

func (m *Memory) Trades(_ context.Context, since time.Time) ([]state.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Fill
	for _, t := range m.trades {
		if !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (m *Memory) AddOrphans(_ context.Context, orders []order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		m.orders[o.ClientOrderID] = o
		m.orphans[o.ClientOrderID] = struct{}{}
	}
	return nil
}

func (m *Memory) Orphans(_ context.Context) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for id := range m.orphans {
		if o, ok := m.orders[id]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClearOrphan(_ context.Context, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orphans, clientOrderID)
	return nil
}

func (m *Memory) Close() error { return nil }
