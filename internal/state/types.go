package state

import (
	"time"

	"trading-agent/pkg/exchanges/common"
)

// Side of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Intent tells whether an order opens or closes exposure.
type Intent string

const (
	IntentEnter Intent = "ENTER"
	IntentExit  Intent = "EXIT"
)

// Position is owned by the tracker and changes only through fills or
// reconciliation. Size is always positive; Side carries the direction.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	OpenedAt      time.Time `json:"opened_at"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
	CloseReason   string    `json:"close_reason,omitempty"`
}

// Signed returns the size with shorts negative.
func (p Position) Signed() float64 {
	if p.Side == Short {
		return -p.Size
	}
	return p.Size
}

// Fill is one execution delta reported by the order executor.
type Fill struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          common.Side `json:"side"`
	Qty           float64     `json:"qty"`
	Price         float64     `json:"price"`
	CumulativeQty float64     `json:"cumulative_qty"`
	Time          time.Time   `json:"time"`
}

// Snapshot is a point-in-time copy of the open positions.
type Snapshot struct {
	Positions map[string]Position `json:"positions"`
	TakenAt   time.Time           `json:"taken_at"`
}

// OpenCount returns the number of open positions.
func (s Snapshot) OpenCount() int {
	return len(s.Positions)
}

// Get returns the open position of symbol, if any.
func (s Snapshot) Get(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// DiscrepancyKind classifies a reconciliation correction.
type DiscrepancyKind string

const (
	MissingOnExchange DiscrepancyKind = "MISSING_ON_EXCHANGE"
	Adopted           DiscrepancyKind = "ADOPTED"
	Mismatch          DiscrepancyKind = "MISMATCH"
)

// Discrepancy records one local/exchange difference and how it was resolved.
// Sizes are signed.
type Discrepancy struct {
	Symbol        string          `json:"symbol"`
	Kind          DiscrepancyKind `json:"kind"`
	LocalSize     float64         `json:"local_size"`
	ExchangeSize  float64         `json:"exchange_size"`
	LocalEntry    float64         `json:"local_entry"`
	ExchangeEntry float64         `json:"exchange_entry"`
	DetectedAt    time.Time       `json:"detected_at"`
}
