package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that reduces exposure opened by s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Bar is one closed fixed-interval OHLCV aggregate.
type Bar struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// OrderRequest captures an order intent to be sent to an exchange.
// ClientID is the idempotency key.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // required for LIMIT
	ClientID   string
	ReduceOnly bool
}

// OrderResult is the exchange view of one order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Status          OrderStatus
	Qty             float64
	FilledQty       float64 // cumulative
	AvgPrice        float64
	UpdateTime      time.Time
}

// Position is an exchange-reported open position. Size is signed: negative is short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Balance is the margin account summary in the quote asset.
type Balance struct {
	Asset         string  `json:"asset"`
	Wallet        float64 `json:"wallet"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Equity is wallet balance plus open PnL.
func (b Balance) Equity() float64 {
	return b.Wallet + b.UnrealizedPnL
}
