package order

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
)

// State of an order in its lifecycle.
type State string

const (
	StatePending         State = "PENDING"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
	StateCancelled       State = "CANCELLED"
)

var rank = map[State]int{
	StatePending:         0,
	StateSubmitted:       1,
	StatePartiallyFilled: 2,
	StateFilled:          3,
	StateRejected:        3,
	StateExpired:         3,
	StateCancelled:       3,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return rank[s] == 3
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic.
func (s State) CanTransition(next State) bool {
	return !s.Terminal() && rank[next] > rank[s]
}

func fromExchange(st common.OrderStatus) (State, bool) {
	switch st {
	case common.StatusNew:
		return StateSubmitted, true
	case common.StatusPartial:
		return StatePartiallyFilled, true
	case common.StatusFilled:
		return StateFilled, true
	case common.StatusCanceled:
		return StateCancelled, true
	case common.StatusRejected:
		return StateRejected, true
	case common.StatusExpired:
		return StateExpired, true
	}
	return "", false
}

// Intent is a request to trade, produced by the coordinator after risk
// authorization.
type Intent struct {
	ClientOrderID string
	Symbol        string
	Side          common.Side
	Qty           float64
	Action        state.Intent
	ReduceOnly    bool
	Reason        string
}

// Order is owned by the executor until terminal.
type Order struct {
	OrderID       string           `json:"order_id,omitempty"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          common.Side      `json:"side"`
	Quantity      float64          `json:"quantity"`
	Type          common.OrderType `json:"type"`
	State         State            `json:"state"`
	RetryCount    int              `json:"retry_count"`
	FilledQty     float64          `json:"filled_qty"`
	AvgPrice      float64          `json:"avg_price"`
	Action        state.Intent     `json:"intent"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	LastUpdate    time.Time        `json:"last_update"`
}

// RemainingQty returns the unfilled quantity.
func (o Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// Event is emitted on every state change or fill progress.
type Event struct {
	Order Order       `json:"order"`
	Prev  State       `json:"prev"`
	Fill  *state.Fill `json:"fill,omitempty"`
}

// NewClientOrderID returns a fresh idempotency key within the venue's
// 36-character limit.
func NewClientOrderID() string {
	return "ta" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
