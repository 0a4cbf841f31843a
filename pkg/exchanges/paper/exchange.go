// Package paper is an in-process simulated derivatives venue. It backs the
// paper-trading venue and the integration tests of the executor and engine.
package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"trading-agent/pkg/exchanges/common"
)

type position struct {
	size  float64 // signed
	entry float64
}

// Exchange simulates market-order fills at the last known price, with
// leverage-based margin checks and per-client-id idempotency.
type Exchange struct {
	mu        sync.Mutex
	wallet    float64
	leverage  float64
	feeRate   float64
	positions map[string]*position
	orders    map[string]common.OrderResult
	sides     map[string]common.Side
	prices    map[string]float64
	bars      map[string][]common.Bar
	nextID    int64
	autoFill  bool

	failures []error // injected into upcoming calls, FIFO
	dropAcks int     // orders placed but answered with a network error
	calls    map[string]int
}

var _ common.Gateway = (*Exchange)(nil)

// New creates a venue holding balance in USDT at 10x leverage.
func New(balance float64) *Exchange {
	return &Exchange{
		wallet:    balance,
		leverage:  10,
		positions: make(map[string]*position),
		orders:    make(map[string]common.OrderResult),
		sides:     make(map[string]common.Side),
		prices:    make(map[string]float64),
		bars:      make(map[string][]common.Bar),
		autoFill:  true,
		calls:     make(map[string]int),
	}
}

// SetFeeRate sets the taker fee charged on each fill (0.0004 = 4 bps).
func (e *Exchange) SetFeeRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeRate = rate
}

// SetAutoFill toggles immediate market fills. When off, orders rest as NEW
// until Fill is called.
func (e *Exchange) SetAutoFill(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoFill = on
}

// SetPrice updates the last traded price of symbol.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// AppendBar records a closed bar and moves the last price to its close.
func (e *Exchange) AppendBar(b common.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bars[b.Symbol] = append(e.bars[b.Symbol], b)
	e.prices[b.Symbol] = b.Close
}

// SetPosition forces a venue-side position, as if changed outside the agent.
func (e *Exchange) SetPosition(symbol string, size, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if size == 0 {
		delete(e.positions, symbol)
		return
	}
	e.positions[symbol] = &position{size: size, entry: entry}
}

// FailNext makes the next calls (any operation) fail with the given errors in order.
func (e *Exchange) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// DropAcks makes the next n CreateOrder calls place the order but report a
// network timeout, the way a lost response looks to the caller.
func (e *Exchange) DropAcks(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropAcks = n
}

// Calls returns how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// OrderCount returns the number of distinct orders the venue holds.
func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if len(e.failures) == 0 {
		return nil
	}
	err := e.failures[0]
	e.failures = e.failures[1:]
	return err
}

func (e *Exchange) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]common.Bar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("fetch_bars"); err != nil {
		return nil, err
	}
	bars := e.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]common.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (e *Exchange) FetchPositions(ctx context.Context) ([]common.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("fetch_positions"); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(e.positions))
	for sym, p := range e.positions {
		mark := e.prices[sym]
		out = append(out, common.Position{
			Symbol:        sym,
			Size:          p.size,
			EntryPrice:    p.entry,
			MarkPrice:     mark,
			UnrealizedPnL: e.unrealized(sym, p),
		})
	}
	return out, nil
}

func (e *Exchange) FetchBalance(ctx context.Context) (common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("fetch_balance"); err != nil {
		return common.Balance{}, err
	}
	var upnl, margin float64
	for sym, p := range e.positions {
		upnl += e.unrealized(sym, p)
		margin += math.Abs(p.size) * p.entry / e.leverage
	}
	return common.Balance{
		Asset:         "USDT",
		Wallet:        e.wallet,
		Available:     e.wallet + upnl - margin,
		UnrealizedPnL: upnl,
	}, nil
}

func (e *Exchange) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("create_order"); err != nil {
		return common.OrderResult{}, err
	}
	if existing, ok := e.orders[req.ClientID]; ok && req.ClientID != "" {
		return e.ackLocked(existing)
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, &common.RejectionError{Code: -4003, Msg: "quantity less than or equal to zero"}
	}
	price, ok := e.prices[req.Symbol]
	if !ok || price <= 0 {
		return common.OrderResult{}, &common.RejectionError{Code: -1121, Msg: "invalid symbol " + req.Symbol}
	}

	if !e.reduces(req) {
		need := req.Qty * price / e.leverage
		avail := e.wallet
		for sym, p := range e.positions {
			avail += e.unrealized(sym, p) - math.Abs(p.size)*p.entry/e.leverage
		}
		if need > avail {
			return common.OrderResult{}, fmt.Errorf("create_order: %w: need %.2f margin, have %.2f", common.ErrInsufficientBalance, need, avail)
		}
	}

	e.nextID++
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(e.nextID, 10),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Status:          common.StatusNew,
		Qty:             req.Qty,
		UpdateTime:      time.Now().UTC(),
	}
	e.orders[req.ClientID] = res
	e.sides[req.ClientID] = req.Side
	if e.autoFill && req.Type != common.OrderTypeLimit {
		res = e.fillLocked(req.ClientID, req.Qty, price)
	}

	return e.ackLocked(res)
}

func (e *Exchange) ackLocked(res common.OrderResult) (common.OrderResult, error) {
	if e.dropAcks > 0 {
		e.dropAcks--
		return common.OrderResult{}, &common.NetworkError{Op: "create_order", Err: context.DeadlineExceeded}
	}
	return res, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order"); err != nil {
		return common.OrderResult{}, err
	}
	o, ok := e.orders[clientID]
	if !ok {
		return common.OrderResult{}, fmt.Errorf("get_order %s: %w", clientID, common.ErrOrderNotFound)
	}
	return o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("cancel_order"); err != nil {
		return common.OrderResult{}, err
	}
	o, ok := e.orders[clientID]
	if !ok {
		return common.OrderResult{}, fmt.Errorf("cancel_order %s: %w", clientID, common.ErrOrderNotFound)
	}
	switch o.Status {
	case common.StatusNew, common.StatusPartial:
		o.Status = common.StatusCanceled
		o.UpdateTime = time.Now().UTC()
		e.orders[clientID] = o
		return o, nil
	}
	return o, &common.RejectionError{Code: -2011, Msg: "order already " + string(o.Status)}
}

// Fill executes up to qty of a resting order at price.
func (e *Exchange) Fill(clientID string, qty, price float64) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	remaining := o.Qty - o.FilledQty
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return o, nil
	}
	return e.fillLocked(clientID, qty, price), nil
}

func (e *Exchange) fillLocked(clientID string, qty, price float64) common.OrderResult {
	o := e.orders[clientID]
	side := e.sides[clientID]
	cum := o.FilledQty + qty
	o.AvgPrice = (o.AvgPrice*o.FilledQty + price*qty) / cum
	o.FilledQty = cum
	if cum >= o.Qty-1e-12 {
		o.Status = common.StatusFilled
	} else {
		o.Status = common.StatusPartial
	}
	o.UpdateTime = time.Now().UTC()
	e.orders[clientID] = o

	signed := qty
	if side == common.SideSell {
		signed = -qty
	}
	e.applyLocked(o.Symbol, signed, price)
	e.wallet -= qty * price * e.feeRate
	return o
}

// applyLocked moves the venue position and realizes PnL into the wallet.
func (e *Exchange) applyLocked(symbol string, signed, price float64) {
	p := e.positions[symbol]
	if p == nil {
		e.positions[symbol] = &position{size: signed, entry: price}
		return
	}
	if p.size*signed > 0 {
		total := p.size + signed
		p.entry = (p.entry*math.Abs(p.size) + price*math.Abs(signed)) / math.Abs(total)
		p.size = total
		return
	}
	closing := math.Min(math.Abs(signed), math.Abs(p.size))
	dir := 1.0
	if p.size < 0 {
		dir = -1
	}
	e.wallet += (price - p.entry) * closing * dir
	remaining := p.size + signed
	switch {
	case math.Abs(remaining) < 1e-12:
		delete(e.positions, symbol)
	case remaining*p.size < 0:
		e.positions[symbol] = &position{size: remaining, entry: price}
	default:
		p.size = remaining
	}
}

func (e *Exchange) reduces(req common.OrderRequest) bool {
	p := e.positions[req.Symbol]
	if p == nil {
		return false
	}
	if req.Side == common.SideSell {
		return p.size > 0 && req.Qty <= p.size
	}
	return p.size < 0 && req.Qty <= -p.size
}

func (e *Exchange) unrealized(symbol string, p *position) float64 {
	mark, ok := e.prices[symbol]
	if !ok {
		return 0
	}
	return (mark - p.entry) * p.size
}
