// Package order submits orders idempotently and follows them to a terminal
// state, turning exchange reports into fill deltas.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/internal/events"
	"trading-agent/internal/monitor"
	"trading-agent/internal/retry"
	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
)

const (
	qtyEpsilon    = 1e-12
	lookupTimeout = 10 * time.Second
	retainClosed  = time.Hour
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("executor is shutting down")
	// ErrUnknownOrder means the executor holds no order for the client id.
	ErrUnknownOrder = errors.New("unknown client order id")
)

// Options configures an Executor.
type Options struct {
	Policy       retry.Policy
	FillTimeout  time.Duration
	PollInterval time.Duration
	Bus          *events.Bus
	Metrics      *monitor.Metrics
	Alerts       *monitor.Alerter
}

// Executor owns orders until they are terminal. Every change is reported
// synchronously to the listener and published on the bus for observers.
type Executor struct {
	gw   common.Gateway
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	mu       sync.Mutex
	orders   map[string]*Order
	listener func(Event)
	closing  bool
}

// NewExecutor creates an executor sending through gw.
func NewExecutor(gw common.Gateway, opts Options, log zerolog.Logger) *Executor {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Executor{
		gw:     gw,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "order_executor").Logger(),
		orders: make(map[string]*Order),
	}
}

// OnEvent sets the synchronous listener. Set it before the first Submit.
func (e *Executor) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
}

func (e *Executor) policy(o *Order) retry.Policy {
	p := e.opts.Policy
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.mu.Lock()
		o.RetryCount++
		e.mu.Unlock()
		e.opts.Metrics.OrderRetry()
		e.log.Warn().Err(err).Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
			Int("attempt", attempt).Dur("wait", wait).Msg("retrying exchange call")
	}
	return p
}

// Submit places a market order for in. Transient failures are retried with
// the same client order id; when the budget runs out the order is looked up
// by that id before it is declared REJECTED. Submitting an id that is
// already known returns the existing order without contacting the venue.
func (e *Executor) Submit(ctx context.Context, in Intent) (*Order, error) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if in.ClientOrderID == "" {
		in.ClientOrderID = NewClientOrderID()
	}
	if existing, ok := e.orders[in.ClientOrderID]; ok {
		cp := *existing
		e.mu.Unlock()
		return &cp, nil
	}
	e.pruneLocked()
	now := e.now()
	o := &Order{
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Quantity:      in.Qty,
		Type:          common.OrderTypeMarket,
		State:         StatePending,
		Action:        in.Action,
		ReduceOnly:    in.ReduceOnly,
		Reason:        in.Reason,
		CreatedAt:     now,
		LastUpdate:    now,
	}
	e.orders[o.ClientOrderID] = o
	created := Event{Order: *o}
	e.mu.Unlock()

	e.opts.Metrics.OrderTransition(string(StatePending))
	e.emit(created)

	req := common.OrderRequest{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       common.OrderTypeMarket,
		Qty:        o.Quantity,
		ClientID:   o.ClientOrderID,
		ReduceOnly: o.ReduceOnly,
	}
	start := time.Now()
	var res common.OrderResult
	attempts, err := e.policy(o).Do(ctx, func(ctx context.Context) error {
		r, err := e.gw.CreateOrder(ctx, req)
		if err == nil {
			res = r
		}
		return err
	})
	if err == nil {
		e.opts.Metrics.ObserveOrderLatency(time.Since(start))
		return e.applyResult(o.ClientOrderID, res), nil
	}

	if !common.IsTransient(err) && ctx.Err() == nil {
		return e.reject(o.ClientOrderID, fmt.Sprintf("submission refused: %v", err)), err
	}

	// The order may have reached the venue even though no answer did.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	var found common.OrderResult
	_, lerr := e.policy(o).Do(lookupCtx, func(ctx context.Context) error {
		r, err := e.gw.GetOrder(ctx, o.Symbol, o.ClientOrderID)
		if err == nil {
			found = r
		}
		return err
	})
	switch {
	case lerr == nil:
		e.log.Info().Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
			Int("attempts", attempts).Msg("submission unacknowledged but order found on exchange")
		return e.applyResult(o.ClientOrderID, found), nil
	case errors.Is(lerr, common.ErrOrderNotFound):
		return e.reject(o.ClientOrderID, fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempts, err)), err
	default:
		e.log.Error().Err(lerr).Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
			Msg("order state unknown after failed submission")
		cp, _ := e.Get(o.ClientOrderID)
		return &cp, fmt.Errorf("submit %s: outcome unknown: %w", o.ClientOrderID, err)
	}
}

// Poll refreshes an order from the exchange.
func (e *Executor) Poll(ctx context.Context, clientOrderID string) (*Order, error) {
	o, ok := e.lookup(clientOrderID)
	if !ok {
		return nil, ErrUnknownOrder
	}
	var res common.OrderResult
	_, err := e.policy(o).Do(ctx, func(ctx context.Context) error {
		r, err := e.gw.GetOrder(ctx, o.Symbol, clientOrderID)
		if err == nil {
			res = r
		}
		return err
	})
	if err != nil {
		cp, _ := e.Get(clientOrderID)
		if errors.Is(err, common.ErrOrderNotFound) && cp.State == StatePending && e.expired(cp) {
			return e.reject(clientOrderID, "never acknowledged by exchange"), nil
		}
		return &cp, err
	}
	return e.applyResult(clientOrderID, res), nil
}

// Cancel asks the venue to cancel an open order. An order that is already
// final on the venue is refreshed instead.
func (e *Executor) Cancel(ctx context.Context, clientOrderID string) (*Order, error) {
	o, ok := e.lookup(clientOrderID)
	if !ok {
		return nil, ErrUnknownOrder
	}
	if cp, _ := e.Get(clientOrderID); cp.State.Terminal() {
		return &cp, nil
	}
	var res common.OrderResult
	_, err := e.policy(o).Do(ctx, func(ctx context.Context) error {
		r, err := e.gw.CancelOrder(ctx, o.Symbol, clientOrderID)
		if err == nil {
			res = r
		}
		return err
	})
	if err != nil {
		var rej *common.RejectionError
		if errors.Is(err, common.ErrOrderNotFound) || errors.As(err, &rej) {
			return e.Poll(ctx, clientOrderID)
		}
		cp, _ := e.Get(clientOrderID)
		return &cp, err
	}
	return e.applyResult(clientOrderID, res), nil
}

// Track polls an order until it is terminal, cancelling it once it has been
// open longer than the fill timeout.
func (e *Executor) Track(ctx context.Context, clientOrderID string) (*Order, error) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	cancelled := false
	for {
		cp, ok := e.Get(clientOrderID)
		if !ok {
			return nil, ErrUnknownOrder
		}
		if cp.State.Terminal() {
			return &cp, nil
		}
		if !cancelled && e.expired(cp) && cp.State != StatePending {
			e.log.Warn().Str("symbol", cp.Symbol).Str("client_order_id", clientOrderID).
				Dur("timeout", e.opts.FillTimeout).Msg("fill timeout, cancelling order")
			if _, err := e.Cancel(ctx, clientOrderID); err != nil {
				e.log.Error().Err(err).Str("client_order_id", clientOrderID).Msg("cancel failed")
			} else {
				cancelled = true
			}
			continue
		}
		select {
		case <-ctx.Done():
			cp, _ := e.Get(clientOrderID)
			return &cp, ctx.Err()
		case <-ticker.C:
		}
		if _, err := e.Poll(ctx, clientOrderID); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("poll failed")
		}
	}
}

// Apply merges a streamed or polled exchange report. It reports whether the
// order is known.
func (e *Executor) Apply(report common.OrderResult) bool {
	return e.applyResult(report.ClientID, report) != nil
}

// Adopt registers an order restored from storage so it can be tracked.
func (e *Executor) Adopt(o Order) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[o.ClientOrderID]; ok || o.ClientOrderID == "" {
		return false
	}
	cp := o
	e.orders[o.ClientOrderID] = &cp
	return true
}

// Get returns a copy of an order.
func (e *Executor) Get(clientOrderID string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open returns the non-terminal orders, oldest first.
func (e *Executor) Open() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Order
	for _, o := range e.orders {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown refuses new submissions and waits up to grace for open orders to
// finish. Whatever is still open is returned as orphaned.
func (e *Executor) Shutdown(ctx context.Context, grace time.Duration) []Order {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		open := e.Open()
		if len(open) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
		case <-deadline.C:
		case <-tick.C:
			continue
		}
		for _, o := range open {
			e.log.Warn().Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
				Str("state", string(o.State)).Msg("order orphaned at shutdown")
		}
		return open
	}
}

func (e *Executor) lookup(clientOrderID string) (*Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	return o, ok
}

func (e *Executor) expired(o Order) bool {
	return e.opts.FillTimeout > 0 && e.now().Sub(o.CreatedAt) >= e.opts.FillTimeout
}

func (e *Executor) pruneLocked() {
	cutoff := e.now().Add(-retainClosed)
	for id, o := range e.orders {
		if o.State.Terminal() && o.LastUpdate.Before(cutoff) {
			delete(e.orders, id)
		}
	}
}

func (e *Executor) reject(clientOrderID, reason string) *Order {
	e.mu.Lock()
	o := e.orders[clientOrderID]
	if o == nil || !o.State.CanTransition(StateRejected) {
		var cp Order
		if o != nil {
			cp = *o
		}
		e.mu.Unlock()
		return &cp
	}
	o.Reason = reason
	ev := e.transitionLocked(o, StateRejected)
	cp := *o
	e.mu.Unlock()
	e.emit(ev)
	return &cp
}

func (e *Executor) applyResult(clientOrderID string, res common.OrderResult) *Order {
	e.mu.Lock()
	o := e.orders[clientOrderID]
	if o == nil {
		e.mu.Unlock()
		return nil
	}
	evs := e.mergeLocked(o, res)
	cp := *o
	e.mu.Unlock()
	for _, ev := range evs {
		e.emit(ev)
	}
	return &cp
}

// mergeLocked folds an exchange report into o. Cumulative filled quantity
// is the source of truth: a report that does not raise it yields no fill,
// and a higher one yields exactly one delta priced from the change in
// avg_price × filled_qty.
func (e *Executor) mergeLocked(o *Order, res common.OrderResult) []Event {
	var evs []Event
	if res.ExchangeOrderID != "" {
		o.OrderID = res.ExchangeOrderID
	}

	target, known := fromExchange(res.Status)
	if res.FilledQty > qtyEpsilon && (!known || target == StateSubmitted) {
		target, known = StatePartiallyFilled, true
	}
	if known && o.State == StatePending && target != StateSubmitted && StateSubmitted.CanTransition(target) {
		evs = append(evs, e.transitionLocked(o, StateSubmitted))
	}

	var fill *state.Fill
	if res.FilledQty > o.FilledQty+qtyEpsilon {
		prevQty, prevAvg := o.FilledQty, o.AvgPrice
		delta := res.FilledQty - prevQty
		price := res.AvgPrice
		if prevQty > 0 && res.AvgPrice > 0 {
			if p := (res.AvgPrice*res.FilledQty - prevAvg*prevQty) / delta; p > 0 {
				price = p
			}
		}
		o.FilledQty = res.FilledQty
		if res.AvgPrice > 0 {
			o.AvgPrice = res.AvgPrice
		}
		fill = &state.Fill{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           delta,
			Price:         price,
			CumulativeQty: res.FilledQty,
			Time:          e.now(),
		}
	}

	if known && o.State.CanTransition(target) {
		ev := e.transitionLocked(o, target)
		ev.Fill = fill
		return append(evs, ev)
	}
	if fill != nil {
		o.LastUpdate = e.now()
		evs = append(evs, Event{Order: *o, Prev: o.State, Fill: fill})
	}
	return evs
}

func (e *Executor) transitionLocked(o *Order, to State) Event {
	prev := o.State
	o.State = to
	o.LastUpdate = e.now()
	e.opts.Metrics.OrderTransition(string(to))
	return Event{Order: *o, Prev: prev}
}

func (e *Executor) emit(ev Event) {
	e.mu.Lock()
	fn := e.listener
	e.mu.Unlock()

	o := ev.Order
	e.log.Info().Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
		Str("from", string(ev.Prev)).Str("to", string(o.State)).
		Float64("filled", o.FilledQty).Msg("order update")

	if fn != nil {
		fn(ev)
	}
	e.opts.Bus.Publish(events.EventOrderUpdate, ev)
	if ev.Fill != nil {
		e.opts.Bus.Publish(events.EventFill, ev)
	}
	if o.State == StateRejected && ev.Prev != StateRejected {
		e.opts.Alerts.Send(monitor.Alert{
			Kind:     monitor.KindOrderRejected,
			Severity: monitor.SeverityError,
			Message:  fmt.Sprintf("order %s on %s rejected: %s", o.ClientOrderID, o.Symbol, o.Reason),
			Fields: map[string]string{
				"symbol":          o.Symbol,
				"client_order_id": o.ClientOrderID,
				"side":            string(o.Side),
				"quantity":        fmt.Sprintf("%g", o.Quantity),
			},
		})
	}
}
