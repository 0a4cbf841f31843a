package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/internal/events"
	"trading-agent/internal/market"
	"trading-agent/internal/monitor"
	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
	"trading-agent/internal/store"
	"trading-agent/internal/strategy"
	"trading-agent/pkg/config"
	"trading-agent/pkg/exchanges/common"
)

const storeTimeout = 5 * time.Second

// Deps are the collaborators of an Engine. Metrics, Alerts and Bus may be nil.
type Deps struct {
	Config   *config.Config
	Feed     *market.Feed
	Strategy *strategy.MeanReversion
	Risk     *risk.Manager
	Tracker  *state.PositionTracker
	Executor *order.Executor
	Store    store.Store
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Health   *monitor.Health
	Alerts   *monitor.Alerter
}

// Engine drives one cycle goroutine per symbol. Every position and risk
// mutation goes through its coordinator.
type Engine struct {
	cfg     *config.Config
	feed    *market.Feed
	signals *strategy.MeanReversion
	risk    *risk.Manager
	tracker *state.PositionTracker
	exec    *order.Executor
	store   store.Store
	bus     *events.Bus
	metrics *monitor.Metrics
	health  *monitor.Health
	alerts  *monitor.Alerter
	coord   *Coordinator
	now     func() time.Time
	log     zerolog.Logger

	stopping atomic.Bool
	cycles   atomic.Int64
	dirty    chan struct{}

	mu        sync.Mutex
	inflight  map[string]string // symbol -> client order id
	seq       uint64            // bumped on every submission and fill
	touched   map[string]uint64 // symbol -> seq of its latest activity
	available float64
	startedAt time.Time

	execCtx    context.Context
	cancelExec context.CancelFunc
	stopBg     context.CancelFunc
	tracks     sync.WaitGroup
	bg         sync.WaitGroup
}

var _ Service = (*Engine)(nil)

// New wires the executor and risk callbacks to the engine.
func New(d Deps, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:      d.Config,
		feed:     d.Feed,
		signals:  d.Strategy,
		risk:     d.Risk,
		tracker:  d.Tracker,
		exec:     d.Executor,
		store:    d.Store,
		bus:      d.Bus,
		metrics:  d.Metrics,
		health:   d.Health,
		alerts:   d.Alerts,
		coord:    NewCoordinator(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "engine").Logger(),
		dirty:    make(chan struct{}, 1),
		inflight: make(map[string]string),
		touched:  make(map[string]uint64),
	}
	e.exec.OnEvent(e.onOrderEvent)
	e.risk.OnKillSwitch(e.onKillSwitch)
	return e
}

// Start launches the coordinator and the state persister. It must be called
// before Restore and Run.
func (e *Engine) Start() {
	bgCtx, cancel := context.WithCancel(context.Background())
	e.stopBg = cancel
	e.execCtx, e.cancelExec = context.WithCancel(context.Background())

	e.bg.Add(2)
	go func() {
		defer e.bg.Done()
		e.coord.Run(bgCtx)
	}()
	go func() {
		defer e.bg.Done()
		e.persistLoop(bgCtx)
	}()
	e.health.Set("engine", monitor.StatusHealthy, "started")
}

// Restore loads the current session's risk record and positions and resumes
// orders orphaned by the previous shutdown. Records of an earlier session
// are ignored.
func (e *Engine) Restore(ctx context.Context) error {
	session := risk.SessionOf(e.now())

	st, ok, err := e.store.LoadRiskState(ctx, session)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if ok {
		if err := e.coord.Do(ctx, func() { e.risk.Restore(st) }); err != nil {
			return err
		}
		if st.KillSwitchActive {
			e.health.SetKillSwitch(true, st.KillReason)
		}
		e.log.Info().Str("session", session).Float64("daily_pnl", st.DailyRealizedPnL).
			Bool("kill_switch", st.KillSwitchActive).Msg("risk state restored")
	}

	snap, ok, err := e.store.LoadPositions(ctx, session)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if ok {
		err := e.coord.Do(ctx, func() {
			e.tracker.Restore(snap)
			e.risk.SetOpenPositions(snap.OpenCount())
		})
		if err != nil {
			return err
		}
		e.log.Info().Int("positions", snap.OpenCount()).Msg("positions restored")
	}

	orphans, err := e.store.Orphans(ctx)
	if err != nil {
		return fmt.Errorf("load orphans: %w", err)
	}
	for _, o := range orphans {
		o := o
		if e.exec.Adopt(o) {
			if !o.State.Terminal() {
				// the order still holds its slot and size until it settles
				err := e.coord.Do(ctx, func() {
					e.risk.Reserve(o.ClientOrderID, o.Symbol, o.Action, o.Quantity, o.FilledQty)
				})
				if err != nil {
					return err
				}
			}
			e.setInflight(o.Symbol, o.ClientOrderID)
			// refresh before the first reconciliation so fills are not counted twice
			if _, err := e.exec.Poll(ctx, o.ClientOrderID); err != nil {
				e.log.Warn().Err(err).Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).Msg("orphan refresh failed")
			}
			if cur, _ := e.exec.Get(o.ClientOrderID); !cur.State.Terminal() {
				e.track(o.ClientOrderID)
			} else {
				e.clearInflight(o.Symbol, o.ClientOrderID)
			}
		}
		if err := e.store.ClearOrphan(ctx, o.ClientOrderID); err != nil {
			e.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("clear orphan failed")
		}
	}
	if len(orphans) > 0 {
		e.log.Info().Int("orders", len(orphans)).Msg("orphaned orders resumed")
	}
	e.markDirty()
	return nil
}

// Run starts a cycle loop per symbol and blocks until ctx ends, then shuts
// down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = e.now()
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, sym := range e.cfg.Strategy.Symbols {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.symbolLoop(ctx, sym)
		}()
	}
	e.log.Info().Strs("symbols", e.cfg.Strategy.Symbols).Dur("cycle", e.cfg.Strategy.CycleInterval()).Msg("trading cycles started")

	<-ctx.Done()
	wg.Wait()
	return e.Shutdown()
}

// Shutdown refuses new entries, gives open orders the configured grace to
// finish and persists whatever is still open as orphaned.
func (e *Engine) Shutdown() error {
	e.stopping.Store(true)
	e.health.Set("engine", monitor.StatusDegraded, "shutting down")
	e.log.Info().Dur("grace", e.cfg.Execution.ShutdownGrace).Msg("shutting down")

	orphans := e.exec.Shutdown(context.Background(), e.cfg.Execution.ShutdownGrace)
	e.cancelExec()
	e.tracks.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var errs []error
	if len(orphans) > 0 {
		for i, o := range orphans {
			if cur, ok := e.exec.Get(o.ClientOrderID); ok {
				orphans[i] = cur
			}
		}
		if err := e.store.AddOrphans(ctx, orphans); err != nil {
			errs = append(errs, fmt.Errorf("persist orphans: %w", err))
		}
		e.log.Warn().Int("orders", len(orphans)).Msg("orphaned orders persisted for the next start")
	}

	e.stopBg()
	e.bg.Wait()
	if err := e.persist(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) symbolLoop(ctx context.Context, symbol string) {
	ticker := time.NewTicker(e.cfg.Strategy.CycleInterval())
	defer ticker.Stop()
	for {
		e.cycle(ctx, symbol)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs fetch, evaluate, authorize and submit for one symbol.
func (e *Engine) cycle(ctx context.Context, symbol string) {
	log := e.log.With().Str("symbol", symbol).Int64("cycle", e.cycles.Add(1)).Logger()
	e.rollover(ctx)

	if _, err := e.feed.Refresh(ctx, symbol); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("market data refresh failed")
		e.health.Set("market_data", monitor.StatusDegraded, err.Error())
	} else {
		e.health.Set("market_data", monitor.StatusHealthy, "")
	}
	prices := e.feed.LastPrices()
	if err := e.coord.Do(ctx, func() { e.tracker.MarkPrices(prices) }); err != nil {
		return
	}

	if id := e.inflightOrder(symbol); id != "" {
		log.Debug().Str("client_order_id", id).Msg("order in flight, skipping evaluation")
		return
	}

	bars := e.feed.Window(symbol, e.signals.Lookback)
	pos, has := e.tracker.Snapshot().Get(symbol)
	sig := e.signals.Evaluate(symbol, bars, has)
	e.metrics.Signal(string(sig.Direction))
	e.bus.Publish(events.EventSignal, sig)
	log.Debug().Str("direction", string(sig.Direction)).Float64("metric", sig.MetricValue).
		Float64("confidence", sig.Confidence).Msg("signal evaluated")

	if len(bars) == 0 {
		return
	}
	price := bars[len(bars)-1].Close
	switch {
	case sig.Direction == strategy.Exit && has:
		side := common.SideSell
		if pos.Side == state.Short {
			side = common.SideBuy
		}
		e.submit(ctx, log, risk.ProposedTrade{
			ClientOrderID: order.NewClientOrderID(),
			Symbol:        symbol,
			Intent:        state.IntentExit,
			Side:          pos.Side,
			Qty:           pos.Size,
			Price:         price,
		}, side, sig.Reason)
	case sig.Direction.IsEntry() && !has:
		if e.stopping.Load() {
			return
		}
		qty := e.risk.Size(price, e.availableBalance())
		if qty <= 0 {
			log.Warn().Float64("price", price).Msg("entry size is zero")
			return
		}
		side, posSide := common.SideBuy, state.Long
		if sig.Direction == strategy.EnterShort {
			side, posSide = common.SideSell, state.Short
		}
		e.submit(ctx, log, risk.ProposedTrade{
			ClientOrderID: order.NewClientOrderID(),
			Symbol:        symbol,
			Intent:        state.IntentEnter,
			Side:          posSide,
			Qty:           qty,
			Price:         price,
		}, side, sig.Reason)
	}
}

func (e *Engine) submit(ctx context.Context, log zerolog.Logger, trade risk.ProposedTrade, side common.Side, reason string) {
	log = log.With().Str("client_order_id", trade.ClientOrderID).Str("intent", string(trade.Intent)).Logger()

	var dec risk.Decision
	refused := false
	err := e.coord.Do(ctx, func() {
		if trade.Intent == state.IntentEnter && e.stopping.Load() {
			refused = true
			return
		}
		dec = e.risk.Authorize(trade, e.tracker.Snapshot())
	})
	if err != nil || refused {
		return
	}
	if !dec.Allowed {
		log.Info().Str("reason", string(dec.Reason)).Str("detail", dec.Detail).Msg("trade not authorized")
		return
	}

	e.setInflight(trade.Symbol, trade.ClientOrderID)
	o, err := e.exec.Submit(ctx, order.Intent{
		ClientOrderID: trade.ClientOrderID,
		Symbol:        trade.Symbol,
		Side:          side,
		Qty:           trade.Qty,
		Action:        trade.Intent,
		ReduceOnly:    trade.Intent == state.IntentExit,
		Reason:        reason,
	})
	if o == nil {
		log.Warn().Err(err).Msg("order refused by executor")
		e.coord.Do(context.Background(), func() { e.risk.Release(trade.ClientOrderID) })
		e.clearInflight(trade.Symbol, trade.ClientOrderID)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("state", string(o.State)).Msg("order submission failed")
	}
	if !o.State.Terminal() {
		e.track(o.ClientOrderID)
	}
}

func (e *Engine) track(clientOrderID string) {
	e.tracks.Add(1)
	go func() {
		defer e.tracks.Done()
		if _, err := e.exec.Track(e.execCtx, clientOrderID); err != nil && e.execCtx.Err() == nil {
			e.log.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("order tracking stopped")
		}
	}()
}

// onOrderEvent applies fill deltas and releases reservations. It runs
// synchronously on the executor's goroutine.
func (e *Engine) onOrderEvent(ev order.Event) {
	o := ev.Order
	terminal := o.State.Terminal()
	err := e.coord.Do(context.Background(), func() {
		if f := ev.Fill; f != nil {
			e.touch(f.Symbol)
			pnl := e.tracker.ApplyFill(*f)
			e.risk.ApplyFill(f.ClientOrderID, f.CumulativeQty, pnl)
			e.risk.SetOpenPositions(e.tracker.Snapshot().OpenCount())
		}
		if terminal {
			e.risk.Release(o.ClientOrderID)
		}
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).Msg("order event not applied")
	}
	if terminal {
		e.clearInflight(o.Symbol, o.ClientOrderID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.SaveOrder(ctx, o); err != nil {
		e.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("save order failed")
	}
	if f := ev.Fill; f != nil {
		if err := e.store.RecordTrade(ctx, *f); err != nil {
			e.log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("record trade failed")
		}
		pos, ok := e.tracker.Snapshot().Get(o.Symbol)
		if !ok {
			pos = state.Position{Symbol: o.Symbol}
		}
		e.bus.Publish(events.EventPosition, pos)
	}
	e.markDirty()
}

// onKillSwitch runs on the coordinator goroutine and must not call Do.
func (e *Engine) onKillSwitch(reason string) {
	e.health.SetKillSwitch(true, reason)
	alert := monitor.Alert{
		Kind:     monitor.KindKillSwitch,
		Severity: monitor.SeverityCritical,
		Message:  "kill switch tripped: " + reason,
		Fields:   map[string]string{"session": e.risk.State().Session},
	}
	e.alerts.Send(alert)
	e.bus.Publish(events.EventRiskAlert, alert)
	e.markDirty()
}

func (e *Engine) rollover(ctx context.Context) {
	var rolled bool
	if err := e.coord.Do(ctx, func() { rolled = e.risk.Rollover(e.now()) }); err != nil {
		return
	}
	if rolled {
		e.health.SetKillSwitch(false, "")
		e.markDirty()
	}
}

// ReconcileMark returns the activity mark to take before fetching exchange
// state for Reconcile.
func (e *Engine) ReconcileMark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Reconcile corrects local positions from an exchange snapshot fetched after
// mark was taken. Symbols with an open order, or with a submission or fill
// since mark, keep their local view: the snapshot may predate that activity
// and the executor reports it on its own.
func (e *Engine) Reconcile(ctx context.Context, mark uint64, exchange []common.Position, bal common.Balance) ([]state.Discrepancy, error) {
	var diffs []state.Discrepancy
	err := e.coord.Do(ctx, func() {
		busy := e.busySince(mark)
		local := e.tracker.Snapshot()
		view := make([]common.Position, 0, len(exchange))
		for _, p := range exchange {
			if !busy[p.Symbol] {
				view = append(view, p)
			}
		}
		for sym, p := range local.Positions {
			if busy[sym] {
				view = append(view, common.Position{Symbol: sym, Size: p.Signed(), EntryPrice: p.EntryPrice, MarkPrice: p.MarkPrice})
			}
		}
		diffs = e.tracker.ApplyReconciliation(view)
		e.risk.SetOpenPositions(e.tracker.Snapshot().OpenCount())
		e.risk.UpdateEquity(bal.Equity())
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.available = bal.Available
	e.mu.Unlock()
	e.markDirty()
	return diffs, nil
}

// TripKillSwitch blocks entries for the rest of the session.
func (e *Engine) TripKillSwitch(ctx context.Context, reason string) error {
	err := e.coord.Do(ctx, func() { e.risk.TripKillSwitch(reason) })
	e.markDirty()
	return err
}

// Status implements Service.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	snap := e.tracker.Snapshot()
	positions := make([]state.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()

	return &Status{
		System: SystemStatus{
			Venue:      e.cfg.Exchange.Venue,
			Symbols:    e.cfg.Strategy.Symbols,
			Interval:   e.cfg.Strategy.Interval,
			Stopping:   e.stopping.Load(),
			StartedAt:  started,
			ServerTime: e.now(),
		},
		Risk:       e.risk.State(),
		Positions:  positions,
		OpenOrders: e.exec.Open(),
		Health:     e.health.Report(),
	}, nil
}

func (e *Engine) markDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

func (e *Engine) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.dirty:
			if err := e.persist(ctx); err != nil {
				e.log.Warn().Err(err).Msg("state persistence failed")
			}
		}
	}
}

// persist saves the latest risk record and position snapshot and refreshes
// the gauges that mirror them.
func (e *Engine) persist(ctx context.Context) error {
	st := e.risk.State()
	snap := e.tracker.Snapshot()
	e.metrics.SetOpenPositions(snap.OpenCount())
	e.metrics.SetRisk(st.DailyRealizedPnL, st.LastEquity, st.CurrentDrawdown, st.KillSwitchActive)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	var errs []error
	if err := e.store.SaveRiskState(ctx, st); err != nil {
		errs = append(errs, fmt.Errorf("save risk state: %w", err))
	}
	if err := e.store.SavePositions(ctx, st.Session, snap); err != nil {
		errs = append(errs, fmt.Errorf("save positions: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) setInflight(symbol, clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[symbol] = clientOrderID
	e.seq++
	e.touched[symbol] = e.seq
}

func (e *Engine) touch(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.touched[symbol] = e.seq
}

// busySince returns the symbols a snapshot fetched after mark cannot be
// trusted for. Runs on the coordinator; the executor never calls back into
// the engine while holding its own lock.
func (e *Engine) busySince(mark uint64) map[string]bool {
	busy := make(map[string]bool)
	e.mu.Lock()
	for sym, seq := range e.touched {
		if seq > mark {
			busy[sym] = true
		}
	}
	for sym := range e.inflight {
		busy[sym] = true
	}
	e.mu.Unlock()
	for _, o := range e.exec.Open() {
		busy[o.Symbol] = true
	}
	return busy
}

func (e *Engine) clearInflight(symbol, clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[symbol] == clientOrderID {
		delete(e.inflight, symbol)
	}
}

func (e *Engine) inflightOrder(symbol string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[symbol]
}

func (e *Engine) availableBalance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}
