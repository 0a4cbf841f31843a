package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-agent/internal/events"
	"trading-agent/internal/monitor"
	"trading-agent/internal/retry"
	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
	"trading-agent/pkg/exchanges/paper"
)

type fakeApplier struct {
	mu        sync.Mutex
	mark      uint64
	gotMark   uint64
	diffs     []state.Discrepancy
	err       error
	calls     int
	positions []common.Position
	balance   common.Balance
	trips     []string
}

func (f *fakeApplier) ReconcileMark() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark
}

func (f *fakeApplier) Reconcile(ctx context.Context, mark uint64, positions []common.Position, bal common.Balance) ([]state.Discrepancy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotMark = mark
	f.positions = positions
	f.balance = bal
	return f.diffs, f.err
}

func (f *fakeApplier) TripKillSwitch(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trips = append(f.trips, reason)
	return nil
}

func netErr() error {
	return &common.NetworkError{Op: "fetch", Err: errors.New("connection reset")}
}

func newTestService(ex *paper.Exchange, app Applier, attempts int) (*Service, *monitor.Health, *events.Bus) {
	health := monitor.NewHealth(time.Minute)
	bus := events.NewBus()
	svc := NewService(ex, app, Options{
		Interval:    time.Minute,
		MaxFailures: 3,
		Policy:      retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Bus:         bus,
		Metrics:     monitor.NewMetrics(),
		Health:      health,
	}, zerolog.Nop())
	return svc, health, bus
}

func TestReconcilePassesExchangeState(t *testing.T) {
	ex := paper.New(1000)
	ex.SetPosition("BTCUSDT", 0.5, 100)
	ex.SetPrice("BTCUSDT", 110)
	app := &fakeApplier{mark: 42}
	svc, health, bus := newTestService(ex, app, 1)
	done, unsub := bus.Subscribe(events.EventReconcileDone, 1)
	defer unsub()

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasDiffs)
	assert.Equal(t, 1, report.Positions)
	assert.InDelta(t, 1005.0, report.Equity, 1e-9)

	assert.Equal(t, uint64(42), app.gotMark)
	require.Len(t, app.positions, 1)
	assert.Equal(t, 0.5, app.positions[0].Size)
	assert.Equal(t, 1000.0, app.balance.Wallet)

	select {
	case got := <-done:
		assert.Equal(t, 1, got.(Report).Positions)
	default:
		t.Fatal("no completion event")
	}
	assert.True(t, health.Ready())
}

func TestReconcileReportsMismatch(t *testing.T) {
	ex := paper.New(1000)
	app := &fakeApplier{diffs: []state.Discrepancy{
		{Symbol: "ETHUSDT", Kind: state.Adopted, ExchangeSize: -2, ExchangeEntry: 2000},
	}}
	svc, _, bus := newTestService(ex, app, 1)
	diffs, unsub := bus.Subscribe(events.EventDiscrepancy, 4)
	defer unsub()

	report, err := svc.Reconcile(context.Background())
	require.NotNil(t, report)
	assert.True(t, report.HasDiffs)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Len(t, mismatch.Discrepancies, 1)
	assert.Contains(t, err.Error(), "ETHUSDT ADOPTED")

	select {
	case got := <-diffs:
		assert.Equal(t, "ETHUSDT", got.(state.Discrepancy).Symbol)
	default:
		t.Fatal("no discrepancy event")
	}
}

func TestReconcileRetriesTransientFetch(t *testing.T) {
	ex := paper.New(1000)
	ex.FailNext(netErr())
	app := &fakeApplier{}
	svc, health, _ := newTestService(ex, app, 3)

	_, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Calls("fetch_balance"))
	assert.Equal(t, 0, health.Report().ConsecutiveFailures)
}

func TestRepeatedFailuresTripKillSwitchOnce(t *testing.T) {
	ex := paper.New(1000)
	ex.FailNext(netErr(), netErr(), netErr(), netErr())
	app := &fakeApplier{}
	svc, health, _ := newTestService(ex, app, 1)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := svc.Reconcile(ctx)
		require.Error(t, err)
		assert.Equal(t, i, health.Report().ConsecutiveFailures)
	}
	assert.Empty(t, app.trips)

	_, err := svc.Reconcile(ctx)
	require.Error(t, err)
	require.Len(t, app.trips, 1)
	assert.Contains(t, app.trips[0], "RECONCILIATION_FAILED")
	assert.False(t, health.Ready())

	_, err = svc.Reconcile(ctx)
	require.Error(t, err)
	assert.Len(t, app.trips, 1)
	assert.Equal(t, 0, app.calls)

	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.Report().ConsecutiveFailures)
	assert.True(t, health.Ready())
}

func TestApplierErrorCountsAsFailure(t *testing.T) {
	ex := paper.New(1000)
	app := &fakeApplier{err: errors.New("coordinator stopped")}
	svc, health, _ := newTestService(ex, app, 1)

	_, err := svc.Reconcile(context.Background())
	require.Error(t, err)
	var mismatch *MismatchError
	assert.False(t, errors.As(err, &mismatch))
	assert.Equal(t, 1, health.Report().ConsecutiveFailures)
}

func TestStartRunsOnInterval(t *testing.T) {
	ex := paper.New(1000)
	app := &fakeApplier{}
	svc := NewService(ex, app, Options{
		Interval: 5 * time.Millisecond,
		Policy:   retry.Policy{MaxAttempts: 1},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	assert.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return app.calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	svc.Wait()
}
