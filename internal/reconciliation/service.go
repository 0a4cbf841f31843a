// Package reconciliation periodically compares local positions with the
// exchange, corrects local state and trips the kill switch when the agent
// can no longer see the exchange.
package reconciliation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/internal/events"
	"trading-agent/internal/monitor"
	"trading-agent/internal/retry"
	"trading-agent/internal/state"
	"trading-agent/pkg/exchanges/common"
)

// Applier serializes corrections with the rest of the trading state.
// ReconcileMark is taken before the fetch; Reconcile leaves alone whatever
// changed locally after it.
type Applier interface {
	ReconcileMark() uint64
	Reconcile(ctx context.Context, mark uint64, positions []common.Position, bal common.Balance) ([]state.Discrepancy, error)
	TripKillSwitch(ctx context.Context, reason string) error
}

// Options configures the loop. Bus, Metrics and Alerts may be nil.
// A private Health is created when none is given.
type Options struct {
	Interval    time.Duration
	MaxFailures int
	Policy      retry.Policy
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	Health      *monitor.Health
	Alerts      *monitor.Alerter
}

// Report contains reconciliation results.
type Report struct {
	Timestamp     time.Time           `json:"timestamp"`
	Discrepancies []state.Discrepancy `json:"discrepancies"`
	HasDiffs      bool                `json:"has_diffs"`
	Equity        float64             `json:"equity"`
	Positions     int                 `json:"positions"`
}

// MismatchError reports corrections that were applied. It is informational:
// local state already matches the exchange when it is returned.
type MismatchError struct {
	Discrepancies []state.Discrepancy
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, len(e.Discrepancies))
	for _, d := range e.Discrepancies {
		parts = append(parts, fmt.Sprintf("%s %s local=%.8g exchange=%.8g", d.Symbol, d.Kind, d.LocalSize, d.ExchangeSize))
	}
	return "reconciliation mismatch: " + strings.Join(parts, "; ")
}

// Service handles periodic reconciliation.
type Service struct {
	gw      common.Gateway
	applier Applier
	opts    Options
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.Mutex
	blind bool
	wg    sync.WaitGroup
}

// NewService creates a reconciliation loop reading from gw.
func NewService(gw common.Gateway, applier Applier, opts Options, log zerolog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default()
	}
	if opts.Health == nil {
		opts.Health = monitor.NewHealth(opts.Interval)
	}
	return &Service{
		gw:      gw,
		applier: applier,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.With().Str("component", "reconciliation").Logger(),
	}
}

// Start begins periodic reconciliation until ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reconcile(ctx)
			}
		}
	}()
	s.log.Info().Dur("interval", s.opts.Interval).Int("max_failures", s.opts.MaxFailures).Msg("reconciliation started")
}

// Wait blocks until the loop started by Start has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Reconcile runs one pass. A *MismatchError means corrections were applied;
// any other error means the pass failed and counts toward the blind limit.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark := s.applier.ReconcileMark()
	var bal common.Balance
	var positions []common.Position
	_, err := s.opts.Policy.Do(ctx, func(ctx context.Context) error {
		b, err := s.gw.FetchBalance(ctx)
		if err != nil {
			return err
		}
		p, err := s.gw.FetchPositions(ctx)
		if err != nil {
			return err
		}
		bal, positions = b, p
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("fetch exchange state: %w", err))
	}

	diffs, err := s.applier.Reconcile(ctx, mark, positions, bal)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("apply corrections: %w", err))
	}

	at := s.now()
	s.opts.Health.ReconcileSucceeded(at)
	s.opts.Health.Set("reconciliation", monitor.StatusHealthy, "")
	if s.blind {
		s.blind = false
		s.log.Info().Msg("exchange visible again")
	}

	report := &Report{
		Timestamp:     at,
		Discrepancies: diffs,
		HasDiffs:      len(diffs) > 0,
		Equity:        bal.Equity(),
		Positions:     len(positions),
	}
	s.opts.Bus.Publish(events.EventReconcileDone, *report)
	if !report.HasDiffs {
		s.log.Debug().Float64("equity", report.Equity).Int("positions", report.Positions).Msg("reconciliation ok, all positions match")
		return report, nil
	}

	mismatch := &MismatchError{Discrepancies: diffs}
	s.handleDiscrepancies(diffs, mismatch)
	return report, mismatch
}

func (s *Service) handleDiscrepancies(diffs []state.Discrepancy, mismatch *MismatchError) {
	fields := make(map[string]string, len(diffs))
	for _, d := range diffs {
		s.opts.Metrics.Discrepancy(string(d.Kind))
		s.opts.Bus.Publish(events.EventDiscrepancy, d)
		s.log.Warn().Str("symbol", d.Symbol).Str("kind", string(d.Kind)).
			Float64("local_size", d.LocalSize).Float64("exchange_size", d.ExchangeSize).
			Float64("local_entry", d.LocalEntry).Float64("exchange_entry", d.ExchangeEntry).
			Msg("position corrected from exchange")
		fields[d.Symbol] = fmt.Sprintf("%s local=%.8g exchange=%.8g", d.Kind, d.LocalSize, d.ExchangeSize)
	}
	s.opts.Alerts.Send(monitor.Alert{
		Kind:     monitor.KindReconciliationDiff,
		Severity: monitor.SeverityWarning,
		Message:  mismatch.Error(),
		Fields:   fields,
	})
}

// fail records a failed pass. Reaching MaxFailures in a row means positions
// can no longer be verified, so entries are blocked.
func (s *Service) fail(ctx context.Context, err error) error {
	n := s.opts.Health.ReconcileFailed()
	s.opts.Metrics.ReconciliationFailed()
	s.log.Error().Err(err).Int("consecutive_failures", n).Msg("reconciliation failed")

	if n < s.opts.MaxFailures {
		s.opts.Health.Set("reconciliation", monitor.StatusDegraded, err.Error())
		return err
	}
	s.opts.Health.Set("reconciliation", monitor.StatusUnhealthy, err.Error())
	if s.blind {
		return err
	}
	s.blind = true
	reason := fmt.Sprintf("RECONCILIATION_FAILED: %d consecutive failures", n)
	s.opts.Alerts.Send(monitor.Alert{
		Kind:     monitor.KindReconciliationFailed,
		Severity: monitor.SeverityCritical,
		Message:  reason + ": " + err.Error(),
	})
	// the caller's ctx may already be done; the trip must still land
	tripCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if terr := s.applier.TripKillSwitch(tripCtx, reason); terr != nil {
		s.log.Error().Err(terr).Msg("could not trip kill switch")
	}
	return err
}
