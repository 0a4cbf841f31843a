// Package gateway wraps exchange adapters with the shared request budget.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-agent/pkg/exchanges/common"
)

// Options configures a Limited gateway.
type Options struct {
	RatePerMinute  int
	Burst          int
	MaxWait        time.Duration
	RequestTimeout time.Duration
	// OnQueueDepth observes the number of calls waiting for a token.
	OnQueueDepth func(depth int)
}

// Limited decorates a Gateway: every call takes a token from one limiter
// shared by all components, waiting at most MaxWait, and runs under
// RequestTimeout.
type Limited struct {
	inner   common.Gateway
	limiter *rate.Limiter
	opts    Options
	waiting atomic.Int64
	log     zerolog.Logger
}

var _ common.Gateway = (*Limited)(nil)

// NewLimited wraps inner.
func NewLimited(inner common.Gateway, opts Options, log zerolog.Logger) *Limited {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = max(1, opts.RatePerMinute/60)
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), opts.Burst),
		opts:    opts,
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// QueueDepth returns the number of calls currently waiting for a token.
func (l *Limited) QueueDepth() int {
	return int(l.waiting.Load())
}

func (l *Limited) setDepth(delta int64) {
	d := l.waiting.Add(delta)
	if l.opts.OnQueueDepth != nil {
		l.opts.OnQueueDepth(int(d))
	}
}

// acquire blocks for a token and returns a context bounded by RequestTimeout.
func (l *Limited) acquire(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	r := l.limiter.Reserve()
	if !r.OK() {
		return nil, nil, &common.RateLimitError{Op: op}
	}
	delay := r.Delay()
	if l.opts.MaxWait > 0 && delay > l.opts.MaxWait {
		r.Cancel()
		l.log.Warn().Str("op", op).Dur("wait", delay).Int("queued", l.QueueDepth()).Msg("rate limit budget exhausted")
		return nil, nil, &common.RateLimitError{Op: op, RetryAfter: delay}
	}
	if delay > 0 {
		l.setDepth(1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			l.setDepth(-1)
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
		l.setDepth(-1)
	}
	if l.opts.RequestTimeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
		return callCtx, cancel, nil
	}
	callCtx, cancel := context.WithCancel(ctx)
	return callCtx, cancel, nil
}

func (l *Limited) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]common.Bar, error) {
	callCtx, cancel, err := l.acquire(ctx, "fetch_bars")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.inner.FetchBars(callCtx, symbol, interval, limit)
}

func (l *Limited) FetchPositions(ctx context.Context) ([]common.Position, error) {
	callCtx, cancel, err := l.acquire(ctx, "fetch_positions")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.inner.FetchPositions(callCtx)
}

func (l *Limited) FetchBalance(ctx context.Context) (common.Balance, error) {
	callCtx, cancel, err := l.acquire(ctx, "fetch_balance")
	if err != nil {
		return common.Balance{}, err
	}
	defer cancel()
	return l.inner.FetchBalance(callCtx)
}

func (l *Limited) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	callCtx, cancel, err := l.acquire(ctx, "create_order")
	if err != nil {
		return common.OrderResult{}, err
	}
	defer cancel()
	return l.inner.CreateOrder(callCtx, req)
}

func (l *Limited) GetOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	callCtx, cancel, err := l.acquire(ctx, "get_order")
	if err != nil {
		return common.OrderResult{}, err
	}
	defer cancel()
	return l.inner.GetOrder(callCtx, symbol, clientID)
}

func (l *Limited) CancelOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	callCtx, cancel, err := l.acquire(ctx, "cancel_order")
	if err != nil {
		return common.OrderResult{}, err
	}
	defer cancel()
	return l.inner.CancelOrder(callCtx, symbol, clientID)
}
