// Package retry runs exchange calls under a bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	"trading-agent/pkg/config"
	"trading-agent/pkg/exchanges/common"
)

// Policy is shared by the order executor and the reconciliation loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0.1 = ±10%

	// Retryable overrides common.IsTransient when set.
	Retryable func(error) bool
	// OnRetry is called before each sleep with the failed attempt (1-based).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns 3 attempts, 500ms base, x2 backoff, 10% jitter, 30s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// FromConfig builds a policy from the execution section.
func FromConfig(cfg config.ExecutionConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Backoff,
		Jitter:      cfg.Jitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based), before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		wait *= mult
		if p.MaxDelay > 0 && wait >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	d := time.Duration(wait)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	delta := float64(d) * j
	return d - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Do calls fn until it succeeds, fails permanently, the attempts run out or
// ctx ends. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = common.IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt >= max {
			return attempt, err
		}

		wait := p.jittered(p.Delay(attempt))
		if hint := common.RetryAfter(err); hint > wait {
			wait = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
