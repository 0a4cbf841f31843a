package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-agent/pkg/exchanges/common"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) }

	n, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &common.NetworkError{Op: "create_order", Err: errors.New("timeout")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	n, err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return common.ErrInsufficientBalance
	})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	n, err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		return &common.RateLimitError{Op: "get_order"}
	})
	var rl *common.RateLimitError
	assert.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, n)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy(2)
	p.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }

	start := time.Now()
	_, _ = p.Do(context.Background(), func(ctx context.Context) error {
		return &common.RateLimitError{Op: "fetch_balance", RetryAfter: 30 * time.Millisecond}
	})
	require.Len(t, waits, 1)
	assert.Equal(t, 30*time.Millisecond, waits[0])
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	n, err := p.Do(ctx, func(ctx context.Context) error {
		return &common.NetworkError{Op: "x", Err: errors.New("down")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterStaysInBand(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		d := p.jittered(time.Second)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}
