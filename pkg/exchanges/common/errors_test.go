package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &NetworkError{Op: "create_order", Err: errors.New("connection reset")}, true},
		{"wrapped network", fmt.Errorf("submit: %w", &NetworkError{Op: "x", Err: errors.New("eof")}), true},
		{"rate limit", &RateLimitError{Op: "fetch_bars"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"insufficient", fmt.Errorf("create: %w", ErrInsufficientBalance), false},
		{"rejection", &RejectionError{Code: -1111, Msg: "precision"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RateLimitError{Op: "x", RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(errors.New("other")))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}
