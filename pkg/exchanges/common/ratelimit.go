package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WeightTracker mirrors the venue-side request weight reported in response
// headers (X-MBX-USED-WEIGHT-1M) so callers can back off before a ban.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           zerolog.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for limit weight per resetInterval.
func NewWeightTracker(limit int, resetInterval time.Duration, log zerolog.Logger) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	pct := float64(wt.usedWeight) / float64(wt.limit) * 100
	if pct >= 95 {
		wt.log.Error().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight critical, approaching ban threshold")
	} else if pct >= 80 {
		wt.log.Warn().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight high")
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// Backoff returns how long to hold off when usage is at or above 90%, zero otherwise.
func (wt *WeightTracker) Backoff() time.Duration {
	_, _, pct := wt.Usage()
	if pct < 90 {
		return 0
	}
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	return time.Until(wt.lastReset.Add(wt.resetInterval))
}
