package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthReadiness(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHealth(30 * time.Second)
	h.now = func() time.Time { return now }

	assert.False(t, h.Ready(), "never reconciled")

	h.ReconcileSucceeded(now)
	assert.True(t, h.Ready())
	assert.Equal(t, StatusHealthy, h.Overall())

	now = now.Add(91 * time.Second)
	assert.False(t, h.Ready(), "stale reconciliation")

	h.ReconcileSucceeded(now)
	h.Set("reconciliation", StatusUnhealthy, "blind")
	assert.False(t, h.Ready())
	assert.Equal(t, StatusUnhealthy, h.Overall())
}

func TestHealthDegradesOnFailuresAndKillSwitch(t *testing.T) {
	h := NewHealth(time.Minute)
	h.Set("exchange", StatusHealthy, "")

	assert.Equal(t, 1, h.ReconcileFailed())
	assert.Equal(t, StatusDegraded, h.Overall())

	h.ReconcileSucceeded(time.Now().UTC())
	assert.Equal(t, StatusHealthy, h.Overall())

	h.SetKillSwitch(true, "DAILY_LOSS")
	r := h.Report()
	assert.Equal(t, StatusDegraded, r.Status)
	assert.True(t, r.KillSwitch)
	assert.Equal(t, "DAILY_LOSS", r.KillReason)
	assert.Contains(t, r.Components, "exchange")
}
