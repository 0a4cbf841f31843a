package monitor

import (
	"sync"
	"time"
)

// Status is a component or overall health level.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

var statusRank = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

// Component is the last reported health of one part of the agent.
type Component struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Report is the JSON view served by the status endpoint.
type Report struct {
	Status              Status               `json:"status"`
	Ready               bool                 `json:"ready"`
	LastReconcile       time.Time            `json:"last_reconcile,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	KillSwitch          bool                 `json:"kill_switch"`
	KillReason          string               `json:"kill_reason,omitempty"`
	Components          map[string]Component `json:"components"`
}

// Health aggregates component states into HEALTHY, DEGRADED or UNHEALTHY.
type Health struct {
	mu         sync.RWMutex
	components map[string]Component
	lastOK     time.Time
	failures   int
	kill       bool
	killReason string
	interval   time.Duration
	now        func() time.Time
}

// NewHealth creates a tracker; interval is the reconciliation cadence used
// for readiness.
func NewHealth(interval time.Duration) *Health {
	return &Health{
		components: make(map[string]Component),
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Set records the state of a named component.
func (h *Health) Set(name string, status Status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = Component{Status: status, Message: message, UpdatedAt: h.now()}
}

// ReconcileSucceeded resets the failure streak.
func (h *Health) ReconcileSucceeded(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastOK = at
	h.failures = 0
}

// ReconcileFailed extends the failure streak and returns its length.
func (h *Health) ReconcileFailed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	return h.failures
}

// SetKillSwitch mirrors the risk kill switch.
func (h *Health) SetKillSwitch(active bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kill = active
	h.killReason = reason
}

// Overall returns the worst component status. An active kill switch or a
// reconciliation failure streak degrades an otherwise healthy agent.
func (h *Health) Overall() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.overallLocked()
}

func (h *Health) overallLocked() Status {
	worst := StatusHealthy
	for _, c := range h.components {
		if statusRank[c.Status] > statusRank[worst] {
			worst = c.Status
		}
	}
	if worst == StatusHealthy && (h.kill || h.failures > 0) {
		worst = StatusDegraded
	}
	return worst
}

// Ready reports whether reconciliation succeeded within three intervals and
// nothing is UNHEALTHY.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readyLocked()
}

func (h *Health) readyLocked() bool {
	if h.lastOK.IsZero() || h.overallLocked() == StatusUnhealthy {
		return false
	}
	return h.now().Sub(h.lastOK) <= 3*h.interval
}

// Report snapshots everything for the status endpoint.
func (h *Health) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	comps := make(map[string]Component, len(h.components))
	for k, v := range h.components {
		comps[k] = v
	}
	return Report{
		Status:              h.overallLocked(),
		Ready:               h.readyLocked(),
		LastReconcile:       h.lastOK,
		ConsecutiveFailures: h.failures,
		KillSwitch:          h.kill,
		KillReason:          h.killReason,
		Components:          comps,
	}
}
