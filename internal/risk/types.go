package risk

import (
	"fmt"
	"time"

	"trading-agent/internal/state"
	"trading-agent/pkg/config"
)

// Reason names the limit that denied an authorization.
type Reason string

const (
	ReasonMaxPositions Reason = "MAX_POSITIONS"
	ReasonMaxSize      Reason = "MAX_SIZE"
	ReasonDailyLoss    Reason = "DAILY_LOSS"
	ReasonDrawdown     Reason = "DRAWDOWN"
	ReasonKillSwitch   Reason = "KILL_SWITCH"
)

// Limits bounds exposure and losses for one session.
type Limits struct {
	MaxPositions    int
	PositionSize    float64 // fixed quantity per entry
	MaxPositionSize float64
	PositionSizePct float64 // fraction of available balance per entry
	MaxDailyLoss    float64 // quote currency
	MaxDrawdown     float64 // fraction of peak equity
}

// LimitsFromConfig gathers the limits spread over the strategy and risk sections.
func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{
		MaxPositions:    cfg.Strategy.MaxPositions,
		PositionSize:    cfg.Strategy.PositionSize,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		PositionSizePct: cfg.Risk.PositionSizePct,
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxDrawdown:     cfg.Risk.MaxDrawdown,
	}
}

// ProposedTrade is what the coordinator asks permission for.
type ProposedTrade struct {
	ClientOrderID string
	Symbol        string
	Intent        state.Intent
	Side          state.Side // side of the resulting position for ENTER
	Qty           float64
	Price         float64
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Err returns the denial as a *LimitError, nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Reason: d.Reason, Detail: d.Detail}
}

// LimitError is a policy denial. It is not retried: the answer only changes
// when state does.
type LimitError struct {
	Reason Reason
	Detail string
}

func (e *LimitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk limit exceeded: %s", e.Reason)
	}
	return fmt.Sprintf("risk limit exceeded: %s (%s)", e.Reason, e.Detail)
}

// RiskState is the per-session record persisted across restarts.
type RiskState struct {
	Session           string    `json:"session"` // UTC date, 2006-01-02
	DailyRealizedPnL  float64   `json:"daily_realized_pnl"`
	PeakEquity        float64   `json:"peak_equity"`
	LastEquity        float64   `json:"last_equity"`
	CurrentDrawdown   float64   `json:"current_drawdown"`
	OpenPositionCount int       `json:"open_position_count"`
	KillSwitchActive  bool      `json:"kill_switch_active"`
	KillReason        string    `json:"kill_reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SessionOf returns the session key of t.
func SessionOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
