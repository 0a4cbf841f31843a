// Package engine runs the per-symbol trading cycles around a single-writer
// coordinator and owns startup restore and graceful shutdown.
package engine

import (
	"context"
	"time"

	"trading-agent/internal/monitor"
	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
)

// Service is the read-only view the HTTP layer depends on.
type Service interface {
	Status(ctx context.Context) (*Status, error)
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Venue      string    `json:"venue"`
	Symbols    []string  `json:"symbols"`
	Interval   string    `json:"interval"`
	Stopping   bool      `json:"stopping"`
	StartedAt  time.Time `json:"started_at"`
	ServerTime time.Time `json:"server_time"`
}

// Status is served by /api/status.
type Status struct {
	System     SystemStatus     `json:"system"`
	Risk       risk.RiskState   `json:"risk"`
	Positions  []state.Position `json:"positions"`
	OpenOrders []order.Order    `json:"open_orders"`
	Health     monitor.Report   `json:"health"`
}
