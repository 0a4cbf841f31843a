// Package strategy turns a bar window into a trading signal.
package strategy

// Direction is the recommended action for a symbol.
type Direction string

const (
	EnterLong  Direction = "ENTER_LONG"
	EnterShort Direction = "ENTER_SHORT"
	Exit       Direction = "EXIT"
	Hold       Direction = "HOLD"
)

// IsEntry reports whether d opens a position.
func (d Direction) IsEntry() bool {
	return d == EnterLong || d == EnterShort
}

// Signal is derived purely from a bar window.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	MetricValue float64   `json:"metric_value"`
	Confidence  float64   `json:"confidence"` // [0,1]
	Reason      string    `json:"reason,omitempty"`
}
