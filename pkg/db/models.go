package db

import "time"

// OrderRecord is one row of the orders table.
type OrderRecord struct {
	ClientOrderID string
	OrderID       string
	Symbol        string
	Side          string
	Intent        string
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	State         string
	RetryCount    int
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FillRecord is one execution delta.
type FillRecord struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
	CumulativeQty float64
	FilledAt      time.Time
}

// DiscrepancyRecord is one reconciliation correction.
type DiscrepancyRecord struct {
	Symbol        string
	Kind          string
	LocalSize     float64
	ExchangeSize  float64
	LocalEntry    float64
	ExchangeEntry float64
	DetectedAt    time.Time
}

// Fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
