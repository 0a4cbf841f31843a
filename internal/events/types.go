package events

// Event enumerates topics observers can subscribe to.
type Event string

const (
	EventBarClosed     Event = "market.bar_closed"   // common.Bar
	EventSignal        Event = "strategy.signal"     // strategy.Signal
	EventOrderUpdate   Event = "order.update"        // order.Event
	EventFill          Event = "order.fill"          // order.Event carrying a fill delta
	EventPosition      Event = "position.change"     // state.Position
	EventDiscrepancy   Event = "reconciliation.diff" // state.Discrepancy
	EventRiskAlert     Event = "risk.alert"          // monitor.Alert
	EventReconcileDone Event = "reconciliation.done" // reconciliation.Report
)
