package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/internal/events"
	"trading-agent/internal/order"
	"trading-agent/internal/state"
	"trading-agent/pkg/db"
)

const journalBuffer = 256

// Journal copies order updates, fills and discrepancies from the bus into
// the SQL journal. It is an observer: a full subscription drops events
// rather than slowing the trading path.
type Journal struct {
	writer *BatchWriter
	bus    *events.Bus
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewJournal writes through a batch writer on database.
func NewJournal(database *db.Database, bus *events.Bus, log zerolog.Logger) *Journal {
	return &Journal{
		writer: NewBatchWriter(database, 50, 500*time.Millisecond, log),
		bus:    bus,
		log:    log.With().Str("component", "journal").Logger(),
	}
}

// Start subscribes and consumes until ctx ends.
func (j *Journal) Start(ctx context.Context) {
	orders, unsubOrders := j.bus.Subscribe(events.EventOrderUpdate, journalBuffer)
	diffs, unsubDiffs := j.bus.Subscribe(events.EventDiscrepancy, journalBuffer)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer unsubOrders()
		defer unsubDiffs()
		for {
			select {
			case <-ctx.Done():
				j.drain(orders, diffs)
				return
			case msg, ok := <-orders:
				if !ok {
					return
				}
				j.handle(msg)
			case msg, ok := <-diffs:
				if !ok {
					return
				}
				j.handle(msg)
			}
		}
	}()
}

// drain records what was already delivered before shutdown.
func (j *Journal) drain(chans ...<-chan any) {
	for _, ch := range chans {
	loop:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				j.handle(msg)
			default:
				break loop
			}
		}
	}
}

func (j *Journal) handle(msg any) {
	switch v := msg.(type) {
	case order.Event:
		j.recordOrder(v)
	case state.Discrepancy:
		j.recordDiscrepancy(v)
	}
}

func (j *Journal) recordOrder(ev order.Event) {
	o := ev.Order
	j.writer.Write(db.UpsertOrder(db.OrderRecord{
		ClientOrderID: o.ClientOrderID,
		OrderID:       o.OrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Intent:        string(o.Action),
		Quantity:      o.Quantity,
		FilledQty:     o.FilledQty,
		AvgPrice:      o.AvgPrice,
		State:         string(o.State),
		RetryCount:    o.RetryCount,
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.LastUpdate,
	}))
	if f := ev.Fill; f != nil {
		j.writer.Write(db.InsertFill(db.FillRecord{
			ClientOrderID: f.ClientOrderID,
			Symbol:        f.Symbol,
			Side:          string(f.Side),
			Qty:           f.Qty,
			Price:         f.Price,
			CumulativeQty: f.CumulativeQty,
			FilledAt:      f.Time,
		}))
	}
}

func (j *Journal) recordDiscrepancy(d state.Discrepancy) {
	j.writer.Write(db.InsertDiscrepancy(db.DiscrepancyRecord{
		Symbol:        d.Symbol,
		Kind:          string(d.Kind),
		LocalSize:     d.LocalSize,
		ExchangeSize:  d.ExchangeSize,
		LocalEntry:    d.LocalEntry,
		ExchangeEntry: d.ExchangeEntry,
		DetectedAt:    d.DetectedAt,
	}))
}

// Close waits for the consumer to stop and flushes the writer. Cancel the
// Start context first.
func (j *Journal) Close() error {
	j.wg.Wait()
	if m := j.writer.GetMetrics(); m.TotalErrors > 0 {
		j.log.Warn().Uint64("errors", m.TotalErrors).Uint64("writes", m.TotalWrites).Msg("journal closed with write errors")
	}
	return j.writer.Close()
}
