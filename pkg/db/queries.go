package db

import (
	"context"
	"fmt"
	"time"
)

// Stmt is a write that can be executed directly or batched.
type Stmt struct {
	Query string
	Args  []any
}

// Exec runs a single statement.
func (d *Database) Exec(ctx context.Context, s Stmt) error {
	if _, err := d.DB.ExecContext(ctx, d.Rebind(s.Query), s.Args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// UpsertOrder keeps the latest view of an order. Filled quantity never
// moves backwards.
func UpsertOrder(r OrderRecord) Stmt {
	return Stmt{
		Query: `
		INSERT INTO orders (client_order_id, order_id, symbol, side, intent, quantity, filled_qty, avg_price, state, retry_count, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			order_id = excluded.order_id,
			filled_qty = CASE WHEN excluded.filled_qty > orders.filled_qty THEN excluded.filled_qty ELSE orders.filled_qty END,
			avg_price = CASE WHEN excluded.filled_qty >= orders.filled_qty THEN excluded.avg_price ELSE orders.avg_price END,
			state = excluded.state,
			retry_count = excluded.retry_count,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		Args: []any{r.ClientOrderID, r.OrderID, r.Symbol, r.Side, r.Intent, r.Quantity, r.FilledQty, r.AvgPrice,
			r.State, r.RetryCount, r.Reason, formatTime(r.CreatedAt), formatTime(r.UpdatedAt)},
	}
}

// InsertFill records a fill once per (order, cumulative quantity).
func InsertFill(r FillRecord) Stmt {
	return Stmt{
		Query: `
		INSERT INTO fills (client_order_id, symbol, side, qty, price, cumulative_qty, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id, cumulative_qty) DO NOTHING`,
		Args: []any{r.ClientOrderID, r.Symbol, r.Side, r.Qty, r.Price, r.CumulativeQty, formatTime(r.FilledAt)},
	}
}

// InsertDiscrepancy appends a reconciliation correction.
func InsertDiscrepancy(r DiscrepancyRecord) Stmt {
	return Stmt{
		Query: `
		INSERT INTO discrepancies (symbol, kind, local_size, exchange_size, local_entry, exchange_entry, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{r.Symbol, r.Kind, r.LocalSize, r.ExchangeSize, r.LocalEntry, r.ExchangeEntry, formatTime(r.DetectedAt)},
	}
}

// GetOrder returns one order row.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (OrderRecord, error) {
	row := d.DB.QueryRowContext(ctx, d.Rebind(`
		SELECT client_order_id, COALESCE(order_id, ''), symbol, side, intent, quantity, filled_qty, avg_price,
			state, retry_count, COALESCE(reason, ''), created_at, updated_at
		FROM orders WHERE client_order_id = ?`), clientOrderID)
	var r OrderRecord
	var created, updated string
	if err := row.Scan(&r.ClientOrderID, &r.OrderID, &r.Symbol, &r.Side, &r.Intent, &r.Quantity, &r.FilledQty,
		&r.AvgPrice, &r.State, &r.RetryCount, &r.Reason, &created, &updated); err != nil {
		return OrderRecord{}, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

// FillsByOrder returns the fills of an order in execution order.
func (d *Database) FillsByOrder(ctx context.Context, clientOrderID string) ([]FillRecord, error) {
	rows, err := d.DB.QueryContext(ctx, d.Rebind(`
		SELECT client_order_id, symbol, side, qty, price, cumulative_qty, filled_at
		FROM fills WHERE client_order_id = ?
		ORDER BY cumulative_qty`), clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var r FillRecord
		var at string
		if err := rows.Scan(&r.ClientOrderID, &r.Symbol, &r.Side, &r.Qty, &r.Price, &r.CumulativeQty, &at); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		r.FilledAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DiscrepanciesSince returns corrections detected at or after since.
func (d *Database) DiscrepanciesSince(ctx context.Context, since time.Time) ([]DiscrepancyRecord, error) {
	rows, err := d.DB.QueryContext(ctx, d.Rebind(`
		SELECT symbol, kind, local_size, exchange_size, local_entry, exchange_entry, detected_at
		FROM discrepancies WHERE detected_at >= ?
		ORDER BY detected_at`), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []DiscrepancyRecord
	for rows.Next() {
		var r DiscrepancyRecord
		var at string
		if err := rows.Scan(&r.Symbol, &r.Kind, &r.LocalSize, &r.ExchangeSize, &r.LocalEntry, &r.ExchangeEntry, &at); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		r.DetectedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
