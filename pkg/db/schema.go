package db

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		intent TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fills (
		client_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		cumulative_qty DOUBLE PRECISION NOT NULL,
		filled_at TEXT NOT NULL,
		PRIMARY KEY (client_order_id, cumulative_qty)
	)`,
	`CREATE TABLE IF NOT EXISTS discrepancies (
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		local_size DOUBLE PRECISION NOT NULL,
		exchange_size DOUBLE PRECISION NOT NULL,
		local_entry DOUBLE PRECISION NOT NULL,
		exchange_entry DOUBLE PRECISION NOT NULL,
		detected_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_discrepancies_detected ON discrepancies(detected_at)`,
}

// ApplyMigrations creates the journal tables. It is idempotent.
func ApplyMigrations(ctx context.Context, d *Database) error {
	if d.Dialect == SQLite {
		if _, err := d.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	for i, m := range migrations {
		if _, err := d.DB.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
