package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"trading-agent/pkg/db"
)

// verify_schema applies the journal migrations to DATABASE_URL (or the path
// given as the first argument) and checks that every table is queryable.
//
// Usage:
//   go run ./scripts/verify_schema journal.db
//   DATABASE_URL=postgres://... go run ./scripts/verify_schema

func main() {
	url := os.Getenv("DATABASE_URL")
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		url = "journal.db"
	}
	fmt.Printf("Verifying database at: %s\n", url)

	database, err := db.Open(url)
	if err != nil {
		fail("open", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.ApplyMigrations(ctx, database); err != nil {
		fail("migrate", err)
	}

	ok := true
	for _, table := range []string{"orders", "fills", "discrepancies"} {
		var n int
		if err := database.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			fmt.Printf("❌ %s: %v\n", table, err)
			ok = false
			continue
		}
		fmt.Printf("✓ %s (%d rows)\n", table, n)
	}
	if !ok {
		os.Exit(1)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", step, err)
	os.Exit(1)
}
