// verify_schema sanity-checks an existing database file against the expected
// schema: all tables present, the trades index in place, and no plaintext
// credential columns left behind by old migrations.
//
// Usage: go run ./scripts/verify_schema [path/to/exchange.db]
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

var expectedTables = []string{"users", "brokers", "trades", "positions", "monitor_checkpoints"}

func main() {
	dbPath := "./data/exchange.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	failed := false

	fmt.Println("\n1. Verifying tables...")
	for _, table := range expectedTables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		switch err {
		case nil:
			fmt.Printf("✓ %s table exists\n", table)
		case sql.ErrNoRows:
			fmt.Printf("❌ %s table MISSING\n", table)
			failed = true
		default:
			log.Fatalf("Query failed: %v", err)
		}
	}

	fmt.Println("\n2. Verifying trades index...")
	var idx string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_trades_user_created'").Scan(&idx)
	switch err {
	case nil:
		fmt.Println("✓ idx_trades_user_created exists")
	case sql.ErrNoRows:
		fmt.Println("❌ idx_trades_user_created MISSING")
		failed = true
	default:
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Println("\n3. Verifying broker credential columns are ciphertext-only...")
	var brokerSchema string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='brokers'").Scan(&brokerSchema)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	lower := strings.ToLower(brokerSchema)
	for _, col := range []string{"api_key_encrypted", "api_secret_encrypted", "key_version"} {
		if strings.Contains(lower, col) {
			fmt.Printf("✓ %s column present\n", col)
		} else {
			fmt.Printf("❌ %s column MISSING\n", col)
			failed = true
		}
	}
	for _, bad := range []string{"api_key text", "api_secret text", "passphrase text"} {
		if strings.Contains(lower, bad) {
			fmt.Printf("❌ plaintext credential column found: %q\n", bad)
			failed = true
		}
	}

	if failed {
		fmt.Println("\nSchema verification FAILED")
		os.Exit(1)
	}
	fmt.Println("\nSchema verification passed ✓")
}
