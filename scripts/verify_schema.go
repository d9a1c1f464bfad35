package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// Quick sanity check for an existing database file: confirms the tables,
// the JSON condition columns and the user index are all in place after an
// upgrade. Point it at the live file with DB_PATH.
func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./data/squareoff.db"
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"users", "exit_rules", "exit_orders"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("❌ table %s MISSING\n", table)
		case err != nil:
			log.Fatalf("Query failed: %v", err)
		default:
			fmt.Printf("✓ table %s exists\n", table)
		}
	}

	var rulesSchema string
	if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='exit_rules'").Scan(&rulesSchema); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, col := range []string{"take_profit", "stop_loss", "time_window", "highest_price", "lowest_price", "trigger_count"} {
		if strings.Contains(rulesSchema, col) {
			fmt.Printf("✓ exit_rules.%s exists\n", col)
		} else {
			fmt.Printf("❌ exit_rules.%s MISSING\n", col)
		}
	}

	var idx string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_exit_rules_user'").Scan(&idx)
	switch {
	case err == sql.ErrNoRows:
		fmt.Println("❌ idx_exit_rules_user MISSING")
	case err != nil:
		log.Fatalf("Query failed: %v", err)
	default:
		fmt.Println("✓ idx_exit_rules_user exists")
	}
}
