package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    telegram_chat_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS brokers (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_type TEXT NOT NULL,
    name TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    passphrase_encrypted TEXT DEFAULT '',
    key_version INTEGER DEFAULT 1,
    testnet BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    broker_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity REAL DEFAULT 0,
    price REAL DEFAULT 0,
    total_value REAL DEFAULT 0,
    status TEXT NOT NULL,
    exchange_order_id TEXT,
    client_order_id TEXT,
    filled_qty REAL DEFAULT 0,
    avg_fill_price REAL DEFAULT 0,
    fees REAL DEFAULT 0,
    fee_currency TEXT DEFAULT '',
    error_message TEXT DEFAULT '',
    source TEXT DEFAULT 'manual',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    executed_at DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(broker_id) REFERENCES brokers(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_user_created
    ON trades(user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_exchange_order
    ON trades(broker_id, exchange_order_id)
    WHERE exchange_order_id IS NOT NULL AND exchange_order_id != '';

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    broker_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL DEFAULT 0,
    avg_entry_price REAL DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    current_sl REAL DEFAULT 0,
    current_tp REAL DEFAULT 0,
    sl_order_id TEXT DEFAULT '',
    tp_order_id TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(broker_id) REFERENCES brokers(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_unique
    ON positions(user_id, broker_id, symbol)
    WHERE status = 'open';

CREATE TABLE IF NOT EXISTS monitor_checkpoints (
    broker_id TEXT PRIMARY KEY,
    last_check DATETIME NOT NULL,
    consecutive_errors INTEGER DEFAULT 0,
    degraded BOOLEAN DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(broker_id) REFERENCES brokers(id)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "brokers", "passphrase_encrypted", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "brokers", "key_version", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "brokers", "testnet", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "source", "TEXT DEFAULT 'manual'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "fee_currency", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "client_order_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "sl_order_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "tp_order_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "realized_pnl", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "users", "telegram_chat_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "monitor_checkpoints", "degraded", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
