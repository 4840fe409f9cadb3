package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Trade status values. A trade is created pending and moves exactly once to
// filled or failed; terminal rows are never rewritten.
const (
	TradePending = "pending"
	TradeFilled  = "filled"
	TradeFailed  = "failed"
)

// Trade sources.
const (
	SourceManual  = "manual"
	SourceMonitor = "order_monitor"
)

// Position status values.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// User represents an application user.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	TelegramChatID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Broker represents a user's exchange credential set. API material is stored
// encrypted only; plaintext never touches the database.
type Broker struct {
	ID                  string
	UserID              string
	ExchangeType        string
	Name                string
	APIKeyEncrypted     string
	APISecretEncrypted  string
	PassphraseEncrypted string
	KeyVersion          int
	Testnet             bool
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Trade is one row of the trade ledger.
type Trade struct {
	ID              string
	UserID          string
	BrokerID        string
	Exchange        string
	Symbol          string
	Side            string
	OrderType       string
	Quantity        float64
	Price           float64
	TotalValue      float64
	Status          string
	ExchangeOrderID string
	ClientOrderID   string
	FilledQty       float64
	AvgFillPrice    float64
	Fees            float64
	FeeCurrency     string
	ErrorMessage    string
	Source          string
	CreatedAt       time.Time
	ExecutedAt      sql.NullTime
}

// Position tracks one open or closed position per user/broker/symbol,
// including the protective order state the guardian maintains.
type Position struct {
	ID            string
	UserID        string
	BrokerID      string
	Symbol        string
	Side          string
	Quantity      float64
	AvgEntryPrice float64
	RealizedPnL   float64
	CurrentSL     float64
	CurrentTP     float64
	SLOrderID     string
	TPOrderID     string
	Status        string
	OpenedAt      time.Time
	ClosedAt      sql.NullTime
	UpdatedAt     time.Time
}

// MonitorCheckpoint is the reconciliation cursor for one broker.
type MonitorCheckpoint struct {
	BrokerID          string
	LastCheck         time.Time
	ConsecutiveErrors int
	Degraded          bool
	UpdatedAt         time.Time
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, telegram_chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.TelegramChatID)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, COALESCE(telegram_chat_id, ''), created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TelegramChatID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by id or nil if not found.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, COALESCE(telegram_chat_id, ''), created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TelegramChatID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
