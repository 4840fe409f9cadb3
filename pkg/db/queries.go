// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")

	// ErrTradeFinalized is returned when a status transition targets a trade
	// that already left the pending state. Terminal rows are immutable.
	ErrTradeFinalized = errors.New("trade already finalized")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Broker Queries (encrypted credentials)
// ----------------------------------------

const brokerColumns = `id, user_id, exchange_type, name,
       api_key_encrypted, api_secret_encrypted, COALESCE(passphrase_encrypted, ''),
       COALESCE(key_version, 1), testnet, is_active, created_at, updated_at`

func scanBroker(row interface{ Scan(...any) error }) (Broker, error) {
	var b Broker
	err := row.Scan(&b.ID, &b.UserID, &b.ExchangeType, &b.Name,
		&b.APIKeyEncrypted, &b.APISecretEncrypted, &b.PassphraseEncrypted,
		&b.KeyVersion, &b.Testnet, &b.IsActive, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// CreateBroker inserts a broker row. Credential fields must arrive encrypted.
func (q *UserQueries) CreateBroker(ctx context.Context, b Broker) error {
	if b.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO brokers (
			id, user_id, exchange_type, name,
			api_key_encrypted, api_secret_encrypted, passphrase_encrypted,
			key_version, testnet, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, b.ID, b.UserID, b.ExchangeType, b.Name,
		b.APIKeyEncrypted, b.APISecretEncrypted, b.PassphraseEncrypted,
		b.KeyVersion, b.Testnet)
	return err
}

// GetBrokerForUser returns a broker only when it belongs to userID. A broker
// owned by someone else and a broker that does not exist are indistinguishable
// to the caller.
func (q *UserQueries) GetBrokerForUser(ctx context.Context, userID, brokerID string) (*Broker, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE id = ? AND user_id = ?`,
		brokerID, userID)
	b, err := scanBroker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query broker: %w", err)
	}
	return &b, nil
}

// GetBrokerByID returns a broker with no ownership filter. Reserved for the
// monitor and other system-internal callers; user-facing paths go through
// GetBrokerForUser.
func (q *UserQueries) GetBrokerByID(ctx context.Context, brokerID string) (*Broker, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE id = ?`, brokerID)
	b, err := scanBroker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query broker: %w", err)
	}
	return &b, nil
}

// ListBrokersByUser returns a user's brokers, active first.
func (q *UserQueries) ListBrokersByUser(ctx context.Context, userID string) ([]Broker, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE user_id = ? ORDER BY is_active DESC, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query brokers: %w", err)
	}
	defer rows.Close()

	var out []Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broker: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListActiveBrokers returns every active broker across users; the monitor
// scans these.
func (q *UserQueries) ListActiveBrokers(ctx context.Context) ([]Broker, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+brokerColumns+` FROM brokers WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active brokers: %w", err)
	}
	defer rows.Close()

	var out []Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broker: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeactivateBroker marks a broker inactive, verifying ownership.
func (q *UserQueries) DeactivateBroker(ctx context.Context, userID, brokerID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE brokers SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, brokerID, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Trade Ledger Queries
// ----------------------------------------

const tradeColumns = `id, user_id, broker_id, exchange, symbol, side, order_type,
       quantity, price, total_value, status,
       COALESCE(exchange_order_id, ''), COALESCE(client_order_id, ''),
       filled_qty, avg_fill_price, fees, COALESCE(fee_currency, ''),
       COALESCE(error_message, ''), COALESCE(source, 'manual'),
       created_at, executed_at`

func scanTrade(row interface{ Scan(...any) error }) (Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.UserID, &t.BrokerID, &t.Exchange, &t.Symbol, &t.Side,
		&t.OrderType, &t.Quantity, &t.Price, &t.TotalValue, &t.Status,
		&t.ExchangeOrderID, &t.ClientOrderID, &t.FilledQty, &t.AvgFillPrice,
		&t.Fees, &t.FeeCurrency, &t.ErrorMessage, &t.Source, &t.CreatedAt, &t.ExecutedAt)
	return t, err
}

// CreateTrade inserts a ledger row. New trades enter as pending unless the
// row was detected already filled on the exchange (monitor source).
func (q *UserQueries) CreateTrade(ctx context.Context, t Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.Status == "" {
		t.Status = TradePending
	}
	if t.Source == "" {
		t.Source = SourceManual
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, user_id, broker_id, exchange, symbol, side, order_type,
			quantity, price, total_value, status,
			exchange_order_id, client_order_id, filled_qty, avg_fill_price,
			fees, fee_currency, error_message, source, created_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
	`, t.ID, t.UserID, t.BrokerID, t.Exchange, t.Symbol, t.Side, t.OrderType,
		t.Quantity, t.Price, t.TotalValue, t.Status,
		t.ExchangeOrderID, t.ClientOrderID, t.FilledQty, t.AvgFillPrice,
		t.Fees, t.FeeCurrency, t.ErrorMessage, t.Source, t.ExecutedAt)
	return err
}

// MarkTradeFilled transitions pending → filled and records the execution
// facts. Guarded on status so a terminal row can never be rewritten; the
// second caller gets ErrTradeFinalized.
func (q *UserQueries) MarkTradeFilled(ctx context.Context, tradeID, exchangeOrderID string, filledQty, avgPrice, fees float64, feeCurrency string, executedAt time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exchange_order_id = ?, filled_qty = ?, avg_fill_price = ?,
		    fees = ?, fee_currency = ?, total_value = ?, executed_at = ?
		WHERE id = ? AND status = ?
	`, TradeFilled, exchangeOrderID, filledQty, avgPrice, fees, feeCurrency,
		filledQty*avgPrice, executedAt, tradeID, TradePending)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTradeFinalized
	}
	return nil
}

// MarkTradeFailed transitions pending → failed with the failure reason.
func (q *UserQueries) MarkTradeFailed(ctx context.Context, tradeID, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, error_message = ?, executed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, TradeFailed, reason, tradeID, TradePending)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTradeFinalized
	}
	return nil
}

// GetTradeByID returns one trade, verifying user ownership.
func (q *UserQueries) GetTradeByID(ctx context.Context, userID, tradeID string) (*Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = ? AND user_id = ?`,
		tradeID, userID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	return &t, nil
}

// GetTradesByUser returns recent trades for a user.
func (q *UserQueries) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TradeExistsForOrder reports whether a ledger row already references the
// exchange order id on this broker. The monitor uses it for dedup.
func (q *UserQueries) TradeExistsForOrder(ctx context.Context, brokerID, exchangeOrderID string) (bool, error) {
	if exchangeOrderID == "" {
		return false, nil
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trades WHERE broker_id = ? AND exchange_order_id = ?
	`, brokerID, exchangeOrderID).Scan(&n)
	return n > 0, err
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

const positionColumns = `id, user_id, broker_id, symbol, side, quantity,
       avg_entry_price, realized_pnl, current_sl, current_tp,
       COALESCE(sl_order_id, ''), COALESCE(tp_order_id, ''),
       status, opened_at, closed_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.UserID, &p.BrokerID, &p.Symbol, &p.Side, &p.Quantity,
		&p.AvgEntryPrice, &p.RealizedPnL, &p.CurrentSL, &p.CurrentTP,
		&p.SLOrderID, &p.TPOrderID, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	return p, err
}

// GetOpenPosition returns the single open position for user/broker/symbol,
// or ErrNotFound.
func (q *UserQueries) GetOpenPosition(ctx context.Context, userID, brokerID, symbol string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = ? AND broker_id = ? AND symbol = ? AND status = ?`,
		userID, brokerID, symbol, PositionOpen)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// ListOpenPositions returns all open positions for one broker.
func (q *UserQueries) ListOpenPositions(ctx context.Context, brokerID string) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE broker_id = ? AND status = ?`,
		brokerID, PositionOpen)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePosition inserts or fully replaces a position row.
func (q *UserQueries) SavePosition(ctx context.Context, p Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, broker_id, symbol, side, quantity,
			avg_entry_price, realized_pnl, current_sl, current_tp,
			sl_order_id, tp_order_id, status, opened_at, closed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			realized_pnl = excluded.realized_pnl,
			current_sl = excluded.current_sl,
			current_tp = excluded.current_tp,
			sl_order_id = excluded.sl_order_id,
			tp_order_id = excluded.tp_order_id,
			status = excluded.status,
			closed_at = excluded.closed_at,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.UserID, p.BrokerID, p.Symbol, p.Side, p.Quantity,
		p.AvgEntryPrice, p.RealizedPnL, p.CurrentSL, p.CurrentTP,
		p.SLOrderID, p.TPOrderID, p.Status, p.OpenedAt, p.ClosedAt)
	return err
}

// UpdateProtectiveOrders records protective price levels and their live
// order ids for a position.
func (q *UserQueries) UpdateProtectiveOrders(ctx context.Context, positionID string, currentSL, currentTP float64, slOrderID, tpOrderID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET current_sl = ?, current_tp = ?, sl_order_id = ?, tp_order_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, currentSL, currentTP, slOrderID, tpOrderID, positionID)
	return err
}

// ----------------------------------------
// Monitor Checkpoints
// ----------------------------------------

// GetCheckpoint returns the reconciliation cursor for a broker, or
// ErrNotFound on first scan.
func (q *UserQueries) GetCheckpoint(ctx context.Context, brokerID string) (*MonitorCheckpoint, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT broker_id, last_check, consecutive_errors, degraded, updated_at
		FROM monitor_checkpoints WHERE broker_id = ?
	`, brokerID)
	var c MonitorCheckpoint
	err := row.Scan(&c.BrokerID, &c.LastCheck, &c.ConsecutiveErrors, &c.Degraded, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return &c, nil
}

// SaveCheckpoint upserts the reconciliation cursor for a broker.
func (q *UserQueries) SaveCheckpoint(ctx context.Context, c MonitorCheckpoint) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO monitor_checkpoints (broker_id, last_check, consecutive_errors, degraded, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(broker_id) DO UPDATE SET
			last_check = excluded.last_check,
			consecutive_errors = excluded.consecutive_errors,
			degraded = excluded.degraded,
			updated_at = CURRENT_TIMESTAMP
	`, c.BrokerID, c.LastCheck, c.ConsecutiveErrors, c.Degraded)
	return err
}
