// Package ledger owns the trade ledger lifecycle: every exchange-bound trade
// gets a pending row before any network call, and moves exactly once to
// filled or failed.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"exchange-core/pkg/db"
)

// CanTransition reports whether a ledger status change is legal. pending may
// move to filled or failed; terminal states accept nothing.
func CanTransition(from, to string) bool {
	if from != db.TradePending {
		return false
	}
	return to == db.TradeFilled || to == db.TradeFailed
}

// Ledger wraps the trade tables with lifecycle semantics.
type Ledger struct {
	queries *db.UserQueries
}

// New creates a Ledger over the given query set.
func New(queries *db.UserQueries) *Ledger {
	return &Ledger{queries: queries}
}

// PendingParams describes a trade about to be sent to an exchange.
type PendingParams struct {
	UserID    string
	BrokerID  string
	Exchange  string
	Symbol    string
	Side      string
	OrderType string
	Quantity  float64
	Price     float64
}

// CreatePending inserts the pending row and returns it. TotalValue is the
// notional at request time; the fill transition replaces it with executed
// notional.
func (l *Ledger) CreatePending(ctx context.Context, p PendingParams) (*db.Trade, error) {
	t := db.Trade{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		BrokerID:   p.BrokerID,
		Exchange:   p.Exchange,
		Symbol:     p.Symbol,
		Side:       p.Side,
		OrderType:  p.OrderType,
		Quantity:   p.Quantity,
		Price:      p.Price,
		TotalValue: p.Quantity * p.Price,
		Status:     db.TradePending,
		Source:     db.SourceManual,
	}
	if err := l.queries.CreateTrade(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Fill moves a pending trade to filled with the execution facts. Returns
// db.ErrTradeFinalized when the row already left pending.
func (l *Ledger) Fill(ctx context.Context, tradeID, exchangeOrderID string, filledQty, avgPrice, fees float64, feeCurrency string) error {
	return l.queries.MarkTradeFilled(ctx, tradeID, exchangeOrderID, filledQty, avgPrice, fees, feeCurrency, time.Now().UTC())
}

// Fail moves a pending trade to failed with the failure reason.
func (l *Ledger) Fail(ctx context.Context, tradeID, reason string) error {
	return l.queries.MarkTradeFailed(ctx, tradeID, reason)
}

// DetectedParams describes a fill discovered on the exchange that has no
// ledger row yet.
type DetectedParams struct {
	UserID          string
	BrokerID        string
	Exchange        string
	Symbol          string
	Side            string
	OrderType       string
	Quantity        float64
	Price           float64
	Fees            float64
	FeeCurrency     string
	ExchangeOrderID string
	ExecutedAt      time.Time
}

// RecordDetected inserts a trade discovered by reconciliation directly in
// the filled state, attributed to the monitor.
func (l *Ledger) RecordDetected(ctx context.Context, p DetectedParams) (*db.Trade, error) {
	t := db.Trade{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		BrokerID:        p.BrokerID,
		Exchange:        p.Exchange,
		Symbol:          p.Symbol,
		Side:            p.Side,
		OrderType:       p.OrderType,
		Quantity:        p.Quantity,
		Price:           p.Price,
		TotalValue:      p.Quantity * p.Price,
		Status:          db.TradeFilled,
		ExchangeOrderID: p.ExchangeOrderID,
		FilledQty:       p.Quantity,
		AvgFillPrice:    p.Price,
		Fees:            p.Fees,
		FeeCurrency:     p.FeeCurrency,
		Source:          db.SourceMonitor,
	}
	if !p.ExecutedAt.IsZero() {
		t.ExecutedAt.Time = p.ExecutedAt
		t.ExecutedAt.Valid = true
	}
	if err := l.queries.CreateTrade(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Seen reports whether an exchange order already has a ledger row.
func (l *Ledger) Seen(ctx context.Context, brokerID, exchangeOrderID string) (bool, error) {
	return l.queries.TradeExistsForOrder(ctx, brokerID, exchangeOrderID)
}

// Get returns one trade, verifying user ownership.
func (l *Ledger) Get(ctx context.Context, userID, tradeID string) (*db.Trade, error) {
	return l.queries.GetTradeByID(ctx, userID, tradeID)
}

// List returns recent trades for a user.
func (l *Ledger) List(ctx context.Context, userID string, limit int) ([]db.Trade, error) {
	return l.queries.GetTradesByUser(ctx, userID, limit)
}
