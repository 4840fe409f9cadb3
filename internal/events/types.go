package events

import "time"

// Event enumerates high-level topics inside the exchange core.
type Event string

const (
	EventTradeExecuted   Event = "trade_execution_success"
	EventTradeFailed     Event = "trade_execution_error"
	EventOrderStatus     Event = "order_status_update"
	EventPositionPnL     Event = "position_pnl_update"
	EventTradeDetected   Event = "new_trade_detected"
	EventOrderRepaired   Event = "protective_order_repaired"
	EventBrokerDegraded  Event = "broker_degraded"
	EventBrokerRecovered Event = "broker_recovered"
)

// TradeEvent is published when a trade reaches a terminal ledger state.
type TradeEvent struct {
	TradeID   string
	UserID    string
	BrokerID  string
	Exchange  string
	Symbol    string
	Side      string
	OrderType string
	Quantity  float64
	Price     float64
	Total     float64
	Error     string // set on failure
	Source    string
	At        time.Time
}

// OrderStatusEvent reports a status change observed on the exchange.
type OrderStatusEvent struct {
	UserID   string
	BrokerID string
	Exchange string
	Symbol   string
	OrderID  string
	Status   string
	At       time.Time
}

// PnLEvent carries realized P&L computed for a closed (part of a) position.
type PnLEvent struct {
	UserID     string
	BrokerID   string
	Symbol     string
	ClosedQty  float64
	EntryPrice float64
	ExitPrice  float64
	Realized   float64
	At         time.Time
}

// RepairEvent reports a protective order the guardian re-created.
type RepairEvent struct {
	UserID     string
	BrokerID   string
	Symbol     string
	Kind       string // "stop_loss" or "take_profit"
	Price      float64
	NewOrderID string
	At         time.Time
}

// BrokerHealthEvent reports monitor health transitions for one broker.
type BrokerHealthEvent struct {
	BrokerID          string
	Exchange          string
	ConsecutiveErrors int
	At                time.Time
}
