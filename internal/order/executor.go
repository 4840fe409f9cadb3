// Package order executes trades end to end: validate, persist a pending
// ledger row, submit to the exchange, finalize the row exactly once.
package order

import (
	"context"
	"log"
	"strings"
	"time"

	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// Executor coordinates the ledger and the gateway for trade execution.
type Executor struct {
	Ledger  *ledger.Ledger
	Manager *gateway.Manager
	Bus     *events.Bus

	// SkipBalanceCheck disables the pre-trade balance validation, e.g. when
	// the venue account is managed externally.
	SkipBalanceCheck bool
}

// NewExecutor creates an Executor.
func NewExecutor(l *ledger.Ledger, m *gateway.Manager, bus *events.Bus) *Executor {
	return &Executor{Ledger: l, Manager: m, Bus: bus}
}

// TradeResult is returned to the queue caller after execution.
type TradeResult struct {
	TradeID         string  `json:"trade_id"`
	Status          string  `json:"status"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	FilledQty       float64 `json:"filled_qty"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	Error           string  `json:"error,omitempty"`
}

// ExecuteTrade runs the composite operation behind create_and_execute_trade.
//
// The pending row is written before the exchange is contacted, so a crash
// mid-flight leaves an auditable pending trade rather than an invisible
// order. After the exchange answers, the row is finalized exactly once; the
// success notification goes out first and a ledger write failure after it is
// logged as a divergence instead of un-sending the notification.
func (e *Executor) ExecuteTrade(ctx context.Context, userID, brokerID string, payload gateway.OrderPayload) (any, error) {
	orderReq, err := payload.ToRequest()
	if err != nil {
		return nil, err
	}

	// Adapter resolution runs the ownership check before anything else.
	adapter, broker, err := e.Manager.AdapterFor(ctx, userID, brokerID)
	if err != nil {
		return nil, err
	}

	lastPrice, err := e.validate(ctx, adapter, orderReq)
	if err != nil {
		return nil, err
	}

	trade, err := e.Ledger.CreatePending(ctx, ledger.PendingParams{
		UserID:    userID,
		BrokerID:  brokerID,
		Exchange:  broker.ExchangeType,
		Symbol:    orderReq.Symbol,
		Side:      string(orderReq.Side),
		OrderType: string(orderReq.Params.OrderType()),
		Quantity:  requestedQty(orderReq, lastPrice),
		Price:     requestedPrice(orderReq, lastPrice),
	})
	if err != nil {
		return nil, common.WrapError(common.KindExchange, broker.ExchangeType, "create ledger row", err)
	}

	// Placement is never retried: a network error leaves the exchange-side
	// outcome unknown, and a blind resend could double the position. The
	// monitor picks up any fill the ack never reached us for.
	res, placeErr := adapter.PlaceOrder(ctx, orderReq)
	if placeErr != nil {
		e.finalizeFailed(ctx, trade, broker, placeErr)
		return nil, placeErr
	}

	return e.finalizeFilled(ctx, trade, broker, orderReq, res, lastPrice), nil
}

// validate mirrors the pre-trade checks: the symbol must have a live ticker
// and the account must hold enough of the spent asset. Returns the last
// traded price, used as the fill-price estimate for market orders.
func (e *Executor) validate(ctx context.Context, adapter common.Adapter, req common.OrderRequest) (float64, error) {
	// The ticker lookup doubles as symbol validation.
	ticker, err := adapter.GetTicker(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}

	if e.SkipBalanceCheck {
		return ticker.Last, nil
	}
	balances, err := adapter.GetBalance(ctx)
	if err != nil {
		return 0, err
	}

	base, quote := splitSymbol(req.Symbol)
	if req.Side == common.SideBuy {
		needed := quoteCost(req)
		if have := balances[quote].Available; have < needed {
			return 0, common.NewError(common.KindInsufficientFunds, adapter.Name(), "",
				"insufficient "+quote+" balance for buy")
		}
	} else {
		needed := baseQty(req)
		if have := balances[base].Available; have < needed {
			return 0, common.NewError(common.KindInsufficientFunds, adapter.Name(), "",
				"insufficient "+base+" balance for sell")
		}
	}
	return ticker.Last, nil
}

func (e *Executor) finalizeFilled(ctx context.Context, trade *db.Trade, broker *db.Broker, req common.OrderRequest, res common.OrderResult, lastPrice float64) TradeResult {
	filledQty := res.FilledQty
	if filledQty == 0 {
		filledQty = requestedQty(req, lastPrice)
	}
	avgPrice := requestedPrice(req, lastPrice)

	out := TradeResult{
		TradeID:         trade.ID,
		Status:          db.TradeFilled,
		ExchangeOrderID: res.OrderID,
		FilledQty:       filledQty,
		AvgFillPrice:    avgPrice,
	}

	// Notification first; a durable-write failure after it is a divergence
	// we log, not a reason to fail the already-executed trade.
	e.publish(events.EventTradeExecuted, events.TradeEvent{
		TradeID:   trade.ID,
		UserID:    trade.UserID,
		BrokerID:  trade.BrokerID,
		Exchange:  broker.ExchangeType,
		Symbol:    trade.Symbol,
		Side:      trade.Side,
		OrderType: trade.OrderType,
		Quantity:  filledQty,
		Price:     avgPrice,
		Total:     filledQty * avgPrice,
		Source:    db.SourceManual,
		At:        time.Now().UTC(),
	})

	if err := e.Ledger.Fill(ctx, trade.ID, res.OrderID, filledQty, avgPrice, 0, ""); err != nil {
		log.Printf("LEDGER DIVERGENCE: trade %s executed on %s as order %s but the fill was not recorded: %v",
			trade.ID, broker.ExchangeType, res.OrderID, err)
	}
	return out
}

func (e *Executor) finalizeFailed(ctx context.Context, trade *db.Trade, broker *db.Broker, cause error) {
	if err := e.Ledger.Fail(ctx, trade.ID, cause.Error()); err != nil {
		log.Printf("ledger: failed to mark trade %s failed: %v", trade.ID, err)
	}
	e.publish(events.EventTradeFailed, events.TradeEvent{
		TradeID:   trade.ID,
		UserID:    trade.UserID,
		BrokerID:  trade.BrokerID,
		Exchange:  broker.ExchangeType,
		Symbol:    trade.Symbol,
		Side:      trade.Side,
		OrderType: trade.OrderType,
		Quantity:  trade.Quantity,
		Error:     cause.Error(),
		Source:    db.SourceManual,
		At:        time.Now().UTC(),
	})
}

func (e *Executor) publish(event events.Event, payload any) {
	if e.Bus != nil {
		e.Bus.Publish(event, payload)
	}
}

// --- Internal helpers ---

// requestedQty is the base quantity of the request. A market buy is sized in
// quote currency, so the last traded price converts it to a base estimate.
func requestedQty(req common.OrderRequest, lastPrice float64) float64 {
	switch p := req.Params.(type) {
	case common.MarketParams:
		if req.Side == common.SideBuy && lastPrice > 0 {
			return p.Amount / lastPrice
		}
		return p.Amount
	case common.LimitParams:
		return p.Qty
	case common.StopLossParams:
		return p.Qty
	case common.TakeProfitParams:
		return p.Qty
	case common.ComboParams:
		return p.Qty
	}
	return 0
}

// requestedPrice is the reference price of the request. Market orders have no
// price of their own; the last traded price stands in.
func requestedPrice(req common.OrderRequest, lastPrice float64) float64 {
	switch p := req.Params.(type) {
	case common.LimitParams:
		return p.Price
	case common.StopLossParams:
		return p.TriggerPrice
	case common.TakeProfitParams:
		return p.TriggerPrice
	case common.ComboParams:
		return p.Price
	}
	return lastPrice
}

// quoteCost estimates the quote-currency cost of a buy.
func quoteCost(req common.OrderRequest) float64 {
	switch p := req.Params.(type) {
	case common.MarketParams:
		return p.Amount // already quote units for buys
	case common.LimitParams:
		return p.Qty * p.Price
	case common.StopLossParams:
		return p.Qty * p.TriggerPrice
	case common.TakeProfitParams:
		return p.Qty * p.TriggerPrice
	case common.ComboParams:
		return p.Qty * p.Price
	}
	return 0
}

// baseQty is the base quantity a sell disposes of. Market sells carry base
// units directly, so no price conversion is needed.
func baseQty(req common.OrderRequest) float64 {
	return requestedQty(req, 0)
}

func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}
