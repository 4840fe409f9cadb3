package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"exchange-core/internal/queue"
	"exchange-core/internal/request"
	"exchange-core/pkg/cache"
	"exchange-core/pkg/exchanges/common"
)

// TradeExecutor runs the composite create-and-execute-trade operation: it
// owns the ledger row lifecycle around the exchange call.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, userID, brokerID string, payload OrderPayload) (any, error)
}

// Worker consumes queued requests, dispatches them to broker adapters, and
// publishes responses to each request's reply channel.
type Worker struct {
	transport queue.Transport
	manager   *Manager
	executor  TradeExecutor
	tickers   *cache.TickerCache

	handlers map[string]handlerFunc
}

// tickerFreshness bounds how stale a cached ticker may be before the worker
// asks the exchange again.
const tickerFreshness = 2 * time.Second

type handlerFunc func(ctx context.Context, req queue.Request) (any, error)

// NewWorker builds a worker with the full action dispatch table.
func NewWorker(transport queue.Transport, manager *Manager, executor TradeExecutor) *Worker {
	w := &Worker{
		transport: transport,
		manager:   manager,
		executor:  executor,
		tickers:   cache.NewTickerCache(),
	}
	w.handlers = map[string]handlerFunc{
		request.ActionTestConnection: w.handleTestConnection,
		request.ActionFetchBalance:   w.handleFetchBalance,
		request.ActionFetchMarkets:   w.handleFetchMarkets,
		request.ActionFetchTicker:    w.handleFetchTicker,
		request.ActionFetchTickers:   w.handleFetchTickers,
		request.ActionOpenOrders:     w.handleOpenOrders,
		request.ActionOrderHistory:   w.handleOrderHistory,
		request.ActionOrderInfo:      w.handleOrderInfo,
		request.ActionPreloadBrokers: w.handlePreloadBrokers,
		request.ActionPlaceOrder:     w.handlePlaceOrder,
		request.ActionCancelOrder:    w.handleCancelOrder,
		request.ActionModifyOrder:    w.handleModifyOrder,
		request.ActionExecuteTrade:   w.handleExecuteTrade,
	}
	return w
}

// Run consumes requests until ctx is cancelled. Each request is handled on
// its own goroutine so one slow exchange cannot stall the queue.
func (w *Worker) Run(ctx context.Context) error {
	requests, err := w.transport.Requests(ctx)
	if err != nil {
		return fmt.Errorf("subscribe requests: %w", err)
	}
	log.Printf("gateway worker started (%d actions)", len(w.handlers))
	for req := range requests {
		go w.handle(ctx, req)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, req queue.Request) {
	started := time.Now()
	res := queue.Response{RequestID: req.ID, CreatedAt: time.Now().UTC()}

	handler, ok := w.handlers[req.Action]
	if !ok {
		err := common.NewError(common.KindUnknownAction, "", "", "unknown action "+req.Action)
		res.ErrorKind = string(common.KindUnknownAction)
		res.Error = err.Error()
		observeRequest(req.Action, "unknown_action", time.Since(started))
		w.reply(ctx, req, res)
		return
	}

	data, err := handler(ctx, req)
	if err != nil {
		kind := common.KindOf(err)
		res.ErrorKind = string(kind)
		res.Error = errorMessage(err, kind)
		if req.BrokerID != "" && common.IsKind(err, common.KindNetwork) {
			w.manager.RecordFailure(req.BrokerID)
		}
		observeRequest(req.Action, string(kind), time.Since(started))
		w.reply(ctx, req, res)
		return
	}

	if req.BrokerID != "" {
		w.manager.RecordSuccess(req.BrokerID)
	}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			res.ErrorKind = string(common.KindExchange)
			res.Error = "encode response: " + merr.Error()
			observeRequest(req.Action, "encode_error", time.Since(started))
			w.reply(ctx, req, res)
			return
		}
		res.Data = raw
	}
	res.OK = true
	observeRequest(req.Action, "ok", time.Since(started))
	w.reply(ctx, req, res)
}

// errorMessage hides detail for authorization failures: the caller learns
// only that access was denied, never whether the broker exists.
func errorMessage(err error, kind common.Kind) string {
	if kind == common.KindAuthorization {
		return "access denied"
	}
	return err.Error()
}

func (w *Worker) reply(ctx context.Context, req queue.Request, res queue.Response) {
	if req.ReplyTo == "" {
		return
	}
	if err := w.transport.PublishResponse(ctx, req.ReplyTo, res); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("publish response for %s failed: %v", req.ID, err)
	}
}

// --- Action handlers ---

func (w *Worker) handleTestConnection(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	status, err := adapter.TestConnection(ctx)
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (w *Worker) handleFetchBalance(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	return adapter.GetBalance(ctx)
}

func (w *Worker) handleFetchMarkets(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	return adapter.GetMarkets(ctx)
}

func (w *Worker) handleFetchTicker(ctx context.Context, req queue.Request) (any, error) {
	adapter, broker, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p SymbolPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, common.NewError(common.KindOrder, "", "", "invalid ticker payload")
	}
	key := cache.Key(broker.ExchangeType, p.Symbol)
	if t, ok := w.tickers.GetFresh(key, tickerFreshness); ok {
		return t, nil
	}
	ticker, err := adapter.GetTicker(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}
	w.tickers.Set(key, ticker)
	return ticker, nil
}

func (w *Worker) handleFetchTickers(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p SymbolsPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, common.NewError(common.KindOrder, "", "", "invalid tickers payload")
		}
	}
	return adapter.FetchTickers(ctx, p.Symbols)
}

func (w *Worker) handleOpenOrders(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p SymbolPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, common.NewError(common.KindOrder, "", "", "invalid open orders payload")
		}
	}
	return adapter.GetOpenOrders(ctx, p.Symbol)
}

func (w *Worker) handleOrderHistory(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p HistoryPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, common.NewError(common.KindOrder, "", "", "invalid history payload")
		}
	}
	return adapter.GetOrderHistory(ctx, p.Symbol, p.Limit)
}

// handleOrderInfo resolves one order by id, checking the open book first and
// falling back to recent history for orders that already left it.
func (w *Worker) handleOrderInfo(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p CancelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.OrderID == "" {
		return nil, common.NewError(common.KindOrder, "", "", "invalid order info payload")
	}

	open, err := adapter.GetOpenOrders(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderID == p.OrderID {
			return open[i], nil
		}
	}
	history, err := adapter.GetOrderHistory(ctx, p.Symbol, orderInfoHistoryDepth)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].OrderID == p.OrderID {
			return history[i], nil
		}
	}
	return nil, common.NewError(common.KindNotFound, adapter.Name(), "", "order not found")
}

const orderInfoHistoryDepth = 100

func (w *Worker) handlePreloadBrokers(ctx context.Context, req queue.Request) (any, error) {
	warmed, err := w.manager.Preload(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"preloaded": warmed}, nil
}

func (w *Worker) handlePlaceOrder(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p OrderPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, common.NewError(common.KindOrder, "", "", "invalid order payload")
	}
	orderReq, err := p.ToRequest()
	if err != nil {
		return nil, err
	}
	return adapter.PlaceOrder(ctx, orderReq)
}

func (w *Worker) handleCancelOrder(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p CancelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, common.NewError(common.KindOrder, "", "", "invalid cancel payload")
	}
	if p.OrderID == "" {
		return nil, common.NewError(common.KindOrder, "", "", "order_id is required")
	}
	if err := adapter.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
		return nil, err
	}
	return map[string]string{"cancelled": p.OrderID}, nil
}

func (w *Worker) handleModifyOrder(ctx context.Context, req queue.Request) (any, error) {
	adapter, _, err := w.manager.AdapterFor(ctx, req.UserID, req.BrokerID)
	if err != nil {
		return nil, err
	}
	var p ModifyPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, common.NewError(common.KindOrder, "", "", "invalid modify payload")
	}
	if p.OrderID == "" {
		return nil, common.NewError(common.KindOrder, "", "", "order_id is required")
	}
	return adapter.ModifyOrder(ctx, p.Symbol, p.OrderID, p.NewPrice, p.NewQty)
}

func (w *Worker) handleExecuteTrade(ctx context.Context, req queue.Request) (any, error) {
	if w.executor == nil {
		return nil, common.NewError(common.KindUnknownAction, "", "", "trade execution is not enabled")
	}
	var p OrderPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, common.NewError(common.KindOrder, "", "", "invalid trade payload")
	}
	return w.executor.ExecuteTrade(ctx, req.UserID, req.BrokerID, p)
}
