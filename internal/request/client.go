// Package request provides the synchronous façade over the queue transport:
// callers issue one operation and block until its response or a per-action
// timeout.
package request

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"exchange-core/internal/queue"
	"exchange-core/pkg/exchanges/common"
)

// Actions understood by the gateway worker.
const (
	ActionTestConnection = "test_connection"
	ActionFetchBalance   = "fetch_balance"
	ActionFetchMarkets   = "fetch_markets"
	ActionFetchTicker    = "fetch_ticker"
	ActionFetchTickers   = "fetch_tickers"
	ActionOpenOrders     = "fetch_open_orders"
	ActionOrderHistory   = "fetch_order_history"
	ActionOrderInfo      = "get_order_info"
	ActionPreloadBrokers = "preload_brokers"
	ActionPlaceOrder     = "place_order"
	ActionCancelOrder    = "cancel_order"
	ActionModifyOrder    = "modify_order"
	ActionExecuteTrade   = "create_and_execute_trade"
)

// Timeout tiers per action class.
const (
	readTimeout    = 60 * time.Second
	listingTimeout = 90 * time.Second
	orderTimeout   = 120 * time.Second
)

// TimeoutError reports which action timed out and after how long; the queue
// entry may still be processed later, but its response will expire unread.
type TimeoutError struct {
	Action  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Action, e.Elapsed.Round(time.Millisecond))
}

// Timeouts maps action names to their timeout class. Unknown actions get the
// read tier.
func timeoutFor(action string) time.Duration {
	switch action {
	case ActionPlaceOrder, ActionCancelOrder, ActionModifyOrder, ActionExecuteTrade:
		return orderTimeout
	case ActionOpenOrders, ActionOrderHistory:
		return listingTimeout
	default:
		return readTimeout
	}
}

// Client issues queue requests and correlates responses to waiting callers.
// Each in-flight request owns a oneshot channel in the correlation map;
// responses for ids nobody waits on anymore are dropped.
type Client struct {
	transport queue.Transport
	replyTo   string

	mu      sync.Mutex
	pending map[string]chan queue.Response
}

// NewClient starts the response dispatcher. ctx bounds the dispatcher's
// lifetime.
func NewClient(ctx context.Context, transport queue.Transport) (*Client, error) {
	c := &Client{
		transport: transport,
		replyTo:   "excore:responses:" + uuid.NewString(),
		pending:   make(map[string]chan queue.Response),
	}
	responses, err := transport.Responses(ctx, c.replyTo)
	if err != nil {
		return nil, err
	}
	go c.dispatch(responses)
	return c, nil
}

func (c *Client) dispatch(responses <-chan queue.Response) {
	for res := range responses {
		c.mu.Lock()
		ch, ok := c.pending[res.RequestID]
		if ok {
			delete(c.pending, res.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Late response after its caller timed out; consume and drop.
			continue
		}
		ch <- res
	}
}

// Do issues one action for a user's broker and blocks until the response,
// the action-class timeout, or ctx cancellation. The result payload is
// decoded into out when out is non-nil.
func (c *Client) Do(ctx context.Context, userID, brokerID, action string, payload any, out any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	id := uuid.NewString()
	ch := make(chan queue.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := queue.Request{
		ID:        id,
		UserID:    userID,
		BrokerID:  brokerID,
		Action:    action,
		Payload:   raw,
		ReplyTo:   c.replyTo,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.transport.PublishRequest(ctx, req); err != nil {
		c.forget(id)
		return fmt.Errorf("publish request: %w", err)
	}

	timeout := timeoutFor(action)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	started := time.Now()

	select {
	case res := <-ch:
		return decodeResponse(res, action, out)
	case <-timer.C:
		c.forget(id)
		log.Printf("request %s (%s) expired after %s", id, action, timeout)
		return &TimeoutError{Action: action, Elapsed: time.Since(started)}
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func decodeResponse(res queue.Response, action string, out any) error {
	if !res.OK {
		kind := common.Kind(res.ErrorKind)
		if kind == "" {
			kind = common.KindExchange
		}
		return common.NewError(kind, "", "", res.Error)
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}
