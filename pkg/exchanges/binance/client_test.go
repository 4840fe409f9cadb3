package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		creds:        common.Credentials{APIKey: "k", APISecret: "s"},
		res:          common.NewResources(1000, 5*time.Second),
		baseOverride: srv.URL,
	}
}

// Market buys and sells must travel through different request fields:
// quoteOrderQty spends quote currency, quantity disposes of base units.
func TestPlaceOrderMarketFieldRouting(t *testing.T) {
	var captured url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.Write([]byte(`{"orderId":42,"clientOrderId":"cid","status":"FILLED","executedQty":"0.002","origQty":"0.002"}`))
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideBuy,
		Params: common.MarketParams{Amount: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.Equal(t, "100", captured.Get("quoteOrderQty"))
	assert.Empty(t, captured.Get("quantity"))
	assert.Equal(t, "MARKET", captured.Get("type"))
	assert.Equal(t, "BUY", captured.Get("side"))

	_, err = c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideSell,
		Params: common.MarketParams{Amount: 0.002},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.002", captured.Get("quantity"))
	assert.Empty(t, captured.Get("quoteOrderQty"))
	assert.Equal(t, "SELL", captured.Get("side"))
}

func TestPlaceOrderStopLossVariants(t *testing.T) {
	var captured url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.Write([]byte(`{"orderId":7,"status":"NEW","executedQty":"0","origQty":"0.5"}`))
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideSell,
		Params: common.StopLossParams{Qty: 0.5, TriggerPrice: 55000},
	})
	require.NoError(t, err)
	assert.Equal(t, "STOP_LOSS", captured.Get("type"))
	assert.Equal(t, "55000", captured.Get("stopPrice"))

	_, err = c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideSell,
		Params: common.StopLossParams{Qty: 0.5, TriggerPrice: 55000, LimitPrice: 54900},
	})
	require.NoError(t, err)
	assert.Equal(t, "STOP_LOSS_LIMIT", captured.Get("type"))
	assert.Equal(t, "54900", captured.Get("price"))
	assert.Equal(t, "GTC", captured.Get("timeInForce"))
}

// allOrders has no account-wide mode, so a symbol-less sweep must come
// back empty instead of burning a request the API will reject.
func TestOrderHistoryWithoutSymbolSkipsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})

	records, err := c.GetOrderHistory(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// Spot cannot attach protective legs to an entry order; sending the entry
// anyway would silently discard the caller's stop-loss and take-profit.
func TestPlaceOrderComboRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideBuy,
		Params: common.ComboParams{Qty: 0.5, Price: 48000, StopLossPrice: 46000, TakeProfitPrice: 52000},
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindOrder))
	assert.Contains(t, err.Error(), "combo")
}

func TestSignedRequestShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "5000", q.Get("recvWindow"))
		assert.NotEmpty(t, q.Get("signature"))
		w.Write([]byte(`{"balances":[{"asset":"USDT","free":"12.5","locked":"0.5"}]}`))
	})

	balances, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.Contains(t, balances, "USDT")
	assert.Equal(t, 12.5, balances["USDT"].Available)
	assert.Equal(t, 0.5, balances["USDT"].Reserved)
	assert.Equal(t, 13.0, balances["USDT"].Total)
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   common.Kind
	}{
		{"throttled", 429, `{"code":-1003,"msg":"Too many requests"}`, common.KindRateLimit},
		{"bad signature", 401, `{"code":-2014,"msg":"API-key format invalid"}`, common.KindAuth},
		{"no funds", 400, `{"code":-2010,"msg":"Account has insufficient balance"}`, common.KindInsufficientFunds},
		{"unknown order", 400, `{"code":-2013,"msg":"Order does not exist"}`, common.KindNotFound},
		{"bad symbol", 400, `{"code":-1121,"msg":"Invalid symbol"}`, common.KindNotFound},
		{"server down", 503, `{}`, common.KindNetwork},
		{"rejected", 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, common.KindOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapHTTPError(tt.status, []byte(tt.body))
			assert.True(t, common.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, common.StatusOpen, mapStatus("NEW"))
	assert.Equal(t, common.StatusPartial, mapStatus("PARTIALLY_FILLED"))
	assert.Equal(t, common.StatusFilled, mapStatus("FILLED"))
	assert.Equal(t, common.StatusCancelled, mapStatus("CANCELED"))
	assert.Equal(t, common.StatusFailed, mapStatus("REJECTED"))
	assert.Equal(t, common.StatusUnknown, mapStatus("WAT"))
}

func TestPrecisionOf(t *testing.T) {
	assert.Equal(t, 2, precisionOf("0.01"))
	assert.Equal(t, 0, precisionOf("1.00000000"))
	assert.Equal(t, 8, precisionOf("0.00000001"))
}
