package bitget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
		creds:        common.Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"},
		res:          common.NewResources(1000, 5*time.Second),
		baseOverride: srv.URL,
	}
}

func writeEnvelope(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"code":"00000","msg":"success","data":` + data + `}`))
}

const symbolsPayload = `[{
	"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT",
	"minTradeAmount":"0.0001","maxTradeAmount":"1000",
	"pricePrecision":"2","quantityPrecision":"4",
	"minTradeUSDT":"5","status":"online",
	"takerFeeRate":"0.001","makerFeeRate":"0.001"
}]`

func TestPlaceOrderMarketSizing(t *testing.T) {
	var captured map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/spot/public/symbols":
			writeEnvelope(w, symbolsPayload)
		case "/api/v2/spot/trade/place-order":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			writeEnvelope(w, `{"orderId":"1001","clientOid":"abc"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	// A market buy is sized in quote currency.
	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     common.SideBuy,
		Params:   common.MarketParams{Amount: 150.5},
		ClientID: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", res.OrderID)
	assert.Equal(t, "market", captured["orderType"])
	assert.Equal(t, "buy", captured["side"])
	assert.Equal(t, "150.5", captured["size"])
	assert.Equal(t, "abc", captured["clientOid"])

	// A market sell is sized in base units with quantity precision.
	_, err = c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideSell,
		Params: common.MarketParams{Amount: 0.00123456},
	})
	require.NoError(t, err)
	assert.Equal(t, "sell", captured["side"])
	assert.Equal(t, "0.0012", captured["size"])
}

func TestPlaceOrderComboAttachesBothProtectivePrices(t *testing.T) {
	var captured map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/spot/public/symbols":
			writeEnvelope(w, symbolsPayload)
		case "/api/v2/spot/trade/place-order":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			writeEnvelope(w, `{"orderId":"1002","clientOid":""}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideBuy,
		Params: common.ComboParams{Qty: 0.5, Price: 60000, StopLossPrice: 55000, TakeProfitPrice: 70000},
	})
	require.NoError(t, err)
	assert.Equal(t, "limit", captured["orderType"])
	assert.Equal(t, "60000", captured["price"])
	assert.Equal(t, "55000", captured["presetStopLossPrice"])
	assert.Equal(t, "70000", captured["presetTakeProfitPrice"])
}

func TestGetOpenOrdersMergesPlanOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/spot/trade/unfilled-orders", r.URL.Path)
		switch r.URL.Query().Get("tpslType") {
		case "normal":
			writeEnvelope(w, `[{"orderId":"1","symbol":"BTCUSDT","side":"buy","orderType":"limit","size":"0.5","status":"live","price":"60000"}]`)
		case "tpsl":
			writeEnvelope(w, `[{"orderId":"2","symbol":"BTCUSDT","side":"sell","orderType":"market","size":"0.5","status":"not_trigger","triggerPrice":"55000","presetStopLossPrice":"55000"}]`)
		default:
			t.Fatalf("missing tpslType in %s", r.URL.RawQuery)
		}
	})

	orders, err := c.GetOpenOrders(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, common.OrderTypeLimit, orders[0].Type)
	assert.Equal(t, common.StatusOpen, orders[0].Status)

	assert.Equal(t, common.OrderTypeStopLoss, orders[1].Type)
	assert.Equal(t, common.StatusOpen, orders[1].Status)
	assert.Equal(t, 55000.0, orders[1].TriggerPrice)
	assert.Equal(t, "BTC/USDT", orders[1].Symbol)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		msg  string
		kind common.Kind
	}{
		{"40429", "request too frequent", common.KindRateLimit},
		{"40001", "insufficient balance", common.KindInsufficientFunds},
		{"40034", "order does not exist", common.KindNotFound},
		{"40012", "signature error", common.KindAuth},
		{"40007", "order price out of range", common.KindOrder},
		{"50067", "system busy", common.KindExchange},
	}
	for _, tt := range tests {
		err := mapError(tt.code, tt.msg)
		assert.True(t, common.IsKind(err, tt.kind), "code %s: got %v", tt.code, err)
	}
}

func TestOrderErrorSurfacesTaxonomy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/spot/public/symbols" {
			writeEnvelope(w, symbolsPayload)
			return
		}
		w.Write([]byte(`{"code":"40001","msg":"Insufficient balance","data":null}`))
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   common.SideBuy,
		Params: common.MarketParams{Amount: 1e9},
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInsufficientFunds))
}

func TestSymbolRoundTrip(t *testing.T) {
	assert.Equal(t, "BTCUSDT", normalizeSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", normalizeSymbol("eth/btc"))
	assert.Equal(t, "BTC/USDT", denormalizeSymbol("BTCUSDT"))
	assert.Equal(t, "SOL/USDC", denormalizeSymbol("SOLUSDC"))
}
