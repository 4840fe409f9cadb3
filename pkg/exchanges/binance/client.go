// Package binance implements the Binance spot v3 REST API behind the common
// adapter contract.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"exchange-core/pkg/exchanges/common"
)

const Name = "binance"

// RequestsPerSec is a conservative request budget that keeps well clear of
// Binance's weight-based bans.
const RequestsPerSec = 20

const recvWindow = 5000

// Client is a per-call Binance adapter; credentials are immutable after
// construction and connection resources are shared via common.Resources.
type Client struct {
	creds common.Credentials
	res   *common.Resources

	baseOverride string // tests only
}

// New builds an adapter value for one broker's credentials.
func New(creds common.Credentials, res *common.Resources) common.Adapter {
	return &Client{creds: creds, res: res}
}

func (c *Client) Name() string { return Name }

func (c *Client) baseURL() string {
	if c.baseOverride != "" {
		return c.baseOverride
	}
	if c.creds.Testnet {
		return "https://testnet.binance.vision"
	}
	return "https://api.binance.com"
}

// timestamp returns exchange-adjusted milliseconds when time sync is active.
func (c *Client) timestamp() int64 {
	if c.res.TimeSync != nil && c.res.TimeSync.Offset() != 0 {
		return c.res.TimeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs the query string with HMAC-SHA256 and performs the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.res.Pacer.Wait(ctx); err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "rate pacing interrupted", err)
	}

	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindow))
	sig := sign(params.Encode(), c.creds.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL() + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "build request", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)

	res, err := c.res.HTTPClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "http request", err)
	}
	defer res.Body.Close()

	if c.res.Weight != nil {
		c.res.Weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, mapHTTPError(res.StatusCode, body)
	}
	return body, nil
}

// doPublic performs an unsigned request.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.res.Pacer.Wait(ctx); err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "rate pacing interrupted", err)
	}
	endpoint := c.baseURL() + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "build request", err)
	}
	res, err := c.res.HTTPClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "http request", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, mapHTTPError(res.StatusCode, body)
	}
	return body, nil
}

// mapHTTPError translates Binance's {code,msg} rejections into the taxonomy.
func mapHTTPError(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	code := strconv.Itoa(apiErr.Code)
	msg := apiErr.Msg
	if msg == "" {
		msg = fmt.Sprintf("http status %d", status)
	}

	switch {
	case status == 429 || status == 418 || apiErr.Code == -1003:
		return common.NewError(common.KindRateLimit, Name, code, msg)
	case status == 401 || apiErr.Code == -2014 || apiErr.Code == -1022:
		return common.NewError(common.KindAuth, Name, code, msg)
	case apiErr.Code == -2010 && strings.Contains(strings.ToLower(msg), "insufficient"):
		return common.NewError(common.KindInsufficientFunds, Name, code, msg)
	case apiErr.Code == -2013 || apiErr.Code == -1121:
		return common.NewError(common.KindNotFound, Name, code, msg)
	case status >= 500:
		return common.NewError(common.KindNetwork, Name, code, msg)
	case status >= 400:
		return common.NewError(common.KindOrder, Name, code, msg)
	default:
		return common.NewError(common.KindExchange, Name, code, msg)
	}
}

func (c *Client) TestConnection(ctx context.Context) (common.ConnectionStatus, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return common.ConnectionStatus{Connected: false, Detail: err.Error()}, err
	}
	var acct struct {
		CanTrade bool `json:"canTrade"`
	}
	_ = json.Unmarshal(body, &acct)
	return common.ConnectionStatus{Connected: true, Detail: fmt.Sprintf("canTrade=%v", acct.CanTrade)}, nil
}

func (c *Client) GetBalance(ctx context.Context) (map[string]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode account", err)
	}
	out := make(map[string]common.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		out[b.Asset] = common.Balance{Available: free, Reserved: locked, Total: free + locked}
	}
	return out, nil
}

func (c *Client) GetMarkets(ctx context.Context) (map[string]common.Market, error) {
	if cached, ok := c.res.CachedMarkets(); ok {
		return cached, nil
	}
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode exchange info", err)
	}
	markets := make(map[string]common.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := common.Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.MinQty = parseFloat(f.MinQty)
				m.MaxQty = parseFloat(f.MaxQty)
				m.QtyPrecision = precisionOf(f.StepSize)
			case "PRICE_FILTER":
				m.PricePrecision = precisionOf(f.TickSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinNotional = parseFloat(f.MinNotional)
			}
		}
		markets[m.Symbol] = m
	}
	c.res.StoreMarkets(markets)
	return markets, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", normalizeSymbol(symbol))
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		if common.IsKind(err, common.KindOrder) {
			// -1121 "Invalid symbol" arrives as a 400.
			return common.Ticker{}, common.NewError(common.KindNotFound, Name, "", "unknown symbol "+symbol)
		}
		return common.Ticker{}, err
	}
	var row tickerRow
	if err := json.Unmarshal(body, &row); err != nil {
		return common.Ticker{}, common.WrapError(common.KindExchange, Name, "decode ticker", err)
	}
	t := row.toTicker()
	t.Symbol = symbol
	return t, nil
}

func (c *Client) FetchTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	var rows []tickerRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode tickers", err)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[normalizeSymbol(s)] = true
	}
	out := make(map[string]common.Ticker)
	for _, r := range rows {
		if len(symbols) > 0 && !want[r.Symbol] {
			continue
		}
		t := r.toTicker()
		t.Symbol = denormalizeSymbol(r.Symbol)
		out[t.Symbol] = t
	}
	return out, nil
}

type tickerRow struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	CloseTime          int64  `json:"closeTime"`
}

func (r tickerRow) toTicker() common.Ticker {
	return common.Ticker{
		Symbol:    r.Symbol,
		Last:      parseFloat(r.LastPrice),
		Bid:       parseFloat(r.BidPrice),
		Ask:       parseFloat(r.AskPrice),
		Volume24h: parseFloat(r.Volume),
		Change24h: parseFloat(r.PriceChangePercent),
		High24h:   parseFloat(r.HighPrice),
		Low24h:    parseFloat(r.LowPrice),
		Timestamp: r.CloseTime,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", normalizeSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	switch p := req.Params.(type) {
	case common.MarketParams:
		params.Set("type", "MARKET")
		// A market buy spends quote currency (quoteOrderQty); a market
		// sell disposes of a base quantity (quantity). These are
		// distinct API fields and must never be swapped.
		if req.Side == common.SideBuy {
			params.Set("quoteOrderQty", formatFloat(p.Amount))
		} else {
			params.Set("quantity", formatFloat(p.Amount))
		}
	case common.LimitParams:
		params.Set("type", "LIMIT")
		params.Set("quantity", formatFloat(p.Qty))
		params.Set("price", formatFloat(p.Price))
		params.Set("timeInForce", tifOf(p.TimeInForce))
	case common.StopLossParams:
		params.Set("quantity", formatFloat(p.Qty))
		params.Set("stopPrice", formatFloat(p.TriggerPrice))
		if p.LimitPrice > 0 {
			params.Set("type", "STOP_LOSS_LIMIT")
			params.Set("price", formatFloat(p.LimitPrice))
			params.Set("timeInForce", "GTC")
		} else {
			params.Set("type", "STOP_LOSS")
		}
	case common.TakeProfitParams:
		params.Set("quantity", formatFloat(p.Qty))
		params.Set("stopPrice", formatFloat(p.TriggerPrice))
		if p.LimitPrice > 0 {
			params.Set("type", "TAKE_PROFIT_LIMIT")
			params.Set("price", formatFloat(p.LimitPrice))
			params.Set("timeInForce", "GTC")
		} else {
			params.Set("type", "TAKE_PROFIT")
		}
	case common.ComboParams:
		// Binance spot cannot attach protective legs to an entry, and
		// stripping them would leave the caller unprotected without
		// knowing it.
		return common.OrderResult{}, common.NewError(common.KindOrder, Name, "",
			"combo orders are not supported on binance spot: place the stop-loss and take-profit separately after the entry fills")
	default:
		return common.OrderResult{}, common.NewError(common.KindOrder, Name, "", "unsupported order params")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		OrigQty       string `json:"origQty"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return common.OrderResult{}, common.WrapError(common.KindExchange, Name, "decode order ack", err)
	}
	executed := parseFloat(ack.ExecutedQty)
	return common.OrderResult{
		OrderID:   strconv.FormatInt(ack.OrderID, 10),
		ClientID:  ack.ClientOrderID,
		Status:    mapStatus(ack.Status),
		FilledQty: executed,
		Remaining: parseFloat(ack.OrigQty) - executed,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", normalizeSymbol(symbol))
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// ModifyOrder cancels and replaces atomically via cancelReplace. Binance
// requires the full replacement order, so unchanged fields come from the
// live order.
func (c *Client) ModifyOrder(ctx context.Context, symbol, orderID string, newPrice, newQty float64) (common.OrderResult, error) {
	cur, err := c.getOrder(ctx, symbol, orderID)
	if err != nil {
		return common.OrderResult{}, err
	}
	if newPrice == 0 {
		newPrice = cur.Price
	}
	if newQty == 0 {
		newQty = cur.Qty
	}

	params := url.Values{}
	params.Set("symbol", normalizeSymbol(symbol))
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", orderID)
	params.Set("side", strings.ToUpper(string(cur.Side)))
	params.Set("type", "LIMIT")
	params.Set("quantity", formatFloat(newQty))
	params.Set("price", formatFloat(newPrice))
	params.Set("timeInForce", "GTC")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order/cancelReplace", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack struct {
		NewOrderResponse struct {
			OrderID       int64  `json:"orderId"`
			ClientOrderID string `json:"clientOrderId"`
			Status        string `json:"status"`
		} `json:"newOrderResponse"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return common.OrderResult{}, common.WrapError(common.KindExchange, Name, "decode replace ack", err)
	}
	return common.OrderResult{
		OrderID:  strconv.FormatInt(ack.NewOrderResponse.OrderID, 10),
		ClientID: ack.NewOrderResponse.ClientOrderID,
		Status:   mapStatus(ack.NewOrderResponse.Status),
	}, nil
}

func (c *Client) getOrder(ctx context.Context, symbol, orderID string) (common.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", normalizeSymbol(symbol))
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderRecord{}, err
	}
	var row orderRow
	if err := json.Unmarshal(body, &row); err != nil {
		return common.OrderRecord{}, common.WrapError(common.KindExchange, Name, "decode order", err)
	}
	return row.toRecord(), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", normalizeSymbol(symbol))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeOrderRows(body)
}

func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]common.OrderRecord, error) {
	// /api/v3/allOrders rejects requests without a symbol, so an
	// account-wide sweep has nothing to fetch here.
	if symbol == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", normalizeSymbol(symbol))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/allOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeOrderRows(body)
}

type orderRow struct {
	OrderID             int64  `json:"orderId"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"`
	Type                string `json:"type"`
	Price               string `json:"price"`
	StopPrice           string `json:"stopPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

func (r orderRow) toRecord() common.OrderRecord {
	executed := parseFloat(r.ExecutedQty)
	var avg float64
	if quote := parseFloat(r.CummulativeQuoteQty); quote > 0 && executed > 0 {
		avg = quote / executed
	}
	return common.OrderRecord{
		OrderID:      strconv.FormatInt(r.OrderID, 10),
		Symbol:       denormalizeSymbol(r.Symbol),
		Side:         common.Side(strings.ToLower(r.Side)),
		Type:         mapOrderType(r.Type),
		Qty:          parseFloat(r.OrigQty),
		FilledQty:    executed,
		Status:       mapStatus(r.Status),
		AvgFillPrice: avg,
		TriggerPrice: parseFloat(r.StopPrice),
		Price:        parseFloat(r.Price),
		CreatedAt:    time.UnixMilli(r.Time),
		UpdatedAt:    time.UnixMilli(r.UpdateTime),
	}
}

func decodeOrderRows(body []byte) ([]common.OrderRecord, error) {
	var rows []orderRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode orders", err)
	}
	out := make([]common.OrderRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func mapOrderType(t string) common.OrderType {
	switch strings.ToUpper(t) {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT", "LIMIT_MAKER":
		return common.OrderTypeLimit
	case "STOP_LOSS", "STOP_LOSS_LIMIT":
		return common.OrderTypeStopLoss
	case "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
		return common.OrderTypeTakeProfit
	default:
		return common.OrderType(strings.ToLower(t))
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return common.StatusOpen
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL", "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusCancelled
	case "REJECTED":
		return common.StatusFailed
	default:
		return common.StatusUnknown
	}
}

// --- Internal helpers ---

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func denormalizeSymbol(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}

func tifOf(tif common.TimeInForce) string {
	if tif == "" {
		return string(common.TIFGTC)
	}
	return string(tif)
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// precisionOf derives decimal places from a filter step like "0.00100000".
func precisionOf(step string) int {
	f := parseFloat(step)
	if f <= 0 {
		return 8
	}
	p := 0
	for f < 1 && p < 12 {
		f *= 10
		p++
	}
	return p
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
