// Package bitget implements the Bitget V2 spot REST API behind the common
// adapter contract.
package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"exchange-core/pkg/exchanges/common"
)

const Name = "bitget"

// RequestsPerSec is Bitget's standard place-order budget.
const RequestsPerSec = 10

// Client is a per-call Bitget adapter. Credentials are immutable after
// construction; connection resources are shared across calls via
// common.Resources.
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
		return "https://api.bitgetapi.com"
	}
	return "https://api.bitget.com"
}

// sign builds the V2 auth headers: base64 HMAC-SHA256 over
// timestamp + METHOD + path + body.
func (c *Client) sign(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + strings.ToUpper(method) + path + body
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(msg))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"ACCESS-KEY":        c.creds.APIKey,
		"ACCESS-SIGN":       sig,
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": c.creds.Passphrase,
		"Content-Type":      "application/json",
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do performs a paced, signed request and maps Bitget error codes into the
// common taxonomy. path must include the query string for GET requests since
// it is part of the signed message.
func (c *Client) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	if err := c.res.Pacer.Wait(ctx); err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "rate pacing interrupted", err)
	}

	var body string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, common.WrapError(common.KindOrder, Name, "encode request", err)
		}
		body = string(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "build request", err)
	}
	for k, v := range c.sign(method, path, body) {
		req.Header.Set(k, v)
	}

	res, err := c.res.HTTPClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindNetwork, Name, "http request", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, fmt.Sprintf("decode response (status %d)", res.StatusCode), err)
	}
	if env.Code != "00000" {
		return nil, mapError(env.Code, env.Msg)
	}
	return env.Data, nil
}

// mapError translates Bitget error codes into the taxonomy.
func mapError(code, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case code == "40429" || code == "429" || strings.Contains(lower, "rate limit"):
		return common.NewError(common.KindRateLimit, Name, code, msg)
	case code == "40001" || strings.Contains(lower, "insufficient"):
		return common.NewError(common.KindInsufficientFunds, Name, code, msg)
	case code == "40037" || code == "40034" || strings.Contains(lower, "not exist"):
		return common.NewError(common.KindNotFound, Name, code, msg)
	case strings.HasPrefix(code, "4001") || strings.HasPrefix(code, "4002"):
		return common.NewError(common.KindAuth, Name, code, msg)
	case strings.HasPrefix(code, "4000") || strings.Contains(lower, "order"):
		return common.NewError(common.KindOrder, Name, code, msg)
	default:
		return common.NewError(common.KindExchange, Name, code, msg)
	}
}

func (c *Client) TestConnection(ctx context.Context) (common.ConnectionStatus, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil)
	if err != nil {
		if common.IsKind(err, common.KindAuth) {
			return common.ConnectionStatus{Connected: false, Detail: err.Error()}, err
		}
		return common.ConnectionStatus{Connected: false, Detail: err.Error()}, err
	}
	var assets []json.RawMessage
	_ = json.Unmarshal(data, &assets)
	return common.ConnectionStatus{Connected: true, Detail: fmt.Sprintf("%d assets", len(assets))}, nil
}

func (c *Client) GetBalance(ctx context.Context) (map[string]common.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil)
	if err != nil {
		return nil, err
	}
	var assets []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode balances", err)
	}
	out := make(map[string]common.Balance, len(assets))
	for _, a := range assets {
		if a.Coin == "" {
			continue
		}
		avail := parseFloat(a.Available)
		frozen := parseFloat(a.Frozen)
		out[a.Coin] = common.Balance{Available: avail, Reserved: frozen, Total: avail + frozen}
	}
	return out, nil
}

func (c *Client) GetMarkets(ctx context.Context) (map[string]common.Market, error) {
	if cached, ok := c.res.CachedMarkets(); ok {
		return cached, nil
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/public/symbols", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol            string `json:"symbol"`
		BaseCoin          string `json:"baseCoin"`
		QuoteCoin         string `json:"quoteCoin"`
		MinTradeAmount    string `json:"minTradeAmount"`
		MaxTradeAmount    string `json:"maxTradeAmount"`
		PricePrecision    string `json:"pricePrecision"`
		QuantityPrecision string `json:"quantityPrecision"`
		MinTradeUSDT      string `json:"minTradeUSDT"`
		Status            string `json:"status"`
		TakerFeeRate      string `json:"takerFeeRate"`
		MakerFeeRate      string `json:"makerFeeRate"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode symbols", err)
	}
	markets := make(map[string]common.Market, len(rows))
	for _, r := range rows {
		if r.Symbol == "" {
			continue
		}
		sym := denormalizeSymbol(r.Symbol)
		markets[sym] = common.Market{
			Symbol:         sym,
			Base:           r.BaseCoin,
			Quote:          r.QuoteCoin,
			MinQty:         parseFloat(r.MinTradeAmount),
			MaxQty:         parseFloat(r.MaxTradeAmount),
			PricePrecision: int(parseFloat(r.PricePrecision)),
			QtyPrecision:   int(parseFloat(r.QuantityPrecision)),
			MinNotional:    parseFloat(r.MinTradeUSDT),
			Active:         r.Status == "online",
			TakerFee:       parseFloat(r.TakerFeeRate),
			MakerFee:       parseFloat(r.MakerFeeRate),
		}
	}
	c.res.StoreMarkets(markets)
	return markets, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	path := "/api/v2/spot/market/tickers?symbol=" + normalizeSymbol(symbol)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return common.Ticker{}, err
	}
	rows, err := decodeTickers(data)
	if err != nil {
		return common.Ticker{}, err
	}
	if len(rows) == 0 {
		return common.Ticker{}, common.NewError(common.KindNotFound, Name, "", "ticker not found for "+symbol)
	}
	t := rows[0]
	t.Symbol = symbol
	return t, nil
}

func (c *Client) FetchTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/market/tickers", nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeTickers(data)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[normalizeSymbol(s)] = true
	}
	out := make(map[string]common.Ticker)
	for _, t := range rows {
		if len(symbols) > 0 && !want[normalizeSymbol(t.Symbol)] {
			continue
		}
		sym := denormalizeSymbol(t.Symbol)
		t.Symbol = sym
		out[sym] = t
	}
	return out, nil
}

func decodeTickers(data json.RawMessage) ([]common.Ticker, error) {
	var rows []struct {
		Symbol     string `json:"symbol"`
		LastPr     string `json:"lastPr"`
		BidPr      string `json:"bidPr"`
		AskPr      string `json:"askPr"`
		BaseVolume string `json:"baseVolume"`
		Change24h  string `json:"change24h"`
		High24h    string `json:"high24h"`
		Low24h     string `json:"low24h"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode tickers", err)
	}
	out := make([]common.Ticker, 0, len(rows))
	now := time.Now().UnixMilli()
	for _, r := range rows {
		out = append(out, common.Ticker{
			Symbol:    r.Symbol,
			Last:      parseFloat(r.LastPr),
			Bid:       parseFloat(r.BidPr),
			Ask:       parseFloat(r.AskPr),
			Volume24h: parseFloat(r.BaseVolume),
			Change24h: parseFloat(r.Change24h),
			High24h:   parseFloat(r.High24h),
			Low24h:    parseFloat(r.Low24h),
			Timestamp: now,
		})
	}
	return out, nil
}

// market returns constraints for one symbol, forcing a cache refetch when the
// symbol is unseen.
func (c *Client) market(ctx context.Context, symbol string) (common.Market, error) {
	markets, err := c.GetMarkets(ctx)
	if err != nil {
		return common.Market{}, err
	}
	if m, ok := markets[symbol]; ok {
		return m, nil
	}
	c.res.InvalidateMarkets()
	markets, err = c.GetMarkets(ctx)
	if err != nil {
		return common.Market{}, err
	}
	m, ok := markets[symbol]
	if !ok {
		return common.Market{}, common.NewError(common.KindNotFound, Name, "", "unknown symbol "+symbol)
	}
	return m, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	m, err := c.market(ctx, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	body := map[string]string{
		"symbol": normalizeSymbol(req.Symbol),
		"side":   string(req.Side),
	}
	if req.ClientID != "" {
		body["clientOid"] = req.ClientID
	}

	switch p := req.Params.(type) {
	case common.MarketParams:
		body["orderType"] = "market"
		// Bitget sizes market buys in quote units and market sells in
		// base units; both travel in "size".
		if req.Side == common.SideBuy {
			body["size"] = formatFloat(p.Amount, m.PricePrecision)
		} else {
			body["size"] = formatFloat(p.Amount, m.QtyPrecision)
		}
	case common.LimitParams:
		body["orderType"] = "limit"
		body["size"] = formatFloat(p.Qty, m.QtyPrecision)
		body["price"] = formatFloat(p.Price, m.PricePrecision)
		body["force"] = forceOf(p.TimeInForce)
		if p.PresetTakeProfit > 0 {
			body["presetTakeProfitPrice"] = formatFloat(p.PresetTakeProfit, m.PricePrecision)
		}
		if p.PresetStopLoss > 0 {
			body["presetStopLossPrice"] = formatFloat(p.PresetStopLoss, m.PricePrecision)
		}
	case common.StopLossParams:
		body["orderType"] = "market"
		body["tpslType"] = "tpsl"
		body["size"] = formatFloat(p.Qty, m.QtyPrecision)
		body["triggerPrice"] = formatFloat(p.TriggerPrice, m.PricePrecision)
		if p.LimitPrice > 0 {
			body["orderType"] = "limit"
			body["price"] = formatFloat(p.LimitPrice, m.PricePrecision)
		}
	case common.TakeProfitParams:
		body["orderType"] = "market"
		body["tpslType"] = "tpsl"
		body["size"] = formatFloat(p.Qty, m.QtyPrecision)
		body["triggerPrice"] = formatFloat(p.TriggerPrice, m.PricePrecision)
		if p.LimitPrice > 0 {
			body["orderType"] = "limit"
			body["price"] = formatFloat(p.LimitPrice, m.PricePrecision)
		}
	case common.ComboParams:
		body["orderType"] = "limit"
		body["size"] = formatFloat(p.Qty, m.QtyPrecision)
		body["price"] = formatFloat(p.Price, m.PricePrecision)
		body["force"] = "gtc"
		body["presetTakeProfitPrice"] = formatFloat(p.TakeProfitPrice, m.PricePrecision)
		body["presetStopLossPrice"] = formatFloat(p.StopLossPrice, m.PricePrecision)
	default:
		return common.OrderResult{}, common.NewError(common.KindOrder, Name, "", "unsupported order params")
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", body)
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return common.OrderResult{}, common.WrapError(common.KindExchange, Name, "decode order ack", err)
	}
	return common.OrderResult{
		OrderID:  ack.OrderID,
		ClientID: ack.ClientOid,
		Status:   common.StatusOpen,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"symbol":  normalizeSymbol(symbol),
		"orderId": orderID,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", body)
	return err
}

// ModifyOrder uses Bitget's cancel-replace endpoint. The endpoint requires
// both price and size, so unchanged fields are re-fetched from the live
// order first. The returned order id is new.
func (c *Client) ModifyOrder(ctx context.Context, symbol, orderID string, newPrice, newQty float64) (common.OrderResult, error) {
	if newPrice == 0 || newQty == 0 {
		cur, err := c.findOpenOrder(ctx, symbol, orderID)
		if err != nil {
			return common.OrderResult{}, err
		}
		if newPrice == 0 {
			newPrice, _ = common.ExtractPrice(cur)
		}
		if newQty == 0 {
			newQty = cur.Qty
		}
	}
	m, err := c.market(ctx, symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	body := map[string]string{
		"symbol":  normalizeSymbol(symbol),
		"orderId": orderID,
		"price":   formatFloat(newPrice, m.PricePrecision),
		"size":    formatFloat(newQty, m.QtyPrecision),
	}
	data, err := c.do(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-replace-order", body)
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return common.OrderResult{}, common.WrapError(common.KindExchange, Name, "decode replace ack", err)
	}
	if ack.OrderID == "" {
		ack.OrderID = orderID
	}
	return common.OrderResult{OrderID: ack.OrderID, ClientID: ack.ClientOid, Status: common.StatusOpen}, nil
}

func (c *Client) findOpenOrder(ctx context.Context, symbol, orderID string) (common.OrderRecord, error) {
	orders, err := c.GetOpenOrders(ctx, symbol)
	if err != nil {
		return common.OrderRecord{}, err
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return common.OrderRecord{}, common.NewError(common.KindNotFound, Name, "", "order "+orderID+" not open")
}

// GetOpenOrders merges two listings: Bitget keeps plain orders and TP/SL
// orders behind different tpslType values on the same endpoint.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	var all []common.OrderRecord
	for _, tpsl := range []string{"normal", "tpsl"} {
		path := "/api/v2/spot/trade/unfilled-orders?tpslType=" + tpsl
		if symbol != "" {
			path += "&symbol=" + normalizeSymbol(symbol)
		}
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		recs, err := decodeOrders(data, tpsl == "tpsl")
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]common.OrderRecord, error) {
	end := time.Now()
	start := end.Add(-7 * 24 * time.Hour)
	path := fmt.Sprintf("/api/v2/spot/trade/history-orders?startTime=%d&endTime=%d",
		start.UnixMilli(), end.UnixMilli())
	if symbol != "" {
		path += "&symbol=" + normalizeSymbol(symbol)
	}
	if limit > 0 && limit <= 100 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeOrders(data, false)
}

type orderRow struct {
	OrderID               string `json:"orderId"`
	Symbol                string `json:"symbol"`
	Side                  string `json:"side"`
	OrderType             string `json:"orderType"`
	Size                  string `json:"size"`
	FillSize              string `json:"fillSize"`
	Status                string `json:"status"`
	Price                 string `json:"price"`
	PriceAvg              string `json:"priceAvg"`
	TriggerPrice          string `json:"triggerPrice"`
	PresetTakeProfitPrice string `json:"presetTakeProfitPrice"`
	PresetStopLossPrice   string `json:"presetStopLossPrice"`
	CTime                 string `json:"cTime"`
	UTime                 string `json:"uTime"`
}

func decodeOrders(data json.RawMessage, tpsl bool) ([]common.OrderRecord, error) {
	var rows []orderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, common.WrapError(common.KindExchange, Name, "decode orders", err)
	}
	out := make([]common.OrderRecord, 0, len(rows))
	for _, r := range rows {
		rec := common.OrderRecord{
			OrderID:          r.OrderID,
			Symbol:           denormalizeSymbol(r.Symbol),
			Side:             common.Side(strings.ToLower(r.Side)),
			Type:             orderTypeOf(r, tpsl),
			Qty:              parseFloat(r.Size),
			FilledQty:        parseFloat(r.FillSize),
			Status:           mapStatus(r.Status),
			AvgFillPrice:     parseFloat(r.PriceAvg),
			TriggerPrice:     parseFloat(r.TriggerPrice),
			PresetTakeProfit: parseFloat(r.PresetTakeProfitPrice),
			PresetStopLoss:   parseFloat(r.PresetStopLossPrice),
			Price:            parseFloat(r.Price),
			CreatedAt:        msTime(r.CTime),
			UpdatedAt:        msTime(r.UTime),
		}
		out = append(out, rec)
	}
	return out, nil
}

// orderTypeOf resolves the precise type of a TP/SL row from the fields it
// populates; plain rows keep the exchange's own type.
func orderTypeOf(r orderRow, tpsl bool) common.OrderType {
	if !tpsl {
		switch strings.ToLower(r.OrderType) {
		case "market":
			return common.OrderTypeMarket
		case "limit":
			return common.OrderTypeLimit
		default:
			return common.OrderType(strings.ToLower(r.OrderType))
		}
	}
	hasTP := parseFloat(r.PresetTakeProfitPrice) > 0
	hasSL := parseFloat(r.PresetStopLossPrice) > 0
	switch {
	case hasTP && hasSL:
		return common.OrderTypeCombo
	case hasTP:
		return common.OrderTypeTakeProfit
	case hasSL:
		return common.OrderTypeStopLoss
	default:
		return common.OrderTypeStopLoss
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "new", "init", "not_trigger":
		return common.StatusOpen
	case "partially_filled", "partial_fill":
		return common.StatusPartial
	case "filled", "full_fill":
		return common.StatusFilled
	case "cancelled", "canceled":
		return common.StatusCancelled
	case "rejected", "fail_trigger":
		return common.StatusFailed
	default:
		return common.StatusUnknown
	}
}

// --- Internal helpers ---

// normalizeSymbol converts canonical BTC/USDT into Bitget's BTCUSDT.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "").Replace(symbol))
}

// denormalizeSymbol restores the canonical form from the quote suffix.
func denormalizeSymbol(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}

func forceOf(tif common.TimeInForce) string {
	switch tif {
	case common.TIFIOC:
		return "ioc"
	case common.TIFFOK:
		return "fok"
	default:
		return "gtc"
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(v float64, precision int) string {
	if precision < 0 || precision > 12 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
