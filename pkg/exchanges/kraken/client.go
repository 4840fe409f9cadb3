// Package kraken implements the Kraken spot REST API behind the common
// adapter contract.
//
// Kraken responses key their results by venue-specific pair and asset names,
// so decoding leans on gjson rather than fixed structs.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"exchange-core/pkg/exchanges/common"
)

const Name = "kraken"

// RequestsPerSec reflects Kraken's tight private-endpoint budget.
const RequestsPerSec = 1

// nonceCounter is shared across adapter values so that concurrent calls for
// the same broker always produce increasing nonces.
var nonceCounter atomic.Int64

func init() {
	nonceCounter.Store(time.Now().UnixMicro())
}

// Client is a per-call Kraken adapter; credentials are immutable after
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
	// Kraken has no spot testnet; testnet brokers still hit the live API
	// with read-only keys.
	return "https://api.kraken.com"
}

// sign produces API-Sign: base64(HMAC-SHA512(decoded secret,
// path + SHA256(nonce + postdata))).
func (c *Client) sign(path, nonce, postdata string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.creds.APISecret)
	if err != nil {
		return "", common.WrapError(common.KindAuth, Name, "decode api secret", err)
	}
	sha := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// doPrivate performs a paced signed POST to a private endpoint.
func (c *Client) doPrivate(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	if err := c.res.Pacer.Wait(ctx); err != nil {
		return gjson.Result{}, common.WrapError(common.KindNetwork, Name, "rate pacing interrupted", err)
	}
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(nonceCounter.Add(1), 10)
	params.Set("nonce", nonce)
	postdata := params.Encode()

	sig, err := c.sign(path, nonce, postdata)
	if err != nil {
		return gjson.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, strings.NewReader(postdata))
	if err != nil {
		return gjson.Result{}, common.WrapError(common.KindNetwork, Name, "build request", err)
	}
	req.Header.Set("API-Key", c.creds.APIKey)
	req.Header.Set("API-Sign", sig)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.execute(req)
}

// doPublic performs a paced GET to a public endpoint.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	if err := c.res.Pacer.Wait(ctx); err != nil {
		return gjson.Result{}, common.WrapError(common.KindNetwork, Name, "rate pacing interrupted", err)
	}
	endpoint := c.baseURL() + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, common.WrapError(common.KindNetwork, Name, "build request", err)
	}
	return c.execute(req)
}

func (c *Client) execute(req *http.Request) (gjson.Result, error) {
	res, err := c.res.HTTPClient.Do(req)
	if err != nil {
		return gjson.Result{}, common.WrapError(common.KindNetwork, Name, "http request", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	body := gjson.ParseBytes(raw)
	if errs := body.Get("error"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, mapError(errs.Array())
	}
	if res.StatusCode >= 300 {
		return gjson.Result{}, common.NewError(common.KindNetwork, Name, strconv.Itoa(res.StatusCode), string(raw))
	}
	return body.Get("result"), nil
}

// mapError translates Kraken's prefixed error strings into the taxonomy.
func mapError(errs []gjson.Result) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.String())
	}
	joined := strings.Join(msgs, "; ")
	first := msgs[0]

	switch {
	case strings.Contains(first, "Rate limit") || strings.Contains(first, "Too many requests"):
		return common.NewError(common.KindRateLimit, Name, prefixOf(first), joined)
	case strings.Contains(first, "Insufficient funds"):
		return common.NewError(common.KindInsufficientFunds, Name, prefixOf(first), joined)
	case strings.Contains(first, "Unknown asset") || strings.Contains(first, "Unknown order"):
		return common.NewError(common.KindNotFound, Name, prefixOf(first), joined)
	case strings.HasPrefix(first, "EAPI:") || strings.HasPrefix(first, "EAuth:"):
		return common.NewError(common.KindAuth, Name, prefixOf(first), joined)
	case strings.HasPrefix(first, "EOrder:"):
		return common.NewError(common.KindOrder, Name, prefixOf(first), joined)
	case strings.HasPrefix(first, "EService:"):
		return common.NewError(common.KindNetwork, Name, prefixOf(first), joined)
	default:
		return common.NewError(common.KindExchange, Name, prefixOf(first), joined)
	}
}

func prefixOf(msg string) string {
	if i := strings.Index(msg, ":"); i > 0 {
		return msg[:i]
	}
	return ""
}

func (c *Client) TestConnection(ctx context.Context) (common.ConnectionStatus, error) {
	result, err := c.doPrivate(ctx, "/0/private/Balance", nil)
	if err != nil {
		return common.ConnectionStatus{Connected: false, Detail: err.Error()}, err
	}
	n := 0
	result.ForEach(func(_, _ gjson.Result) bool { n++; return true })
	return common.ConnectionStatus{Connected: true, Detail: fmt.Sprintf("%d assets", n)}, nil
}

// GetBalance returns asset balances. Kraken's Balance endpoint reports only
// totals, so Reserved is always zero and Available equals Total.
func (c *Client) GetBalance(ctx context.Context) (map[string]common.Balance, error) {
	result, err := c.doPrivate(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]common.Balance)
	result.ForEach(func(key, value gjson.Result) bool {
		total := value.Float()
		out[normalizeAsset(key.String())] = common.Balance{Available: total, Total: total}
		return true
	})
	return out, nil
}

func (c *Client) GetMarkets(ctx context.Context) (map[string]common.Market, error) {
	if cached, ok := c.res.CachedMarkets(); ok {
		return cached, nil
	}
	result, err := c.doPublic(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, err
	}
	markets := make(map[string]common.Market)
	result.ForEach(func(_, pair gjson.Result) bool {
		ws := pair.Get("wsname").String() // e.g. "XBT/USD"
		if ws == "" {
			return true
		}
		sym := canonicalSymbol(ws)
		parts := strings.SplitN(sym, "/", 2)
		if len(parts) != 2 {
			return true
		}
		markets[sym] = common.Market{
			Symbol:         sym,
			Base:           parts[0],
			Quote:          parts[1],
			MinQty:         pair.Get("ordermin").Float(),
			PricePrecision: int(pair.Get("pair_decimals").Int()),
			QtyPrecision:   int(pair.Get("lot_decimals").Int()),
			MinNotional:    pair.Get("costmin").Float(),
			Active:         pair.Get("status").String() != "cancel_only",
		}
		return true
	})
	c.res.StoreMarkets(markets)
	return markets, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("pair", normalizeSymbol(symbol))
	result, err := c.doPublic(ctx, "/0/public/Ticker", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var t common.Ticker
	found := false
	result.ForEach(func(_, row gjson.Result) bool {
		t = tickerFrom(row)
		found = true
		return false // Ticker keyed by Kraken's own pair name; take the first
	})
	if !found {
		return common.Ticker{}, common.NewError(common.KindNotFound, Name, "", "ticker not found for "+symbol)
	}
	t.Symbol = symbol
	return t, nil
}

func (c *Client) FetchTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	out := make(map[string]common.Ticker, len(symbols))
	if len(symbols) == 0 {
		// Kraken's Ticker endpoint without a pair filter returns every
		// market; map keys back through AssetPairs.
		markets, err := c.GetMarkets(ctx)
		if err != nil {
			return nil, err
		}
		for sym := range markets {
			symbols = append(symbols, sym)
		}
	}
	params := url.Values{}
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, normalizeSymbol(s))
	}
	params.Set("pair", strings.Join(pairs, ","))
	result, err := c.doPublic(ctx, "/0/public/Ticker", params)
	if err != nil {
		return nil, err
	}
	i := 0
	result.ForEach(func(_, row gjson.Result) bool {
		if i < len(symbols) {
			t := tickerFrom(row)
			t.Symbol = symbols[i]
			out[symbols[i]] = t
		}
		i++
		return true
	})
	return out, nil
}

// tickerFrom decodes Kraken's array-valued ticker fields: c=[last,...],
// b=[bid,...], a=[ask,...], v=[today,24h], h/l likewise.
func tickerFrom(row gjson.Result) common.Ticker {
	last := row.Get("c.0").Float()
	open := row.Get("o").Float()
	change := 0.0
	if open > 0 {
		change = (last - open) / open * 100
	}
	return common.Ticker{
		Last:      last,
		Bid:       row.Get("b.0").Float(),
		Ask:       row.Get("a.0").Float(),
		Volume24h: row.Get("v.1").Float(),
		Change24h: change,
		High24h:   row.Get("h.1").Float(),
		Low24h:    row.Get("l.1").Float(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("pair", normalizeSymbol(req.Symbol))
	params.Set("type", string(req.Side))
	if req.ClientID != "" {
		params.Set("userref", hashRef(req.ClientID))
	}

	switch p := req.Params.(type) {
	case common.MarketParams:
		params.Set("ordertype", "market")
		amount := p.Amount
		if req.Side == common.SideBuy {
			// Kraken sizes market orders in base volume only, so the
			// quote amount is converted at the current ask before
			// submission.
			t, err := c.GetTicker(ctx, req.Symbol)
			if err != nil {
				return common.OrderResult{}, err
			}
			ref := t.Ask
			if ref == 0 {
				ref = t.Last
			}
			if ref == 0 {
				return common.OrderResult{}, common.NewError(common.KindOrder, Name, "", "no price available to size market buy for "+req.Symbol)
			}
			amount = p.Amount / ref
		}
		params.Set("volume", formatFloat(amount))
	case common.LimitParams:
		params.Set("ordertype", "limit")
		params.Set("volume", formatFloat(p.Qty))
		params.Set("price", formatFloat(p.Price))
		if p.PresetStopLoss > 0 {
			// Attached protective leg via Kraken's close order.
			params.Set("close[ordertype]", "stop-loss")
			params.Set("close[price]", formatFloat(p.PresetStopLoss))
		} else if p.PresetTakeProfit > 0 {
			params.Set("close[ordertype]", "take-profit")
			params.Set("close[price]", formatFloat(p.PresetTakeProfit))
		}
	case common.StopLossParams:
		params.Set("volume", formatFloat(p.Qty))
		params.Set("price", formatFloat(p.TriggerPrice))
		if p.LimitPrice > 0 {
			params.Set("ordertype", "stop-loss-limit")
			params.Set("price2", formatFloat(p.LimitPrice))
		} else {
			params.Set("ordertype", "stop-loss")
		}
	case common.TakeProfitParams:
		params.Set("volume", formatFloat(p.Qty))
		params.Set("price", formatFloat(p.TriggerPrice))
		if p.LimitPrice > 0 {
			params.Set("ordertype", "take-profit-limit")
			params.Set("price2", formatFloat(p.LimitPrice))
		} else {
			params.Set("ordertype", "take-profit")
		}
	case common.ComboParams:
		// Kraken attaches at most one conditional close per order, so a
		// combo entry carrying both protective legs cannot be expressed.
		// Refusing beats quietly dropping the take-profit.
		return common.OrderResult{}, common.NewError(common.KindOrder, Name, "",
			"combo orders are not supported on kraken: only one protective close can be attached; place the stop-loss and take-profit separately")
	default:
		return common.OrderResult{}, common.NewError(common.KindOrder, Name, "", "unsupported order params")
	}

	result, err := c.doPrivate(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	txid := result.Get("txid.0").String()
	if txid == "" {
		return common.OrderResult{}, common.NewError(common.KindExchange, Name, "", "no txid in order ack")
	}
	return common.OrderResult{OrderID: txid, Status: common.StatusOpen}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := c.doPrivate(ctx, "/0/private/CancelOrder", params)
	return err
}

// ModifyOrder uses Kraken's EditOrder, which cancels and replaces under one
// call and returns a new transaction id.
func (c *Client) ModifyOrder(ctx context.Context, symbol, orderID string, newPrice, newQty float64) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("txid", orderID)
	params.Set("pair", normalizeSymbol(symbol))
	if newPrice > 0 {
		params.Set("price", formatFloat(newPrice))
	}
	if newQty > 0 {
		params.Set("volume", formatFloat(newQty))
	}
	result, err := c.doPrivate(ctx, "/0/private/EditOrder", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	newID := result.Get("txid").String()
	if newID == "" {
		newID = orderID
	}
	return common.OrderResult{OrderID: newID, Status: common.StatusOpen}, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	result, err := c.doPrivate(ctx, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(result.Get("open"), symbol, 0), nil
}

func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]common.OrderRecord, error) {
	result, err := c.doPrivate(ctx, "/0/private/ClosedOrders", nil)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(result.Get("closed"), symbol, limit), nil
}

// decodeOrders walks Kraken's order map (keyed by txid) into normalized
// records, optionally filtered by symbol and capped at limit.
func (c *Client) decodeOrders(orders gjson.Result, symbol string, limit int) []common.OrderRecord {
	var out []common.OrderRecord
	orders.ForEach(func(txid, o gjson.Result) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		descr := o.Get("descr")
		sym := canonicalSymbol(descr.Get("pair").String())
		if symbol != "" && sym != symbol && normalizeSymbol(sym) != normalizeSymbol(symbol) {
			return true
		}
		rec := common.OrderRecord{
			OrderID:      txid.String(),
			Symbol:       sym,
			Side:         common.Side(descr.Get("type").String()),
			Type:         mapOrderType(descr.Get("ordertype").String()),
			Qty:          o.Get("vol").Float(),
			FilledQty:    o.Get("vol_exec").Float(),
			Status:       mapStatus(o.Get("status").String()),
			AvgFillPrice: o.Get("price").Float(),
			TriggerPrice: o.Get("stopprice").Float(),
			Price:        descr.Get("price").Float(),
			Fee:          o.Get("fee").Float(),
			CreatedAt:    secTime(o.Get("opentm").Float()),
			UpdatedAt:    secTime(o.Get("closetm").Float()),
		}
		out = append(out, rec)
		return true
	})
	return out
}

func mapOrderType(t string) common.OrderType {
	switch t {
	case "market":
		return common.OrderTypeMarket
	case "limit":
		return common.OrderTypeLimit
	case "stop-loss", "stop-loss-limit":
		return common.OrderTypeStopLoss
	case "take-profit", "take-profit-limit":
		return common.OrderTypeTakeProfit
	default:
		return common.OrderType(t)
	}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "pending", "open":
		return common.StatusOpen
	case "closed":
		return common.StatusFilled
	case "canceled", "expired":
		return common.StatusCancelled
	default:
		return common.StatusUnknown
	}
}

// --- Internal helpers ---

// assetAliases maps Kraken's legacy asset codes to canonical ones.
var assetAliases = map[string]string{
	"XXBT": "BTC", "XBT": "BTC",
	"XETH": "ETH", "XXRP": "XRP", "XLTC": "LTC",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP",
}

func normalizeAsset(a string) string {
	if canon, ok := assetAliases[a]; ok {
		return canon
	}
	return a
}

// normalizeSymbol converts canonical BTC/USDT into Kraken's XBTUSDT.
func normalizeSymbol(symbol string) string {
	parts := strings.SplitN(strings.ToUpper(symbol), "/", 2)
	for i, p := range parts {
		if p == "BTC" {
			parts[i] = "XBT"
		}
	}
	return strings.Join(parts, "")
}

// canonicalSymbol converts Kraken wsname/pair forms back into BASE/QUOTE.
func canonicalSymbol(pair string) string {
	pair = strings.ToUpper(pair)
	if strings.Contains(pair, "/") {
		parts := strings.SplitN(pair, "/", 2)
		return normalizeAsset(parts[0]) + "/" + normalizeAsset(parts[1])
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "GBP", "XBT", "ETH"} {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return normalizeAsset(pair[:len(pair)-len(quote)]) + "/" + normalizeAsset(quote)
		}
	}
	return pair
}

// hashRef folds a client order id into Kraken's int32 userref space.
func hashRef(id string) string {
	var h uint32
	for _, c := range id {
		h = h*31 + uint32(c)
	}
	return strconv.FormatUint(uint64(h%2147483647), 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func secTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9))
}
