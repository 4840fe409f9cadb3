package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Invert returns the opposite side. Protective orders for a long position are
// sells, and vice versa.
func (s Side) Invert() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the supported order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeCombo      OrderType = "combo"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status vocabularies into a small closed set.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partially_filled"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
	StatusUnknown   OrderStatus = "unknown"
)

// OrderParams is the closed set of order parameter variants. Each order type
// carries only the fields that are valid for it; a plain market order cannot
// carry a stop-loss price at the type level.
type OrderParams interface {
	OrderType() OrderType
}

// MarketParams sizes a market order.
//
// Amount semantics differ by side, mirroring exchange APIs: for a BUY, Amount
// is the quote-currency value to spend (e.g. USDT); for a SELL, Amount is the
// base-asset quantity. Adapters must route the two through different request
// fields.
type MarketParams struct {
	Amount float64
}

func (MarketParams) OrderType() OrderType { return OrderTypeMarket }

// LimitParams sizes a limit order in base units at a fixed price. Preset
// protective prices, when non-zero, are attached to the order where the
// exchange supports it.
type LimitParams struct {
	Qty              float64
	Price            float64
	TimeInForce      TimeInForce
	PresetTakeProfit float64
	PresetStopLoss   float64
}

func (LimitParams) OrderType() OrderType { return OrderTypeLimit }

// StopLossParams describes an independent conditional stop-loss order.
type StopLossParams struct {
	Qty          float64
	TriggerPrice float64
	LimitPrice   float64 // optional; zero means market execution on trigger
}

func (StopLossParams) OrderType() OrderType { return OrderTypeStopLoss }

// TakeProfitParams describes an independent conditional take-profit order.
type TakeProfitParams struct {
	Qty          float64
	TriggerPrice float64
	LimitPrice   float64 // optional; zero means market execution on trigger
}

func (TakeProfitParams) OrderType() OrderType { return OrderTypeTakeProfit }

// ComboParams describes a limit entry with both protective prices attached.
type ComboParams struct {
	Qty            float64
	Price          float64
	StopLossPrice  float64
	TakeProfitPrice float64
}

func (ComboParams) OrderType() OrderType { return OrderTypeCombo }

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol   string // canonical "BASE/QUOTE" form
	Side     Side
	Params   OrderParams
	ClientID string // optional client order id
}

// OrderResult returns the exchange ack for a placed or modified order.
type OrderResult struct {
	OrderID   string
	ClientID  string
	Status    OrderStatus
	FilledQty float64
	Remaining float64
}

// OrderRecord is a normalized view of an exchange-side order, used by open
// order listings and order history.
type OrderRecord struct {
	OrderID   string
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       float64
	FilledQty float64
	Status    OrderStatus

	// Price fields populated differently per order category; use
	// ExtractPrice for the canonical fallback chain.
	AvgFillPrice    float64
	TriggerPrice    float64
	PresetTakeProfit float64
	PresetStopLoss  float64
	Price           float64

	Fee         float64
	FeeCurrency string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Balance describes one asset's balance.
type Balance struct {
	Available float64
	Reserved  float64
	Total     float64
}

// Market describes one tradable symbol's constraints.
type Market struct {
	Symbol            string
	Base              string
	Quote             string
	MinQty            float64
	MaxQty            float64
	PricePrecision    int
	QtyPrecision      int
	MinNotional       float64
	Active            bool
	TakerFee          float64
	MakerFee          float64
}

// Ticker is a normalized price snapshot.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Volume24h float64
	Change24h float64
	High24h   float64
	Low24h    float64
	Timestamp int64 // ms
}

// ConnectionStatus reports the result of a credential check.
type ConnectionStatus struct {
	Connected bool
	Detail    string
}

// Credentials carries decrypted API credentials for one broker. Values are
// injected per call and never stored on shared adapter state.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // Bitget only
	Testnet    bool
}
