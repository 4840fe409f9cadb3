package gateway

import (
	"exchange-core/pkg/exchanges/common"
)

// OrderPayload is the wire form of an order intent. OrderType selects which
// fields are meaningful; ToParams converts it to the typed variant and
// rejects combinations the type does not allow.
type OrderPayload struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	ClientID  string  `json:"client_id,omitempty"`
	Amount    float64 `json:"amount,omitempty"` // market orders: quote for buys, base for sells
	Qty       float64 `json:"qty,omitempty"`
	Price     float64 `json:"price,omitempty"`
	TimeInForce     string  `json:"time_in_force,omitempty"`
	TriggerPrice    float64 `json:"trigger_price,omitempty"`
	LimitPrice      float64 `json:"limit_price,omitempty"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
}

// ToRequest validates the payload and builds the typed order request.
func (p OrderPayload) ToRequest() (common.OrderRequest, error) {
	side := common.Side(p.Side)
	if side != common.SideBuy && side != common.SideSell {
		return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "invalid side "+p.Side)
	}
	if p.Symbol == "" {
		return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "symbol is required")
	}

	var params common.OrderParams
	switch common.OrderType(p.OrderType) {
	case common.OrderTypeMarket:
		if p.Amount <= 0 {
			return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "market order requires a positive amount")
		}
		params = common.MarketParams{Amount: p.Amount}
	case common.OrderTypeLimit:
		if p.Qty <= 0 || p.Price <= 0 {
			return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "limit order requires positive qty and price")
		}
		params = common.LimitParams{
			Qty:              p.Qty,
			Price:            p.Price,
			TimeInForce:      common.TimeInForce(p.TimeInForce),
			PresetTakeProfit: p.TakeProfitPrice,
			PresetStopLoss:   p.StopLossPrice,
		}
	case common.OrderTypeStopLoss:
		if p.Qty <= 0 || p.TriggerPrice <= 0 {
			return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "stop loss requires positive qty and trigger price")
		}
		params = common.StopLossParams{Qty: p.Qty, TriggerPrice: p.TriggerPrice, LimitPrice: p.LimitPrice}
	case common.OrderTypeTakeProfit:
		if p.Qty <= 0 || p.TriggerPrice <= 0 {
			return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "take profit requires positive qty and trigger price")
		}
		params = common.TakeProfitParams{Qty: p.Qty, TriggerPrice: p.TriggerPrice, LimitPrice: p.LimitPrice}
	case common.OrderTypeCombo:
		if p.Qty <= 0 || p.Price <= 0 || p.StopLossPrice <= 0 || p.TakeProfitPrice <= 0 {
			return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "combo order requires qty, price, stop loss and take profit prices")
		}
		params = common.ComboParams{
			Qty:             p.Qty,
			Price:           p.Price,
			StopLossPrice:   p.StopLossPrice,
			TakeProfitPrice: p.TakeProfitPrice,
		}
	default:
		return common.OrderRequest{}, common.NewError(common.KindOrder, "", "", "unknown order type "+p.OrderType)
	}

	return common.OrderRequest{
		Symbol:   p.Symbol,
		Side:     side,
		Params:   params,
		ClientID: p.ClientID,
	}, nil
}

// SymbolPayload addresses one symbol.
type SymbolPayload struct {
	Symbol string `json:"symbol"`
}

// SymbolsPayload addresses a symbol set; empty means all.
type SymbolsPayload struct {
	Symbols []string `json:"symbols,omitempty"`
}

// CancelPayload identifies an order to cancel.
type CancelPayload struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
}

// ModifyPayload carries a cancel-replace. Zero values keep the current
// price/qty.
type ModifyPayload struct {
	Symbol   string  `json:"symbol"`
	OrderID  string  `json:"order_id"`
	NewPrice float64 `json:"new_price,omitempty"`
	NewQty   float64 `json:"new_qty,omitempty"`
}

// HistoryPayload bounds an order-history listing.
type HistoryPayload struct {
	Symbol string `json:"symbol,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
