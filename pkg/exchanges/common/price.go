package common

// ExtractPrice resolves the effective price of an order record.
//
// Different order categories populate different price fields: filled orders
// carry an average fill price, conditional orders a trigger price, attached
// protective orders only their preset prices, and resting limit orders the
// order price. The fallback chain is fixed: average fill, then trigger, then
// preset take-profit, then preset stop-loss, then order price. Returns false
// when no price field is populated; never panics.
func ExtractPrice(rec OrderRecord) (float64, bool) {
	for _, p := range []float64{
		rec.AvgFillPrice,
		rec.TriggerPrice,
		rec.PresetTakeProfit,
		rec.PresetStopLoss,
		rec.Price,
	} {
		if p > 0 {
			return p, true
		}
	}
	return 0, false
}
