package monitor

import (
	"context"
	"log"
	"time"

	"exchange-core/internal/events"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// Guardian verifies that every open position with configured protective
// levels still has live stop-loss and take-profit orders at the exchange,
// and re-creates the ones that went missing. Exchanges cancel protective
// orders on disconnects, maintenance windows and manual intervention; a
// position without its stop is unbounded risk.
type Guardian struct {
	queries *db.UserQueries
	bus     *events.Bus
	logger  *log.Logger
}

func newGuardian(queries *db.UserQueries, bus *events.Bus, logger *log.Logger) *Guardian {
	return &Guardian{queries: queries, bus: bus, logger: logger}
}

// checkBroker verifies protective orders for all of one broker's open
// positions. Positions are isolated: a failure on one never blocks the rest.
func (g *Guardian) checkBroker(ctx context.Context, broker *db.Broker, adapter common.Adapter) {
	positions, err := g.queries.ListOpenPositions(ctx, broker.ID)
	if err != nil {
		g.logger.Printf("guardian: list positions %s: %v", broker.ID, err)
		return
	}
	for i := range positions {
		if ctx.Err() != nil {
			return
		}
		if err := g.checkPosition(ctx, broker, adapter, &positions[i]); err != nil {
			g.logger.Printf("guardian: position %s %s: %v", positions[i].ID, positions[i].Symbol, err)
		}
	}
}

func (g *Guardian) checkPosition(ctx context.Context, broker *db.Broker, adapter common.Adapter, pos *db.Position) error {
	if pos.CurrentSL <= 0 && pos.CurrentTP <= 0 {
		return nil
	}

	open, err := adapter.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	haveSL := hasLiveOrder(open, common.OrderTypeStopLoss)
	haveTP := hasLiveOrder(open, common.OrderTypeTakeProfit)

	changed := false
	// Protective orders exit the position, so they take the inverted side.
	exitSide := common.Side(pos.Side).Invert()

	if pos.CurrentSL > 0 && !haveSL {
		res, err := adapter.PlaceOrder(ctx, common.OrderRequest{
			Symbol: pos.Symbol,
			Side:   exitSide,
			Params: common.StopLossParams{Qty: pos.Quantity, TriggerPrice: pos.CurrentSL},
		})
		if err != nil {
			return err
		}
		pos.SLOrderID = res.OrderID
		changed = true
		g.repaired(broker, pos, "stop_loss", pos.CurrentSL, res.OrderID)
	}

	if pos.CurrentTP > 0 && !haveTP {
		res, err := adapter.PlaceOrder(ctx, common.OrderRequest{
			Symbol: pos.Symbol,
			Side:   exitSide,
			Params: common.TakeProfitParams{Qty: pos.Quantity, TriggerPrice: pos.CurrentTP},
		})
		if err != nil {
			return err
		}
		pos.TPOrderID = res.OrderID
		changed = true
		g.repaired(broker, pos, "take_profit", pos.CurrentTP, res.OrderID)
	}

	if changed {
		return g.queries.UpdateProtectiveOrders(ctx, pos.ID, pos.CurrentSL, pos.CurrentTP, pos.SLOrderID, pos.TPOrderID)
	}
	return nil
}

func (g *Guardian) repaired(broker *db.Broker, pos *db.Position, kind string, price float64, orderID string) {
	repairsTotal.WithLabelValues(broker.ExchangeType, kind).Inc()
	g.logger.Printf("🛡️ re-created %s for %s %s at %.8f (order %s)",
		kind, broker.ExchangeType, pos.Symbol, price, orderID)
	if g.bus != nil {
		g.bus.Publish(events.EventOrderRepaired, events.RepairEvent{
			UserID:     pos.UserID,
			BrokerID:   pos.BrokerID,
			Symbol:     pos.Symbol,
			Kind:       kind,
			Price:      price,
			NewOrderID: orderID,
			At:         time.Now().UTC(),
		})
	}
}

// hasLiveOrder reports whether a non-terminal order of the given type is
// among the open orders. Stop-limit variants count as stop-losses.
func hasLiveOrder(orders []common.OrderRecord, typ common.OrderType) bool {
	for _, o := range orders {
		if o.Status != common.StatusOpen && o.Status != common.StatusPartial {
			continue
		}
		if o.Type == typ {
			return true
		}
		if typ == common.OrderTypeStopLoss && o.Type == common.OrderTypeStopLimit {
			return true
		}
	}
	return false
}
