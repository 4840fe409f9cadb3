package notifier

import (
	"context"
	"fmt"
	"log"

	"exchange-core/internal/events"
)

// Relay bridges the event bus to a TextNotifier. Delivery is best-effort:
// a failed send is logged and dropped, never retried against the bus.
type Relay struct {
	Bus      *events.Bus
	Notifier TextNotifier
}

// relayedEvents are the topics forwarded as notifications.
var relayedEvents = []events.Event{
	events.EventTradeExecuted,
	events.EventTradeFailed,
	events.EventTradeDetected,
	events.EventOrderRepaired,
	events.EventPositionPnL,
	events.EventBrokerDegraded,
	events.EventBrokerRecovered,
}

// Start subscribes to all relayed topics and forwards formatted messages
// until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	if r.Bus == nil || r.Notifier == nil {
		log.Println("notifier relay not configured; skipping")
		return
	}
	for _, ev := range relayedEvents {
		stream, unsub := r.Bus.Subscribe(ev, 50)
		go func(event events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if text := Format(event, msg); text != "" {
						if err := r.Notifier.SendText(text); err != nil {
							log.Printf("notifier: send failed: %v", err)
						}
					}
				}
			}
		}(ev, stream, unsub)
	}
}

// Format renders one event payload as a notification message. Unknown
// payload shapes yield an empty string and are dropped.
func Format(event events.Event, payload any) string {
	switch event {
	case events.EventTradeExecuted:
		ev, ok := payload.(events.TradeEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ Trade executed: %s %s %s qty=%.8f @ %.8f (total %.2f)",
			ev.Exchange, ev.Side, ev.Symbol, ev.Quantity, ev.Price, ev.Total)
	case events.EventTradeFailed:
		ev, ok := payload.(events.TradeEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("❌ Trade failed: %s %s %s: %s",
			ev.Exchange, ev.Side, ev.Symbol, ev.Error)
	case events.EventTradeDetected:
		ev, ok := payload.(events.TradeEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🔍 External fill detected: %s %s %s qty=%.8f @ %.8f",
			ev.Exchange, ev.Side, ev.Symbol, ev.Quantity, ev.Price)
	case events.EventOrderRepaired:
		ev, ok := payload.(events.RepairEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🛡️ Protective order restored: %s %s @ %.8f (order %s)",
			ev.Symbol, ev.Kind, ev.Price, ev.NewOrderID)
	case events.EventPositionPnL:
		ev, ok := payload.(events.PnLEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("💰 Realized P&L %s: %+.2f (closed %.8f, entry %.8f → exit %.8f)",
			ev.Symbol, ev.Realized, ev.ClosedQty, ev.EntryPrice, ev.ExitPrice)
	case events.EventBrokerDegraded:
		ev, ok := payload.(events.BrokerHealthEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⚠️ Broker %s (%s) degraded after %d consecutive errors",
			ev.BrokerID, ev.Exchange, ev.ConsecutiveErrors)
	case events.EventBrokerRecovered:
		ev, ok := payload.(events.BrokerHealthEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ Broker %s (%s) recovered", ev.BrokerID, ev.Exchange)
	}
	return ""
}
