package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeExecuted, 1)
	defer unsub()

	bus.Publish(EventTradeExecuted, TradeEvent{TradeID: "t-1"})

	got := <-ch
	ev, ok := got.(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, "t-1", ev.TradeID)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventTradeExecuted, 1)
	defer unsub()

	// Second publish overflows the buffer of one; it must return and count
	// a drop rather than block.
	bus.Publish(EventTradeExecuted, TradeEvent{TradeID: "t-1"})
	bus.Publish(EventTradeExecuted, TradeEvent{TradeID: "t-2"})

	assert.Equal(t, int64(1), bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeFailed, 1)
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic or deliver.
	bus.Publish(EventTradeFailed, TradeEvent{TradeID: "t-3"})
}

func TestSubscribersAreIndependentPerEvent(t *testing.T) {
	bus := NewBus()
	executed, unsub1 := bus.Subscribe(EventTradeExecuted, 1)
	failed, unsub2 := bus.Subscribe(EventTradeFailed, 1)
	defer unsub1()
	defer unsub2()

	bus.Publish(EventTradeExecuted, TradeEvent{TradeID: "t-1"})

	assert.Len(t, executed, 1)
	assert.Len(t, failed, 0)
}
