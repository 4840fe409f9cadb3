package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/events"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureNotifier) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestTelegramSendText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken-1/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("token-1", "chat-9")
	tg.baseOverride = srv.URL
	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, "chat-9", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestTelegramRequiresConfig(t *testing.T) {
	tg := NewTelegram("", "")
	assert.Error(t, tg.SendText("x"))
}

func TestFormatKnownEvents(t *testing.T) {
	text := Format(events.EventTradeExecuted, events.TradeEvent{
		Exchange: "kraken", Side: "buy", Symbol: "BTC/USDT", Quantity: 0.5, Price: 40000, Total: 20000,
	})
	assert.Contains(t, text, "kraken")
	assert.Contains(t, text, "BTC/USDT")

	text = Format(events.EventBrokerDegraded, events.BrokerHealthEvent{
		BrokerID: "b1", Exchange: "bitget", ConsecutiveErrors: 3,
	})
	assert.Contains(t, text, "b1")
	assert.Contains(t, text, "degraded")

	// Mismatched payload shape is dropped, not formatted.
	assert.Empty(t, Format(events.EventTradeExecuted, "oops"))
}

func TestRelayForwardsEvents(t *testing.T) {
	bus := events.NewBus()
	capture := &captureNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := &Relay{Bus: bus, Notifier: capture}
	relay.Start(ctx)

	bus.Publish(events.EventTradeFailed, events.TradeEvent{
		Exchange: "binance", Side: "sell", Symbol: "ETH/USDT", Error: "rejected",
	})

	require.Eventually(t, func() bool {
		return len(capture.messages()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, capture.messages()[0], "rejected")
}

func TestMultiAttemptsAllNotifiers(t *testing.T) {
	a := &captureNotifier{}
	b := &captureNotifier{}
	require.NoError(t, Multi{a, b}.SendText("x"))
	assert.Len(t, a.messages(), 1)
	assert.Len(t, b.messages(), 1)
}
