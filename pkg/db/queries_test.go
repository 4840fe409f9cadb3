package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *UserQueries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func TestUserQueriesRequireUserID(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	t.Run("GetTradesByUser requires userID", func(t *testing.T) {
		_, err := q.GetTradesByUser(ctx, "", 100)
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("ListBrokersByUser requires userID", func(t *testing.T) {
		_, err := q.ListBrokersByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetOpenPosition requires userID", func(t *testing.T) {
		_, err := q.GetOpenPosition(ctx, "", "broker-1", "BTC/USDT")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestUserQueriesDataIsolation(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	userA := "user-a-123"
	userB := "user-b-456"

	tradeA := Trade{
		ID: "trade-a-1", UserID: userA, BrokerID: "broker-a",
		Exchange: "bitget", Symbol: "BTC/USDT", Side: "buy",
		OrderType: "market", Quantity: 0.1, Status: TradePending,
	}
	tradeB := Trade{
		ID: "trade-b-1", UserID: userB, BrokerID: "broker-b",
		Exchange: "binance", Symbol: "ETH/USDT", Side: "sell",
		OrderType: "limit", Quantity: 1.0, Price: 3000, Status: TradePending,
	}
	if err := q.CreateTrade(ctx, tradeA); err != nil {
		t.Fatalf("Failed to create trade A: %v", err)
	}
	if err := q.CreateTrade(ctx, tradeB); err != nil {
		t.Fatalf("Failed to create trade B: %v", err)
	}

	t.Run("User A sees only their trades", func(t *testing.T) {
		trades, err := q.GetTradesByUser(ctx, userA, 100)
		if err != nil {
			t.Fatalf("Failed to get trades: %v", err)
		}
		if len(trades) != 1 {
			t.Errorf("expected 1 trade, got %d", len(trades))
		}
		if len(trades) > 0 && trades[0].ID != "trade-a-1" {
			t.Errorf("expected trade-a-1, got %s", trades[0].ID)
		}
	})

	t.Run("Unknown user sees no trades", func(t *testing.T) {
		trades, err := q.GetTradesByUser(ctx, "user-unknown", 100)
		if err != nil {
			t.Fatalf("Failed to get trades: %v", err)
		}
		if len(trades) != 0 {
			t.Errorf("expected 0 trades, got %d", len(trades))
		}
	})

	t.Run("Cross-user trade lookup returns not found", func(t *testing.T) {
		_, err := q.GetTradeByID(ctx, userB, "trade-a-1")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBrokerOwnershipHiding(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	broker := Broker{
		ID: "broker-1", UserID: "owner", ExchangeType: "bitget", Name: "main",
		APIKeyEncrypted: "v1:enc-key", APISecretEncrypted: "v1:enc-secret",
		KeyVersion: 1,
	}
	if err := q.CreateBroker(ctx, broker); err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}

	// Existing-but-foreign and nonexistent ids must be indistinguishable.
	_, errForeign := q.GetBrokerForUser(ctx, "intruder", "broker-1")
	_, errMissing := q.GetBrokerForUser(ctx, "intruder", "broker-nope")
	if errForeign != ErrNotFound || errMissing != ErrNotFound {
		t.Errorf("expected ErrNotFound for both, got %v / %v", errForeign, errMissing)
	}

	got, err := q.GetBrokerForUser(ctx, "owner", "broker-1")
	if err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if got.APIKeyEncrypted != "v1:enc-key" {
		t.Errorf("unexpected encrypted key %q", got.APIKeyEncrypted)
	}
}

func TestTradeTransitionsAreExactlyOnce(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	trade := Trade{
		ID: "trade-1", UserID: "u1", BrokerID: "b1",
		Exchange: "binance", Symbol: "BTC/USDT", Side: "buy",
		OrderType: "market", Quantity: 0.002, Status: TradePending,
	}
	if err := q.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("Failed to create trade: %v", err)
	}

	executed := time.Now().UTC()
	if err := q.MarkTradeFilled(ctx, "trade-1", "ex-42", 0.002, 50000, 0.1, "USDT", executed); err != nil {
		t.Fatalf("first fill transition failed: %v", err)
	}

	// Second transition of any kind must be rejected.
	if err := q.MarkTradeFilled(ctx, "trade-1", "ex-43", 0.002, 50001, 0.1, "USDT", executed); err != ErrTradeFinalized {
		t.Errorf("expected ErrTradeFinalized on re-fill, got %v", err)
	}
	if err := q.MarkTradeFailed(ctx, "trade-1", "late failure"); err != ErrTradeFinalized {
		t.Errorf("expected ErrTradeFinalized on fail-after-fill, got %v", err)
	}

	got, err := q.GetTradeByID(ctx, "u1", "trade-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != TradeFilled {
		t.Errorf("expected filled, got %s", got.Status)
	}
	if got.ExchangeOrderID != "ex-42" {
		t.Errorf("expected ex-42, got %s", got.ExchangeOrderID)
	}
	if got.TotalValue != 0.002*50000 {
		t.Errorf("expected total value %v, got %v", 0.002*50000, got.TotalValue)
	}
}

func TestTradeDedupByExchangeOrder(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	trade := Trade{
		ID: "trade-1", UserID: "u1", BrokerID: "b1",
		Exchange: "kraken", Symbol: "BTC/USDT", Side: "buy",
		OrderType: "market", Quantity: 0.01, Status: TradeFilled,
		ExchangeOrderID: "OABC12-DEF34-GHI56", Source: SourceMonitor,
	}
	if err := q.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("Failed to create trade: %v", err)
	}

	seen, err := q.TradeExistsForOrder(ctx, "b1", "OABC12-DEF34-GHI56")
	if err != nil {
		t.Fatalf("dedup check failed: %v", err)
	}
	if !seen {
		t.Error("expected existing order id to be seen")
	}

	seen, err = q.TradeExistsForOrder(ctx, "b1", "OTHER0-00000-00000")
	if err != nil {
		t.Fatalf("dedup check failed: %v", err)
	}
	if seen {
		t.Error("unexpected hit for unknown order id")
	}
}

func TestOpenPositionUniquePerSymbol(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	p := Position{
		ID: "pos-1", UserID: "u1", BrokerID: "b1", Symbol: "BTC/USDT",
		Side: "buy", Quantity: 0.5, AvgEntryPrice: 48000,
		CurrentSL: 45000, CurrentTP: 60000, SLOrderID: "sl-1",
		Status: PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := q.SavePosition(ctx, p); err != nil {
		t.Fatalf("Failed to save position: %v", err)
	}

	// A second open position for the same user/broker/symbol violates the
	// partial unique index.
	dup := p
	dup.ID = "pos-2"
	if err := q.SavePosition(ctx, dup); err == nil {
		t.Error("expected unique violation for second open position")
	}

	if err := q.UpdateProtectiveOrders(ctx, "pos-1", 46000, 61000, "sl-2", "tp-1"); err != nil {
		t.Fatalf("Failed to update protective orders: %v", err)
	}
	got, err := q.GetOpenPosition(ctx, "u1", "b1", "BTC/USDT")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.CurrentSL != 46000 || got.SLOrderID != "sl-2" || got.TPOrderID != "tp-1" {
		t.Errorf("protective order state not updated: %+v", got)
	}
}

func TestMonitorCheckpointRoundTrip(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	if _, err := q.GetCheckpoint(ctx, "b1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on first scan, got %v", err)
	}

	cp := MonitorCheckpoint{
		BrokerID:          "b1",
		LastCheck:         time.Now().UTC().Truncate(time.Second),
		ConsecutiveErrors: 2,
	}
	if err := q.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	cp.ConsecutiveErrors = 3
	cp.Degraded = true
	if err := q.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Failed to update checkpoint: %v", err)
	}

	got, err := q.GetCheckpoint(ctx, "b1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.ConsecutiveErrors != 3 || !got.Degraded {
		t.Errorf("unexpected checkpoint %+v", got)
	}
}
