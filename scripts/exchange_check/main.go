// exchange_check verifies that the exchange adapter wrappers can reach a real
// venue with the supplied credentials. Read-only by default; set
// EXCHANGE_CHECK_PLACE_ORDER=true to also place one tiny limit order far from
// the market and cancel it.
//
// Usage:
//
//	EXCHANGE_CHECK_TYPE=bitget \
//	EXCHANGE_CHECK_KEY=... EXCHANGE_CHECK_SECRET=... EXCHANGE_CHECK_PASSPHRASE=... \
//	go run ./scripts/exchange_check
//
// Optional:
//
//	EXCHANGE_CHECK_SYMBOL   (default "BTC/USDT")
//	EXCHANGE_CHECK_TESTNET  (default "false")
package main

import (
	"context"
	"log"
	"os"
	"time"

	"exchange-core/internal/gateway"
	"exchange-core/pkg/exchanges/common"
)

func main() {
	log.Println("=== Exchange adapter check starting ===")

	exchangeType := getenv("EXCHANGE_CHECK_TYPE", "bitget")
	symbol := getenv("EXCHANGE_CHECK_SYMBOL", "BTC/USDT")
	placeOrder := getenv("EXCHANGE_CHECK_PLACE_ORDER", "false") == "true"

	creds := common.Credentials{
		APIKey:     os.Getenv("EXCHANGE_CHECK_KEY"),
		APISecret:  os.Getenv("EXCHANGE_CHECK_SECRET"),
		Passphrase: os.Getenv("EXCHANGE_CHECK_PASSPHRASE"),
		Testnet:    getenv("EXCHANGE_CHECK_TESTNET", "false") == "true",
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		log.Fatal("❌ EXCHANGE_CHECK_KEY / EXCHANGE_CHECK_SECRET must be set")
	}

	registry := gateway.DefaultRegistry(30 * time.Second)
	adapter, err := registry.Build(exchangeType, creds)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	status, err := adapter.TestConnection(ctx)
	if err != nil {
		log.Fatalf("❌ [%s] connection check failed: %v", exchangeType, err)
	}
	log.Printf("✅ [%s] connected=%v", exchangeType, status.Connected)

	balances, err := adapter.GetBalance(ctx)
	if err != nil {
		log.Fatalf("❌ [%s] balance fetch failed: %v", exchangeType, err)
	}
	log.Printf("✅ [%s] %d non-zero balances", exchangeType, len(balances))

	ticker, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		log.Fatalf("❌ [%s] ticker fetch failed for %s: %v", exchangeType, symbol, err)
	}
	log.Printf("✅ [%s] %s last=%f bid=%f ask=%f", exchangeType, symbol, ticker.Last, ticker.Bid, ticker.Ask)

	open, err := adapter.GetOpenOrders(ctx, symbol)
	if err != nil {
		log.Fatalf("❌ [%s] open orders fetch failed: %v", exchangeType, err)
	}
	log.Printf("✅ [%s] %d open orders on %s", exchangeType, len(open), symbol)

	if !placeOrder {
		log.Println("=== Check complete (read-only; set EXCHANGE_CHECK_PLACE_ORDER=true to test order placement) ===")
		return
	}

	// A buy 50% below the market should rest on the book, never fill.
	price := ticker.Last * 0.5
	res, err := adapter.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol,
		Side:   common.SideBuy,
		Params: common.LimitParams{Qty: minQtyFor(symbol), Price: price},
	})
	if err != nil {
		log.Fatalf("❌ [%s] test order placement failed: %v", exchangeType, err)
	}
	log.Printf("✅ [%s] test order placed: id=%s status=%s", exchangeType, res.OrderID, res.Status)

	if err := adapter.CancelOrder(ctx, symbol, res.OrderID); err != nil {
		log.Fatalf("❌ [%s] test order cancel failed, REMOVE IT MANUALLY: id=%s err=%v", exchangeType, res.OrderID, err)
	}
	log.Printf("✅ [%s] test order cancelled", exchangeType)
	log.Println("=== Check complete ===")
}

// minQtyFor returns a quantity small enough to be cheap but above the usual
// venue minimums for major pairs.
func minQtyFor(symbol string) float64 {
	switch symbol {
	case "BTC/USDT", "BTC/USD":
		return 0.0002
	case "ETH/USDT", "ETH/USD":
		return 0.005
	default:
		return 1
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
