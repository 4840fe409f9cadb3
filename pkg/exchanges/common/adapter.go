package common

import "context"

// Adapter abstracts a trading venue behind a uniform capability set. One
// implementation exists per exchange; each normalizes its venue's symbol
// format, status vocabulary and fee structure into the common result shapes.
//
// Adapter values are cheap per-call constructions: credentials are injected
// at build time and immutable afterwards, while connection resources (HTTP
// client, rate limiter, time sync) are shared per exchange type via
// Resources.
type Adapter interface {
	// Name returns the exchange identifier ("bitget", "binance", "kraken").
	Name() string

	// TestConnection verifies the credentials with a cheap private call.
	TestConnection(ctx context.Context) (ConnectionStatus, error)

	// GetBalance returns asset balances. Zero balances are omitted or
	// reported as zero; an empty account is not an error.
	GetBalance(ctx context.Context) (map[string]Balance, error)

	// GetMarkets returns per-symbol trading constraints, cached with a
	// short TTL. A lookup for an unseen symbol forces a refetch.
	GetMarkets(ctx context.Context) (map[string]Market, error)

	// GetTicker returns a price snapshot for one symbol.
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// FetchTickers returns snapshots for the given symbols, or all
	// symbols when the slice is empty.
	FetchTickers(ctx context.Context, symbols []string) (map[string]Ticker, error)

	// PlaceOrder submits an order. Market-buy amounts are quote-currency
	// values; market-sell and limit amounts are base quantities.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels by exchange order id. Cancelling an already
	// terminal order returns a typed error, not a crash.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// ModifyOrder changes price and/or quantity. Where the venue has no
	// in-place modify this is an atomic cancel-and-replace; the returned
	// order id may differ from the input.
	ModifyOrder(ctx context.Context, symbol, orderID string, newPrice, newQty float64) (OrderResult, error)

	// GetOpenOrders lists live orders, optionally filtered by symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRecord, error)

	// GetOrderHistory lists recent orders, newest first, up to limit.
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]OrderRecord, error)
}

// Factory builds an adapter for one broker's credentials, drawing shared
// connection resources from res.
type Factory func(creds Credentials, res *Resources) Adapter
