package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/internal/order"
	"exchange-core/internal/queue"
	"exchange-core/internal/request"
	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

type stubAdapter struct {
	placed []common.OrderRequest
}

func (s *stubAdapter) Name() string { return "stub" }
func (s *stubAdapter) TestConnection(ctx context.Context) (common.ConnectionStatus, error) {
	return common.ConnectionStatus{Connected: true, Detail: "ok"}, nil
}
func (s *stubAdapter) GetBalance(ctx context.Context) (map[string]common.Balance, error) {
	return map[string]common.Balance{"USDT": {Available: 1000, Total: 1000}}, nil
}
func (s *stubAdapter) GetMarkets(ctx context.Context) (map[string]common.Market, error) {
	return map[string]common.Market{}, nil
}
func (s *stubAdapter) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{Symbol: symbol, Last: 50000}, nil
}
func (s *stubAdapter) FetchTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	return map[string]common.Ticker{"BTC/USDT": {Symbol: "BTC/USDT", Last: 50000}}, nil
}
func (s *stubAdapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	s.placed = append(s.placed, req)
	return common.OrderResult{OrderID: "ex-1", Status: common.StatusFilled}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (s *stubAdapter) ModifyOrder(ctx context.Context, symbol, orderID string, newPrice, newQty float64) (common.OrderResult, error) {
	return common.OrderResult{OrderID: orderID}, nil
}
func (s *stubAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	return nil, nil
}
func (s *stubAdapter) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]common.OrderRecord, error) {
	return nil, nil
}

type apiEnv struct {
	server  *Server
	adapter *stubAdapter
	queries *db.UserQueries
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	keys, err := crypto.NewKeyManager()
	require.NoError(t, err)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	queries := database.Queries()

	adapter := &stubAdapter{}
	registry := gateway.NewRegistry()
	registry.Register("stub", func(creds common.Credentials, res *common.Resources) common.Adapter {
		return adapter
	}, common.NewResources(100, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := queue.NewMemoryTransport(100)
	t.Cleanup(func() { transport.Close() })

	manager := gateway.NewManager(queries, keys, registry, gateway.DefaultConfig())
	bus := events.NewBus()
	executor := order.NewExecutor(ledger.New(queries), manager, bus)
	executor.SkipBalanceCheck = true
	worker := gateway.NewWorker(transport, manager, executor)
	go worker.Run(ctx)

	client, err := request.NewClient(ctx, transport)
	require.NoError(t, err)

	return &apiEnv{
		server:  NewServer(bus, database, keys, client, "test-secret"),
		adapter: adapter,
		queries: queries,
	}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) registerAndLogin(t *testing.T, email string) (userID, token string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/register", "", jsonBody{"email": email, "password": "hunter22"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/auth/login", "", jsonBody{"email": email, "password": "hunter22"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.UserID, out.Token
}

type jsonBody = map[string]any

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/api/brokers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	_, token := env.registerAndLogin(t, "a@example.com")

	w := env.do(t, http.MethodGet, "/api/brokers", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Wrong password is rejected without detail.
	w = env.do(t, http.MethodPost, "/api/auth/login", "", jsonBody{"email": "a@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBrokerStoresOnlyCiphertext(t *testing.T) {
	env := newAPIEnv(t)
	userID, token := env.registerAndLogin(t, "a@example.com")

	w := env.do(t, http.MethodPost, "/api/brokers", token, jsonBody{
		"name": "main", "exchange_type": "stub",
		"api_key": "plain-key", "api_secret": "plain-secret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "plain-key")
	assert.NotContains(t, w.Body.String(), "plain-secret")

	brokers, err := env.queries.ListBrokersByUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, brokers, 1)
	assert.NotEmpty(t, brokers[0].APIKeyEncrypted)
	assert.NotEqual(t, "plain-key", brokers[0].APIKeyEncrypted)
	assert.NotEqual(t, "plain-secret", brokers[0].APISecretEncrypted)
}

func TestDeactivateForeignBrokerLooksLikeMissing(t *testing.T) {
	env := newAPIEnv(t)
	ownerID, ownerToken := env.registerAndLogin(t, "owner@example.com")
	_, intruderToken := env.registerAndLogin(t, "intruder@example.com")

	w := env.do(t, http.MethodPost, "/api/brokers", ownerToken, jsonBody{
		"name": "main", "exchange_type": "stub",
		"api_key": "k", "api_secret": "s",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	foreign := env.do(t, http.MethodDelete, "/api/brokers/"+created.ID, intruderToken, nil)
	missing := env.do(t, http.MethodDelete, "/api/brokers/does-not-exist", intruderToken, nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, missing.Body.String(), foreign.Body.String())

	// Owner still can.
	w = env.do(t, http.MethodDelete, "/api/brokers/"+created.ID, ownerToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	brokers, err := env.queries.ListBrokersByUser(context.Background(), ownerID)
	require.NoError(t, err)
	require.Len(t, brokers, 1)
	assert.False(t, brokers[0].IsActive)
}

func TestExecuteTradeEndToEnd(t *testing.T) {
	env := newAPIEnv(t)
	userID, token := env.registerAndLogin(t, "a@example.com")

	w := env.do(t, http.MethodPost, "/api/brokers", token, jsonBody{
		"name": "main", "exchange_type": "stub",
		"api_key": "k", "api_secret": "s",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, "/api/trades", token, jsonBody{
		"broker_id": created.ID,
		"symbol":    "BTC/USDT", "side": "buy", "order_type": "limit",
		"qty": 0.01, "price": 48000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, env.adapter.placed, 1)

	trades, err := env.queries.GetTradesByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, db.TradeFilled, trades[0].Status)

	list := env.do(t, http.MethodGet, "/api/trades", token, nil)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "BTC/USDT")
}

func TestTradeOnForeignBrokerIsGenericDenial(t *testing.T) {
	env := newAPIEnv(t)
	_, ownerToken := env.registerAndLogin(t, "owner@example.com")
	_, intruderToken := env.registerAndLogin(t, "intruder@example.com")

	w := env.do(t, http.MethodPost, "/api/brokers", ownerToken, jsonBody{
		"name": "main", "exchange_type": "stub",
		"api_key": "k", "api_secret": "s",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, "/api/trades", intruderToken, jsonBody{
		"broker_id": created.ID,
		"symbol":    "BTC/USDT", "side": "buy", "order_type": "limit",
		"qty": 0.01, "price": 48000,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "access denied")
	assert.NotContains(t, w.Body.String(), created.ID)
	assert.Empty(t, env.adapter.placed)
}

func TestBrokerConnectivityCheck(t *testing.T) {
	env := newAPIEnv(t)
	_, token := env.registerAndLogin(t, "a@example.com")

	w := env.do(t, http.MethodPost, "/api/brokers", token, jsonBody{
		"name": "main", "exchange_type": "stub",
		"api_key": "k", "api_secret": "s",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, "/api/brokers/"+created.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "ok")
}

func TestInvalidOrderRejectedBeforeQueue(t *testing.T) {
	env := newAPIEnv(t)
	_, token := env.registerAndLogin(t, "a@example.com")

	w := env.do(t, http.MethodPost, "/api/trades", token, jsonBody{
		"broker_id": "b", "symbol": "BTC/USDT", "side": "hold",
		"order_type": "limit", "qty": 1, "price": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.adapter.placed)
}
