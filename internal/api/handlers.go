package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"exchange-core/internal/gateway"
	"exchange-core/internal/request"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

type createBrokerRequest struct {
	Name         string `json:"name"`
	ExchangeType string `json:"exchange_type"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Passphrase   string `json:"passphrase"`
	Testnet      bool   `json:"testnet"`
}

// listBrokers returns the caller's brokers. Credential material is never
// echoed back, encrypted or otherwise.
func (s *Server) listBrokers(c *gin.Context) {
	userID := CurrentUserID(c)
	brokers, err := s.Queries.ListBrokersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(brokers))
	for _, b := range brokers {
		out = append(out, gin.H{
			"id":            b.ID,
			"name":          b.Name,
			"exchange_type": b.ExchangeType,
			"testnet":       b.Testnet,
			"is_active":     b.IsActive,
			"key_version":   b.KeyVersion,
			"created_at":    b.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createBroker stores a broker with encrypted credentials.
func (s *Server) createBroker(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createBrokerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.ExchangeType == "" || req.APIKey == "" || req.APISecret == "" {
		respondError(c, http.StatusBadRequest, "MISSING_FIELDS", "exchange_type, api_key and api_secret are required")
		return
	}

	encKey, err := s.KeyManager.Encrypt(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt credentials")
		return
	}
	encSecret, err := s.KeyManager.Encrypt(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt credentials")
		return
	}
	var encPassphrase string
	if req.Passphrase != "" {
		if encPassphrase, err = s.KeyManager.Encrypt(req.Passphrase); err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt credentials")
			return
		}
	}

	now := time.Now()
	broker := db.Broker{
		ID:                  uuid.NewString(),
		UserID:              userID,
		ExchangeType:        req.ExchangeType,
		Name:                req.Name,
		APIKeyEncrypted:     encKey,
		APISecretEncrypted:  encSecret,
		PassphraseEncrypted: encPassphrase,
		KeyVersion:          s.KeyManager.CurrentVersion(),
		Testnet:             req.Testnet,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.Queries.CreateBroker(c.Request.Context(), broker); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            broker.ID,
		"name":          broker.Name,
		"exchange_type": broker.ExchangeType,
		"is_active":     broker.IsActive,
		"key_version":   broker.KeyVersion,
		"created_at":    broker.CreatedAt,
	})
}

// deactivateBroker soft-deletes a broker. A broker the caller does not own
// gets the same response as one that does not exist.
func (s *Server) deactivateBroker(c *gin.Context) {
	userID := CurrentUserID(c)
	id := c.Param("id")

	if err := s.Queries.DeactivateBroker(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "broker not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (s *Server) testBroker(c *gin.Context) {
	var out common.ConnectionStatus
	s.viaQueue(c, c.Param("id"), request.ActionTestConnection, nil, &out)
}

func (s *Server) getBalance(c *gin.Context) {
	var out map[string]common.Balance
	s.viaQueue(c, c.Param("id"), request.ActionFetchBalance, nil, &out)
}

func (s *Server) getOpenOrders(c *gin.Context) {
	var out []common.OrderRecord
	s.viaQueue(c, c.Param("id"), request.ActionOpenOrders,
		gin.H{"symbol": c.Query("symbol")}, &out)
}

func (s *Server) getOrderInfo(c *gin.Context) {
	var out common.OrderRecord
	s.viaQueue(c, c.Param("id"), request.ActionOrderInfo, gin.H{
		"symbol":   c.Query("symbol"),
		"order_id": c.Param("orderId"),
	}, &out)
}

func (s *Server) preloadBrokers(c *gin.Context) {
	userID := CurrentUserID(c)
	var out map[string]int
	// Preload is per-user, not per-broker; any owned broker id satisfies the
	// envelope, so the user id doubles as the routing key.
	err := s.Requests.Do(c.Request.Context(), userID, "", request.ActionPreloadBrokers, nil, &out)
	if err != nil {
		s.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getOrderHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var out []common.OrderRecord
	s.viaQueue(c, c.Param("id"), request.ActionOrderHistory,
		gin.H{"symbol": c.Query("symbol"), "limit": limit}, &out)
}

func (s *Server) getTickers(c *gin.Context) {
	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	}
	var out map[string]common.Ticker
	s.viaQueue(c, c.Param("id"), request.ActionFetchTickers,
		gin.H{"symbols": symbols}, &out)
}

// executeTrade runs the full validated execution path and returns the
// resulting ledger state.
func (s *Server) executeTrade(c *gin.Context) {
	brokerID, payload, ok := s.bindOrder(c)
	if !ok {
		return
	}
	var out map[string]any
	s.viaQueue(c, brokerID, request.ActionExecuteTrade, payload, &out)
}

// placeOrder submits an order directly, without ledger bookkeeping.
func (s *Server) placeOrder(c *gin.Context) {
	brokerID, payload, ok := s.bindOrder(c)
	if !ok {
		return
	}
	var out common.OrderResult
	s.viaQueue(c, brokerID, request.ActionPlaceOrder, payload, &out)
}

func (s *Server) cancelOrder(c *gin.Context) {
	var out map[string]any
	s.viaQueue(c, c.Query("broker_id"), request.ActionCancelOrder, gin.H{
		"symbol":   c.Query("symbol"),
		"order_id": c.Param("orderId"),
	}, &out)
}

func (s *Server) modifyOrder(c *gin.Context) {
	var req struct {
		BrokerID string  `json:"broker_id"`
		Symbol   string  `json:"symbol"`
		NewPrice float64 `json:"new_price"`
		NewQty   float64 `json:"new_qty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	var out common.OrderResult
	s.viaQueue(c, req.BrokerID, request.ActionModifyOrder, gin.H{
		"symbol":    req.Symbol,
		"order_id":  c.Param("orderId"),
		"new_price": req.NewPrice,
		"new_qty":   req.NewQty,
	}, &out)
}

func (s *Server) listTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	trades, err := s.Queries.GetTradesByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		row := gin.H{
			"id":                t.ID,
			"broker_id":         t.BrokerID,
			"exchange":          t.Exchange,
			"symbol":            t.Symbol,
			"side":              t.Side,
			"order_type":        t.OrderType,
			"quantity":          t.Quantity,
			"price":             t.Price,
			"total_value":       t.TotalValue,
			"status":            t.Status,
			"exchange_order_id": t.ExchangeOrderID,
			"filled_qty":        t.FilledQty,
			"avg_fill_price":    t.AvgFillPrice,
			"source":            t.Source,
			"created_at":        t.CreatedAt,
		}
		if t.ErrorMessage != "" {
			row["error_message"] = t.ErrorMessage
		}
		if t.ExecutedAt.Valid {
			row["executed_at"] = t.ExecutedAt.Time
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	brokers, err := s.Queries.ListBrokersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0)
	for _, b := range brokers {
		positions, err := s.Queries.ListOpenPositions(c.Request.Context(), b.ID)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			return
		}
		for _, p := range positions {
			out = append(out, gin.H{
				"id":              p.ID,
				"broker_id":       p.BrokerID,
				"symbol":          p.Symbol,
				"side":            p.Side,
				"quantity":        p.Quantity,
				"avg_entry_price": p.AvgEntryPrice,
				"realized_pnl":    p.RealizedPnL,
				"current_sl":      p.CurrentSL,
				"current_tp":      p.CurrentTP,
				"opened_at":       p.OpenedAt,
			})
		}
	}
	c.JSON(http.StatusOK, out)
}

// monitorStatus reports the reconciliation health of the caller's brokers.
func (s *Server) monitorStatus(c *gin.Context) {
	userID := CurrentUserID(c)
	brokers, err := s.Queries.ListBrokersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(brokers))
	for _, b := range brokers {
		row := gin.H{
			"broker_id":     b.ID,
			"exchange_type": b.ExchangeType,
			"is_active":     b.IsActive,
		}
		cp, err := s.Queries.GetCheckpoint(c.Request.Context(), b.ID)
		if err == nil && cp != nil {
			row["last_check"] = cp.LastCheck
			row["consecutive_errors"] = cp.ConsecutiveErrors
			row["degraded"] = cp.Degraded
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, out)
}

// --- Internal helpers ---

// bindOrder decodes the order payload shared by trade and order endpoints.
func (s *Server) bindOrder(c *gin.Context) (string, gateway.OrderPayload, bool) {
	var req struct {
		BrokerID string `json:"broker_id"`
		gateway.OrderPayload
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return "", gateway.OrderPayload{}, false
	}
	if req.BrokerID == "" {
		respondError(c, http.StatusBadRequest, "MISSING_BROKER", "broker_id is required")
		return "", gateway.OrderPayload{}, false
	}
	if _, err := req.OrderPayload.ToRequest(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
		return "", gateway.OrderPayload{}, false
	}
	return req.BrokerID, req.OrderPayload, true
}

// viaQueue issues one queue action for the caller and maps the typed error
// taxonomy to HTTP statuses.
func (s *Server) viaQueue(c *gin.Context, brokerID, action string, payload any, out any) {
	if brokerID == "" {
		respondError(c, http.StatusBadRequest, "MISSING_BROKER", "broker id is required")
		return
	}
	userID := CurrentUserID(c)

	err := s.Requests.Do(c.Request.Context(), userID, brokerID, action, payload, out)
	if err != nil {
		s.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) respondQueueError(c *gin.Context, err error) {
	var timeout *request.TimeoutError
	if errors.As(err, &timeout) {
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", timeout.Error())
		return
	}
	respondError(c, statusForKind(common.KindOf(err)), string(common.KindOf(err)), err.Error())
}

func statusForKind(kind common.Kind) int {
	switch kind {
	case common.KindAuthorization:
		return http.StatusForbidden
	case common.KindAuth:
		return http.StatusUnauthorized
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindRateLimit:
		return http.StatusTooManyRequests
	case common.KindInsufficientFunds, common.KindOrder, common.KindUnknownAction, common.KindUnsupportedExchange:
		return http.StatusUnprocessableEntity
	case common.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
