// Package api is the operator HTTP surface: auth, broker management, trade
// execution and a websocket notification stream. All exchange calls go
// through the queue façade, never directly to an adapter.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-core/internal/events"
	"exchange-core/internal/request"
	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
)

// Server wires HTTP endpoints around the queue client and the event bus.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Queries    *db.UserQueries
	KeyManager *crypto.KeyManager
	Requests   *request.Client
	JWTSecret  string
}

func NewServer(bus *events.Bus, database *db.Database, keys *crypto.KeyManager, requests *request.Client, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger())
	r.Use(RateLimit())
	r.Use(Timeout(150 * time.Second)) // above the longest queue tier
	r.Use(CORS())

	s := &Server{
		Router:     r,
		Bus:        bus,
		DB:         database,
		Queries:    database.Queries(),
		KeyManager: keys,
		Requests:   requests,
		JWTSecret:  jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/brokers", s.listBrokers)
			protected.POST("/brokers", s.createBroker)
			protected.DELETE("/brokers/:id", s.deactivateBroker)
			protected.POST("/brokers/:id/test", s.testBroker)
			protected.GET("/brokers/:id/balance", s.getBalance)
			protected.GET("/brokers/:id/orders", s.getOpenOrders)
			protected.GET("/brokers/:id/orders/:orderId", s.getOrderInfo)
			protected.GET("/brokers/:id/history", s.getOrderHistory)
			protected.GET("/brokers/:id/tickers", s.getTickers)
			protected.POST("/brokers/preload", s.preloadBrokers)

			protected.GET("/trades", s.listTrades)
			protected.POST("/trades", s.executeTrade)
			protected.POST("/orders", s.placeOrder)
			protected.DELETE("/orders/:orderId", s.cancelOrder)
			protected.PUT("/orders/:orderId", s.modifyOrder)

			protected.GET("/positions", s.listPositions)
			protected.GET("/monitor/status", s.monitorStatus)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}
