package api

import (
	"log"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"exchange-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are the topics pushed over the websocket.
var streamedEvents = []events.Event{
	events.EventTradeExecuted,
	events.EventTradeFailed,
	events.EventTradeDetected,
	events.EventOrderRepaired,
	events.EventPositionPnL,
	events.EventBrokerDegraded,
	events.EventBrokerRecovered,
}

// websocket streams the caller's notifications. Auth rides the token query
// parameter because browsers cannot set headers on websocket upgrades.
func (s *Server) websocket(c *gin.Context) {
	userID, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "invalid or expired token",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	type envelope struct {
		Event   events.Event `json:"event"`
		Payload any          `json:"payload"`
	}
	merged := make(chan envelope, 100)
	done := make(chan struct{})
	defer close(done)

	for _, ev := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(ev, 100)
		go func(event events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if !payloadForUser(msg, userID) {
						continue
					}
					select {
					case merged <- envelope{Event: event, Payload: msg}:
					case <-done:
						return
					}
				}
			}
		}(ev, stream, unsub)
	}

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case env := <-merged:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}

// payloadForUser reports whether a payload belongs to the user. Payloads
// without a UserID field (broker health) are broadcast to everyone.
func payloadForUser(payload any, userID string) bool {
	v := reflect.ValueOf(payload)
	if v.Kind() != reflect.Struct {
		return true
	}
	f := v.FieldByName("UserID")
	if !f.IsValid() || f.Kind() != reflect.String {
		return true
	}
	return f.String() == userID
}
