package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// ClientMessage is a subscription request from a WebSocket client.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Reply acknowledges a ClientMessage or reports why it was refused.
type Reply struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Message string   `json:"message,omitempty"`
}

// NewUpgrader returns an upgrader accepting the given origins. "*" accepts
// any origin; requests without an Origin header are always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// WebSocketHandler handles GET /ws. Symbols may be given up front with
// ?symbols= and changed later with subscribe/unsubscribe messages. It must
// be mounted behind the auth middleware.
func (b *Broadcaster) WebSocketHandler(upgrader *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := b.Open(c.Request.Context(), ParseSymbols(c.Query("symbols")))
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, ErrTooManySymbols) {
				status = http.StatusBadRequest
			}
			sendError(c, status, err.Error())
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// The upgrader has already written an HTTP error.
			b.logger.Debug("WebSocket upgrade failed", zap.Error(err))
			b.Close(s)
			return
		}

		go b.writePump(conn, s)
		b.readPump(conn, s)
	}
}

// readPump applies client requests to the session until the connection
// fails, then closes the session.
func (b *Broadcaster) readPump(conn *websocket.Conn, s *Session) {
	defer func() {
		b.Close(s)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Debug("Error parsing client message", zap.Error(err))
			b.reply(s, Reply{Type: "error", Message: "invalid message"})
			continue
		}
		b.handleClientMessage(s, msg)
	}
}

func (b *Broadcaster) handleClientMessage(s *Session, msg ClientMessage) {
	symbols := normalize(msg.Symbols)
	switch msg.Type {
	case "subscribe":
		if err := b.Subscribe(context.Background(), s, symbols); err != nil {
			b.reply(s, Reply{Type: "error", Message: err.Error()})
			return
		}
		b.reply(s, Reply{Type: "subscribed", Symbols: symbols})
	case "unsubscribe":
		b.Unsubscribe(s, symbols)
		b.reply(s, Reply{Type: "unsubscribed", Symbols: symbols})
	default:
		b.reply(s, Reply{Type: "error", Message: "unknown message type"})
	}
}

func (b *Broadcaster) reply(s *Session, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.enqueue(Message{Event: r.Type, Data: data})
}

// writePump pumps session messages to the WebSocket connection.
func (b *Broadcaster) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.Close(s)
		conn.Close()
	}()

	for {
		select {
		case <-s.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		case m := <-s.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, m.Data); err != nil {
				s.logger.Debug("Client write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			// Send a ping message to the client to keep the connection alive.
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
