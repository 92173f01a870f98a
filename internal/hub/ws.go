package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves the identity behind a handshake token.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// WSHandler upgrades authenticated requests and runs one session per socket.
type WSHandler struct {
	Hub    *Hub
	Router *Router
	Auth   Authenticator
	Logger *slog.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id, err := h.Auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := h.Hub.Register(id)
	logger.Info("realtime session connected", "conn_id", c.ID, "user_id", id.UserID, "role", id.Role)
	go writePump(conn, c, logger)
	h.readPump(conn, c, logger)
}

func (h *WSHandler) readPump(conn *websocket.Conn, c *Client, logger *slog.Logger) {
	defer func() {
		h.Hub.Unregister(c)
		_ = conn.Close()
		logger.Info("realtime session disconnected", "conn_id", c.ID, "user_id", c.Identity.UserID)
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// the request context ends with the handler, commands get their own
	ctx := context.Background()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		h.Router.Handle(ctx, c, msg)
	}
}

func writePump(conn *websocket.Conn, c *Client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-c.Wake():
			for _, f := range c.Drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
					logger.Debug("websocket write failed", "conn_id", c.ID, "error", err)
					c.Close()
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session closed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
