package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presence-backend/internal/models"
	"presence-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var errClientClosed = errors.New("client closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client serializes writes to one connection; gorilla allows a single
// concurrent writer.
type client struct {
	conn   Conn
	mu     sync.Mutex
	closed bool
}

func newClient(conn Conn) *client {
	return &client{conn: conn}
}

func (c *client) send(msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// HandleWebSocket authenticates the token query parameter, upgrades the
// request and runs the connection until it drops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		var forbidden *services.ForbiddenError
		if errors.As(err, &forbidden) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", slog.Error(err))
		return
	}

	connID := uuid.NewString()
	if err := h.attach(h.ctx, connID, conn, id); err != nil {
		h.logger.Error(h.ctx, "attach websocket", slog.Error(err))
		_ = conn.Close()
		return
	}

	go h.readPump(connID, conn)
}

func (h *Hub) readPump(connID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	defer func() {
		_ = h.OnDisconnect(ctx, connID, models.EndReasonDisconnect)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.clock.TickerFunc(ctx, pingPeriod, func() error {
		h.mu.RLock()
		b, ok := h.bindings[connID]
		h.mu.RUnlock()
		if !ok {
			return errClientClosed
		}
		if err := b.client.ping(); err != nil {
			return err
		}
		return nil
	}, "hub", "ping")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug(ctx, "websocket read error", slog.F("conn_id", connID), slog.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.HandleMessage(ctx, connID, data); err != nil {
			h.logger.Warn(ctx, "handle websocket message", slog.F("conn_id", connID), slog.Error(err))
		}
		if !h.IsConnected(connID) {
			return
		}
	}
}
