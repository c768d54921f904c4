package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
)

// clientCommand is the only message shape accepted from a dashboard.
type clientCommand struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// WSHandler upgrades dashboard requests to websocket connections and
// bridges them onto the hub.
type WSHandler struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket handler for the hub.
func NewWSHandler(h *Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub:    h,
		logger: logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from a different origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	connID := uuid.NewString()
	conn, err := h.hub.Register(connID)
	if err != nil {
		_ = ws.Close()
		return
	}

	h.logger.Info("dashboard connected",
		slog.String("connID", connID),
		slog.String("remote", r.RemoteAddr))

	go h.writePump(ws, conn)
	go h.readPump(ws, conn)
}

// readPump consumes subscribe/unsubscribe commands and pong frames.
// Read deadlines enforce the heartbeat: a connection silent beyond the
// pong timeout fails its next read and is unregistered.
func (h *WSHandler) readPump(ws *websocket.Conn, conn *Conn) {
	defer func() {
		h.hub.Unregister(conn.ID())
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.hub.PongTimeout()))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.hub.PongTimeout()))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read failed", slog.String("connID", conn.ID()), slog.String("error", err.Error()))
			}
			return
		}
		conn.Touch()

		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.logger.Warn("malformed command", slog.String("connID", conn.ID()))
			continue
		}

		switch cmd.Action {
		case "subscribe":
			_ = h.hub.Subscribe(conn.ID(), cmd.Topic)
		case "unsubscribe":
			_ = h.hub.Unsubscribe(conn.ID(), cmd.Topic)
		default:
			h.logger.Warn("unknown command", slog.String("connID", conn.ID()), slog.String("action", cmd.Action))
		}
	}
}

// writePump drains the outbound queue onto the socket and sends pings.
func (h *WSHandler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.hub.PingInterval())
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case payload := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
