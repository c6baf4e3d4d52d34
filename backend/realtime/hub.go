// Package realtime terminates WebSocket connections: it authenticates
// the upgrade, registers the device with the presence core, and pumps
// bus deltas down to the client.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/auth"
	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/presence"
)

const (
	maxConnections = 4096
	writeWait      = 10 * time.Second
	pongWait       = 75 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 << 10
)

// Client frames. The server never reads anything larger than a small
// control message.
type clientFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Topic     string `json:"topic,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

const (
	frameHeartbeat = "HEARTBEAT"
	frameStatus    = "STATUS"
	frameSubscribe = "SUBSCRIBE"
	frameSession   = "SESSION"
)

// Hub owns the live connections.
type Hub struct {
	gateway  *auth.Gateway
	tracker  *presence.Tracker
	bus      *bus.Bus
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]*client // by connection id
}

type client struct {
	conn   *websocket.Conn
	sub    *bus.Subscription
	connID string
	userID string
	hiveID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewHub(gateway *auth.Gateway, tracker *presence.Tracker, b *bus.Bus, log *zap.Logger) *Hub {
	return &Hub{
		gateway: gateway,
		tracker: tracker,
		bus:     b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log.Named("realtime"),
		conns: make(map[string]*client),
	}
}

// ServeWS handles GET /ws?hive=<id>&device=<id>&client=<kind>.
// The bearer token rides in the Authorization header or, for browser
// clients that cannot set headers on upgrades, the token query param.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	verdict, err := h.gateway.Verify(r.Context(), token)
	if err != nil {
		status := http.StatusUnauthorized
		if !errs.IsKind(err, errs.KindAuthentication) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "credential rejected", status)
		return
	}

	hiveID := r.URL.Query().Get("hive")
	if hiveID == "" {
		http.Error(w, "hive is required", http.StatusBadRequest)
		return
	}
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	clientKind := r.URL.Query().Get("client")

	h.mu.Lock()
	if len(h.conns) >= maxConnections {
		h.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	c := &client{
		conn:   conn,
		connID: connID,
		userID: verdict.User.UserID,
		hiveID: hiveID,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	c.sub = h.bus.Subscribe(bus.HiveTopic(hiveID), bus.UserTopic(verdict.User.UserID))

	if err := h.tracker.OnConnect(r.Context(), verdict.User.UserID, hiveID, deviceID, connID, clientKind); err != nil {
		h.log.Warn("presence registration failed",
			zap.String("user", verdict.User.UserID), zap.String("hive", hiveID), zap.Error(err))
		c.sub.Cancel()
		conn.Close()
		return
	}

	h.mu.Lock()
	h.conns[connID] = c
	h.mu.Unlock()
	h.log.Info("client connected",
		zap.String("user", verdict.User.UserID), zap.String("hive", hiveID), zap.String("conn", connID))

	go h.writePump(c)
	go h.readPump(c)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if hdr := r.Header.Get("Authorization"); len(hdr) > len(prefix) && hdr[:len(prefix)] == prefix {
		return hdr[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// readPump consumes client frames until the connection dies, then
// tears the client down.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read error", zap.String("conn", c.connID), zap.Error(err))
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		h.handleFrame(c, frame)
	}
}

func (h *Hub) handleFrame(c *client, frame clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch frame.Type {
	case frameHeartbeat:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.tracker.OnHeartbeat(ctx, c.connID); err != nil {
			h.log.Debug("heartbeat rejected", zap.String("conn", c.connID), zap.Error(err))
		}
	case frameStatus:
		if err := h.tracker.OnStatusChange(ctx, c.userID, c.hiveID, presence.Status(frame.Status)); err != nil {
			h.log.Debug("status rejected",
				zap.String("user", c.userID), zap.String("status", frame.Status), zap.Error(err))
		}
	case frameSession:
		if err := h.tracker.SetCurrentSession(ctx, c.userID, c.hiveID, frame.SessionID); err != nil {
			h.log.Debug("session attach rejected", zap.String("user", c.userID), zap.Error(err))
		}
	case frameSubscribe:
		if frame.Topic != "" {
			c.sub.AddTopic(bus.Topic(frame.Topic))
		}
	}
}

// writePump serializes everything leaving the socket: bus deltas and
// keepalive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case d, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(d); err != nil {
				return
			}
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop unwinds one client exactly once.
func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		close(c.done)
		c.sub.Cancel()
		h.mu.Lock()
		delete(h.conns, c.connID)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.tracker.OnDisconnect(ctx, c.connID); err != nil && !errs.IsKind(err, errs.KindNotFound) {
			h.log.Warn("disconnect handling failed", zap.String("conn", c.connID), zap.Error(err))
		}
		h.log.Info("client disconnected", zap.String("conn", c.connID))
	})
}

// Shutdown closes every connection. Used on process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
		c.conn.Close()
	}
}

// ConnectionCount is exposed for health reporting.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
