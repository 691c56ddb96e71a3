package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesync/internal/observability/logging"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultSendBuffer     = 64
	defaultMaxMessageSize = 16 * 1024
)

// WebsocketConfig configures the WebSocket endpoint.
type WebsocketConfig struct {
	Hub    *Hub
	Logger *slog.Logger
	// CheckOrigin decides whether an upgrade request is allowed. Nil accepts
	// same-origin requests only.
	CheckOrigin func(*http.Request) bool
	// PingInterval controls how often ping frames are sent. The read deadline
	// is extended by twice this interval on every pong. Zero uses 30s.
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// WebsocketHandler upgrades HTTP requests and attaches the resulting
// connections to the hub.
type WebsocketHandler struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
	sendBuffer     int
	maxMessageSize int64

	mu       sync.Mutex
	clients  map[string]*client
	draining bool
	wg       sync.WaitGroup
}

func NewWebsocketHandler(cfg WebsocketConfig) *WebsocketHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebsocketHandler{
		hub:            cfg.Hub,
		logger:         logger,
		pingInterval:   cfg.PingInterval,
		writeWait:      cfg.WriteWait,
		sendBuffer:     cfg.SendBuffer,
		maxMessageSize: cfg.MaxMessageSize,
		clients:        make(map[string]*client),
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.writeWait <= 0 {
		h.writeWait = defaultWriteWait
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultMaxMessageSize
	}
	h.pongWait = 2 * h.pingInterval
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return h
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	identity, err := normalizeUsername(r.URL.Query().Get("username"))
	if err != nil {
		identity = ""
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		handler: h,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
	}
	if !h.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(h.writeWait))
		_ = conn.Close()
		return
	}
	// Actions outlive the HTTP request so a disconnect never cancels a write
	// that is already in flight.
	ctx := logging.ContextWithConnectionID(context.WithoutCancel(r.Context()), c.id)
	ctx = logging.ContextWithIdentity(ctx, identity)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	if err := h.hub.Connect(ctx, c, identity); err != nil {
		h.logger.Error("failed to register connection", "connection_id", c.id, "error", err)
		c.Close()
		h.untrack(c.id)
		h.wg.Done()
		return
	}
	go func() {
		defer h.wg.Done()
		c.readPump(ctx)
	}()
}

// Wait blocks until every connection goroutine has exited.
func (h *WebsocketHandler) Wait() {
	h.wg.Wait()
}

// Shutdown refuses new upgrades, closes every open connection and waits for
// their goroutines until ctx expires.
func (h *WebsocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	open := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebsocketHandler) track(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *WebsocketHandler) untrack(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

type client struct {
	id      string
	conn    *websocket.Conn
	handler *WebsocketHandler
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) ID() string {
	return c.id
}

// Send queues a frame without blocking. It reports false only when the
// buffer is full; frames for a closing connection are discarded.
func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// socket. The read pump then fails and unregisters the connection.
func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) readPump(ctx context.Context) {
	h := c.handler
	defer func() {
		h.hub.Disconnect(ctx, c.id)
		h.untrack(c.id)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.hub.HandleFrame(ctx, c.id, data)
	}
}

func (c *client) writePump() {
	h := c.handler
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
