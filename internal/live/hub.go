// Package live fans streaming service events out to browsers over
// WebSocket.
package live

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/stream"
	"github.com/danmuck/syncctl/internal/stroke"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config bounds per-client traffic. Capture reports above CaptureRate are
// dropped for that client; every other message is always queued.
type Config struct {
	SendBuffer   int
	CaptureRate  rate.Limit
	CaptureBurst int
	MaxClients   int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		CaptureRate:  60,
		CaptureBurst: 10,
		MaxClients:   16,
	}
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub is a stream.Listener that broadcasts every event as a Message.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ stream.Listener = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.CaptureBurst <= 0 {
		cfg.CaptureBurst = def.CaptureBurst
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logging.For("live"),
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the client until it hangs up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.cfg.MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := h.add(conn)
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	go func() {
		defer func() {
			h.remove(c)
			h.logger.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(h.cfg.CaptureRate, h.cfg.CaptureBurst),
	}
	go c.writePump()
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) OnStateChange(prev, next link.State) {
	h.broadcast(Message{Type: MsgState, Payload: StatePayload{Prev: prev.String(), Next: next.String()}}, false)
}

func (h *Hub) OnCaptureReport(r hid.CaptureReport) {
	h.broadcast(Message{Type: MsgCapture, Payload: capturePayload(r)}, true)
}

func (h *Hub) OnDrawnPaths(paths []stroke.Path) {
	h.broadcast(Message{Type: MsgPaths, Payload: pathPayloads(paths)}, false)
}

func (h *Hub) OnErase() {
	h.broadcast(Message{Type: MsgErase}, false)
}

func (h *Hub) OnSave() {
	h.broadcast(Message{Type: MsgSave}, false)
}

func (h *Hub) broadcast(msg Message, limited bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("marshal message")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if limited && !c.limiter.Allow() {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Msg("client too slow, disconnecting")
		h.remove(c)
	}
}
