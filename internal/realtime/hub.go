package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	readLimit    = 64 << 10
	sendBuffer   = 32
)

// EventError is sent to a client whose message could not be handled.
const EventError = "error"

// InboundFunc handles one message received from a client.
type InboundFunc func(ctx context.Context, clientID string, msg Message) error

// GreetingFunc returns the message sent to a client right after it connects.
type GreetingFunc func(ctx context.Context) (Message, bool)

// HubOptions configures a Hub. Empty AllowedOrigins accepts any origin.
type HubOptions struct {
	AllowedOrigins []string
	Inbound        InboundFunc
	Greeting       GreetingFunc
	Logger         *slog.Logger
}

// Hub relays transport events to WebSocket clients and hands client
// messages to Inbound.
type Hub struct {
	transport Transport
	opts      HubOptions
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
	unsubs  []func()
	closed  bool
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(t Transport, opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		transport: t,
		opts:      opts,
		logger:    logger,
		clients:   make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start subscribes the hub to every relayed event.
func (h *Hub) Start() error {
	for _, event := range Events {
		unsub, err := h.transport.Subscribe(event, h.Broadcast)
		if err != nil {
			h.stopSubscriptions()
			return err
		}
		h.mu.Lock()
		h.unsubs = append(h.unsubs, unsub)
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) stopSubscriptions() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Broadcast sends msg to every connected client. Clients whose buffer is
// full are disconnected.
func (h *Hub) Broadcast(msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode broadcast", "event", msg.Event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("websocket client too slow, dropping", "client_id", id)
			delete(h.clients, id)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	if h.opts.Greeting != nil {
		if msg, ok := h.opts.Greeting(r.Context()); ok {
			h.sendTo(c, msg)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.write(c)
	}()
	h.read(r.Context(), c)

	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
	<-done
	h.logger.Info("websocket client disconnected", "client_id", c.id)
}

func (h *Hub) sendTo(c *wsClient, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.id] != c {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) read(ctx context.Context, c *wsClient) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		op, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debug("websocket read ended", "client_id", c.id, "error", err)
			}
			return
		}
		if op != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			h.sendTo(c, errorMessage("mensagem inválida"))
			continue
		}
		if h.opts.Inbound == nil {
			continue
		}
		if err := h.opts.Inbound(ctx, c.id, msg); err != nil {
			h.sendTo(c, errorMessage(err.Error()))
		}
	}
}

func (h *Hub) write(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorMessage(text string) Message {
	payload, _ := json.Marshal(map[string]string{"error": text})
	return Message{Event: EventError, Payload: payload}
}

// Close unsubscribes from the transport and disconnects every client.
func (h *Hub) Close() {
	h.stopSubscriptions()
	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
}
