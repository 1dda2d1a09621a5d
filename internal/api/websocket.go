package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size.
	maxMessageSize = 64 << 10
	// Outbound queue per client.
	clientSendBuffer = 256
	// Inbound commands waiting for the intake slot, per client.
	clientCommandBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	// Commands read from the connection, handed to the intake in order.
	commands chan string
}

// readPump accepts {"command": "..."} messages and queues them for
// submitPump. It never waits on the intake, so control frames keep being
// processed while the slot is taken.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(c.hub.ctx())
	defer func() {
		// Commands still waiting for the slot are abandoned with the connection.
		cancel()
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()
	go c.submitPump(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}

		var req commandRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Warn("Ignoring malformed websocket message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		select {
		case c.commands <- req.Command:
		default:
			c.hub.logger.Warn("Websocket command dropped, too many pending", zap.String("client_id", c.id), zap.String("command", req.Command))
		}
	}
}

// submitPump hands queued commands to the intake until ctx is cancelled.
func (c *Client) submitPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-c.commands:
			if ctx.Err() != nil {
				return
			}
			if err := c.hub.intake.Submit(ctx, command); err != nil {
				c.hub.logger.Warn("Websocket command rejected", zap.String("client_id", c.id), zap.Error(err))
				continue
			}
			c.hub.logger.Info("Command accepted via websocket", zap.String("client_id", c.id), zap.String("command", command))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Hub relays bus events to every connected websocket client as JSON
// envelopes. A client that cannot keep up is disconnected.
type Hub struct {
	bus    *agent.EventBus
	intake *agent.CommandIntake
	buffer int
	logger *zap.Logger

	mu       sync.Mutex
	clients  map[*Client]struct{}
	running  bool
	runCtx   context.Context
	stopping bool
}

// NewHub creates a hub. Run must be called before clients are accepted.
func NewHub(bus *agent.EventBus, intake *agent.CommandIntake, buffer int, logger *zap.Logger) *Hub {
	return &Hub{
		bus:     bus,
		intake:  intake,
		buffer:  buffer,
		logger:  logger.Named("ws_hub"),
		clients: make(map[*Client]struct{}),
		runCtx:  context.Background(),
	}
}

// Run forwards events until ctx is cancelled or the bus closes, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	events, unsubscribe := h.bus.Subscribe(h.buffer)
	defer unsubscribe()

	h.mu.Lock()
	h.running = true
	h.runCtx = ctx
	h.mu.Unlock()

	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev.Envelope())
			if err != nil {
				h.logger.Error("Failed to encode envelope", zap.Error(err))
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *Hub) broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("WebSocket client too slow, disconnecting", zap.String("client_id", client.id))
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopping = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) registerClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.stopping {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("New WebSocket client connected", zap.String("client_id", c.id))
	return true
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id))
	}
}

func (h *Hub) ctx() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runCtx
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and attaches the connection to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:       uuid.New().String(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, clientSendBuffer),
		commands: make(chan string, clientCommandBuffer),
	}
	if !h.registerClient(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
