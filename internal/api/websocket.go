// Package api provides WebSocket functionality for real-time updates.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeOrderUpdate    MessageType = "order_update"
	MsgTypeFill           MessageType = "fill"
	MsgTypePositionUpdate MessageType = "position_update"
	MsgTypeTradeUpdate    MessageType = "trade_update"
	MsgTypeEquityUpdate   MessageType = "equity_update"
	MsgTypeRiskAlert      MessageType = "risk_alert"
	MsgTypeBacktest       MessageType = "backtest_update"
	MsgTypeError          MessageType = "error"
	MsgTypeHeartbeat      MessageType = "heartbeat"
	MsgTypePong           MessageType = "pong"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypePing        MessageType = "ping"
)

// Channels clients can subscribe to. Risk alerts go to every client.
const (
	ChannelOrders    = "orders"
	ChannelFills     = "fills"
	ChannelPositions = "positions"
	ChannelTrades    = "trades"
	ChannelEquity    = "equity"
	ChannelBacktests = "backtests"
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages WebSocket connections.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	done       chan struct{}
	mu         sync.RWMutex
	dropped    atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origins are enforced by the CORS layer
			},
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run registers and removes clients until ctx ends. Connections are
// refused once it has returned.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	client.mu.RLock()
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	client.mu.RUnlock()
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

// sendHeartbeat sends heartbeat to all clients.
func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{
		Type:      MsgTypeHeartbeat,
		Timestamp: time.Now().UnixMilli(),
	})

	h.mu.RLock()
	for client := range h.clients {
		h.deliver(client, data)
	}
	h.mu.RUnlock()
}

// deliver queues data for a client, dropping it when the client is slow
// (must hold read lock)
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Client buffer full, dropping message", zap.String("client", client.id))
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

func encode(msgType MessageType, channel string, data interface{}) ([]byte, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      dataBytes,
		Timestamp: time.Now().UnixMilli(),
	})
}

// PublishToChannel publishes a message to a channel's subscribers.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msgBytes, err := encode(msgType, channel, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[channel] {
		h.deliver(client, msgBytes)
	}
}

// Broadcast sends a message to all clients.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	msgBytes, err := encode(msgType, "", data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.deliver(client, msgBytes)
	}
}

// Attach relays bus events to the matching channels.
func (h *Hub) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(func(e events.Event) error {
		switch ev := e.(type) {
		case *events.OrderEvent:
			h.PublishToChannel(ChannelOrders, MsgTypeOrderUpdate, ev.Order)
		case *events.FillEvent:
			h.PublishToChannel(ChannelFills, MsgTypeFill, ev.Fill)
		case *events.PositionEvent:
			h.PublishToChannel(ChannelPositions, MsgTypePositionUpdate, ev.Position)
		case *events.TradeEvent:
			h.PublishToChannel(ChannelTrades, MsgTypeTradeUpdate, ev.Trade)
		case *events.EquityEvent:
			h.PublishToChannel(ChannelEquity, MsgTypeEquityUpdate, ev.Point)
		case *events.RiskAlertEvent:
			h.Broadcast(MsgTypeRiskAlert, ev)
		}
		return nil
	})
}

// Dropped counts messages discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and starts the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	h.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// NewClient creates a new client.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump pumps messages from the WebSocket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			c.reply(WSMessage{Type: MsgTypeError, Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	reply := WSMessage{ID: msg.ID, Type: msg.Type, Channel: msg.Channel, Success: true}
	switch msg.Type {
	case MsgTypePing:
		reply.Type = MsgTypePong
	case MsgTypeSubscribe:
		if msg.Channel == "" {
			reply = WSMessage{ID: msg.ID, Type: MsgTypeError, Error: "channel required"}
			break
		}
		c.hub.Subscribe(c, msg.Channel)
	case MsgTypeUnsubscribe:
		c.hub.Unsubscribe(c, msg.Channel)
	default:
		reply = WSMessage{ID: msg.ID, Type: MsgTypeError, Error: "unknown message type " + string(msg.Type)}
	}
	c.reply(reply)
}

func (c *Client) reply(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.hub.deliver(c, data)
	}
}

// WritePump pumps messages from the hub to the WebSocket, one frame per
// message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
