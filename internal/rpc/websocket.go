package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType represents the type of WebSocket event.
type EventType string

const (
	// EventOrderState carries an order.Message each time an order
	// changes state.
	EventOrderState EventType = "order_state"

	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"

	// EventSubscribed acknowledges a subscription request.
	EventSubscribed EventType = "subscribed"
)

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`

	// invoice scopes order events for invoice filters.
	invoice string
}

// WSSubscription represents a subscription request. Invoices narrows
// order_state events to the listed swaps.
type WSSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Events   []string `json:"events,omitempty"`
	Invoices []string `json:"invoices,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	invoices      map[string]bool
	mu            sync.RWMutex
	hub           *WSHub
}

func (c *WSClient) wants(event *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) > 0 && !c.subscriptions[event.Type] {
		return false
	}
	if event.invoice != "" && len(c.invoices) > 0 && !c.invoices[event.invoice] {
		return false
	}
	return true
}

type directEvent struct {
	client *WSClient
	event  *WSEvent
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	direct     chan directEvent
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		direct:     make(chan directEvent, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run starts the hub event loop. Clients are disconnected when ctx ends.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("WebSocket client disconnected", "clients", h.ClientCount())

		case d := <-h.direct:
			data, err := json.Marshal(d.event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			_, ok := h.clients[d.client]
			h.mu.RUnlock()
			if ok {
				h.deliver(d.client, data)
			}

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("Failed to marshal event", "error", err)
				continue
			}

			h.mu.RLock()
			targets := make([]*WSClient, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(event) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				h.deliver(client, data)
			}
		}
	}
}

// deliver queues data for client, dropping the client when its buffer
// is full. Only called from Run.
func (h *WSHub) deliver(client *WSClient, data []byte) {
	select {
	case client.send <- data:
	default:
		h.log.Debug("WebSocket client too slow, disconnecting")
		h.remove(client)
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func newEvent(eventType EventType, data interface{}) *WSEvent {
	return &WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// Broadcast sends an event to all subscribed clients.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	h.publish(newEvent(eventType, data))
}

// BroadcastOrder sends an order_state event for m.
func (h *WSHub) BroadcastOrder(m *order.Message) {
	event := newEvent(EventOrderState, m)
	event.invoice = m.Invoice
	h.publish(event)
}

func (h *WSHub) publish(event *WSEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// streamOrders forwards every bus message to the websocket clients
// until ctx ends.
func (s *Server) streamOrders(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			s.wsHub.BroadcastOrder(m)
		}
	}()
	return nil
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		invoices:      make(map[string]bool),
		hub:           s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes messages to the WebSocket connection, one event per
// frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
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

// handleSubscription processes subscription requests and acknowledges
// them with the resulting filters.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
	for _, inv := range sub.Invoices {
		switch sub.Action {
		case "subscribe":
			c.invoices[inv] = true
		case "unsubscribe":
			delete(c.invoices, inv)
		}
	}
	ack := WSSubscription{Action: sub.Action}
	for ev := range c.subscriptions {
		ack.Events = append(ack.Events, string(ev))
	}
	for inv := range c.invoices {
		ack.Invoices = append(ack.Invoices, inv)
	}
	c.mu.Unlock()

	select {
	case c.hub.direct <- directEvent{client: c, event: newEvent(EventSubscribed, ack)}:
	case <-c.hub.done:
	}
}
