package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

// MessageHandler is a function that handles incoming messages
type MessageHandler func(*Client, *Message)

// Hub maintains the set of connected driver and rider clients
type Hub struct {
	clients map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Message handlers by message type
	handlers map[string]MessageHandler

	// Called after a client is removed, outside the hub lock
	onDisconnect func(clientID, role string)

	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		handlers:   make(map[string]MessageHandler),
	}
}

// Run starts the hub's register/unregister loop
func (h *Hub) Run() {
	logger.Info("websocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

// OnDisconnect registers a callback fired when a client is dropped. The
// presence registry uses this to remove the driver atomically with respect
// to offer lookups.
func (h *Hub) OnDisconnect(fn func(clientID, role string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if existing, ok := h.clients[client.ID]; ok {
		close(existing.Send)
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	logger.Info("client connected", zap.String("client", client.ID), zap.String("role", client.Role))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	var callback func(string, string)
	if ok {
		delete(h.clients, client.ID)
		close(client.Send)
		callback = h.onDisconnect
	}
	h.mu.Unlock()

	if ok {
		logger.Info("client disconnected", zap.String("client", client.ID))
		if callback != nil {
			callback(client.ID, client.Role)
		}
	}
}

// HandleMessage routes incoming messages to the registered handler
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, exists := h.handlers[msg.Type]
	h.mu.RUnlock()

	if exists {
		handler(client, msg)
	} else {
		logger.Debug("no handler for message type", zap.String("type", msg.Type))
	}
}

// RegisterHandler registers a message handler for a specific type
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// PushToUser delivers a message to a connected user without blocking.
// Returns false if the user is not connected or their buffer is full.
func (h *Hub) PushToUser(userID string, msg *Message) bool {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return client.TrySend(msg)
}

// IsConnected reports whether a user currently has a live connection
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
