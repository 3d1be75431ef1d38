// Package websocket provides the WebSocket gateway for session streaming.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

// GlobalRoom receives host-level notifications. Every connected client is an
// implicit member.
const GlobalRoom = "sessions"

// SessionRoomKey returns the room that carries one session's event stream.
func SessionRoomKey(sessionID string) string {
	return "session:" + sessionID
}

// Hub manages all WebSocket client connections and their room memberships.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific rooms
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and every room it joined
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for room := range client.subscriptions {
			if members, ok := h.rooms[room]; ok {
				delete(members, client)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an event to every subscriber of a room as a notification
// message. Slow clients are skipped; the write pump cleans them up.
func (h *Hub) Broadcast(roomKey, eventName string, event any) {
	msg, err := ws.NewNotification(eventName, event)
	if err != nil {
		h.logger.Error("Failed to build notification",
			zap.String("event", eventName), zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if roomKey == GlobalRoom {
		// Host-level notifications go to every connected client.
		for client := range h.clients {
			client.enqueue(data)
		}
		return
	}

	for client := range h.rooms[roomKey] {
		client.enqueue(data)
	}
}

// JoinRoom subscribes a client to a room
func (h *Hub) JoinRoom(client *Client, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomKey]; !ok {
		h.rooms[roomKey] = make(map[*Client]bool)
	}
	h.rooms[roomKey][client] = true
	client.subscriptions[roomKey] = true

	h.logger.Debug("Client joined room",
		zap.String("client_id", client.ID),
		zap.String("room", roomKey))
}

// LeaveRoom unsubscribes a client from a room
func (h *Hub) LeaveRoom(client *Client, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, roomKey)
	if members, ok := h.rooms[roomKey]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomKey)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
