package websocket

import (
	"sync"

	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/rs/zerolog"
)

// roomMessage is a frame addressed to one room. An empty room reaches
// every client.
type roomMessage struct {
	room string
	data []byte
}

// Hub maintains the set of active clients and fans messages out by room
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Room name -> members
	rooms map[string]map[*Client]bool

	// Outbound frames waiting for fan-out
	broadcast chan roomMessage

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients and rooms
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan roomMessage, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		logger:     logger.With().Str("component", "websocket_hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	m := metrics.Get()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			for _, room := range client.rooms {
				members, ok := h.rooms[room]
				if !ok {
					members = make(map[*Client]bool)
					h.rooms[room] = members
				}
				members[client] = true
			}
			total := len(h.clients)
			h.mu.Unlock()
			m.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Strs("rooms", client.rooms).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeLocked(client)
				m.RecordWebSocketDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// PublishToRoom queues a frame for the members of a room. It never
// blocks; when the hub is backed up the frame is dropped.
func (h *Hub) PublishToRoom(room string, message []byte) bool {
	select {
	case h.broadcast <- roomMessage{room: room, data: message}:
		return true
	default:
		metrics.Get().RecordBroadcastDropped()
		h.logger.Warn().Str("room", room).Msg("hub backlog full, dropping frame")
		return false
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(message []byte) {
	h.PublishToRoom("", message)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in a room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) deliver(msg roomMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.clients
	if msg.room != "" {
		targets = h.rooms[msg.room]
	}

	for client := range targets {
		select {
		case client.send <- msg.data:
		default:
			// Client's send buffer is full, close and remove it
			h.removeLocked(client)
			metrics.Get().RecordBroadcastDropped()
			metrics.Get().RecordWebSocketDisconnect()
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	for _, room := range client.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(client.send)
}
