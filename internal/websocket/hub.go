// Package websocket is the live push transport. Connections join rooms on
// connect (derived from their declared role) and receive every event sent to
// those rooms, optionally narrowed by an event type filter.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hackgods/consultation-queue/internal/events"
)

var ErrHubClosed = errors.New("websocket hub closed")

// ClientMessage is an inbound control message from a connection.
type ClientMessage struct {
	Action string   `json:"action"` // subscribe, unsubscribe
	Types  []string `json:"types"`
}

// Client is one live connection.
type Client struct {
	ID    string
	Role  events.Role
	Rooms []string
	Send  chan []byte

	mu      sync.RWMutex
	filters map[events.Type]struct{} // empty means every type
}

func NewClient(id string, role events.Role, rooms []string, buffer int) *Client {
	return &Client{
		ID:      id,
		Role:    role,
		Rooms:   rooms,
		Send:    make(chan []byte, buffer),
		filters: make(map[events.Type]struct{}),
	}
}

func (c *Client) Subscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.filters[events.Type(t)] = struct{}{}
	}
}

func (c *Client) Unsubscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.filters, events.Type(t))
	}
}

func (c *Client) Wants(t events.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	_, ok := c.filters[t]
	return ok
}

// Hub tracks connections per room. It implements events.Sink.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

// Register adds a client and joins it to its rooms.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][client] = struct{}{}
	}
	return nil
}

// Unregister removes a client from all rooms and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		client.Subscribe(msg.Types)
	case "unsubscribe":
		client.Unsubscribe(msg.Types)
	}
}

// Send pushes ev to every client in any of rooms, once per client. A client
// whose buffer is full misses the event rather than blocking the caller.
func (h *Hub) Send(_ context.Context, rooms []string, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}

	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for client := range h.rooms[room] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			if !client.Wants(ev.Type) {
				continue
			}
			select {
			case client.Send <- data:
			default:
			}
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for client := range h.all {
		close(client.Send)
	}
	h.all = make(map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
