package ws

import (
	"sync"
)

// Hub keeps the live connections per topic so they can be counted and shut
// down together. Event delivery itself goes through the broadcast bus.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*room)} }

func (h *Hub) Join(topic string, c *clientConn) {
	h.mu.Lock()
	r, ok := h.rooms[topic]
	if !ok {
		r = newRoom()
		h.rooms[topic] = r
	}
	h.mu.Unlock()
	r.add(c)
}

func (h *Hub) Leave(topic string, c *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[topic]; ok && r.remove(c) {
		delete(h.rooms, topic)
	}
}

// Count returns the number of connections watching topic.
func (h *Hub) Count(topic string) int {
	h.mu.Lock()
	r, ok := h.rooms[topic]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return r.size()
}

// CloseAll closes every connection. Their readers then clean up.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		for _, c := range r.snapshot() {
			c.close()
		}
	}
}
