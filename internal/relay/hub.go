// Package relay implements the room relay: every frame a connection sends is
// broadcast verbatim to every other connection in the same room.
package relay

import (
	"sort"
	"sync"

	"github.com/1ureka/roomcall/internal/util"
)

// RoomInfo describes an active room.
type RoomInfo struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
}

// Hub tracks the connections of every active room. A room exists while it
// has at least one connection.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*conn]struct{})}
}

// join registers c in its room, creating the room on first use. It reports
// false once the hub is closed.
func (h *Hub) join(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[c.room] = members
		util.LogInfo("room %s opened", c.room)
	}
	members[c] = struct{}{}
	return true
}

// leave removes c and deletes the room when it becomes empty.
func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[c.room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, c.room)
		util.LogInfo("room %s closed", c.room)
	}
}

// broadcast queues data on every connection of sender's room except sender.
// Connections that cannot keep up are dropped.
func (h *Hub) broadcast(sender *conn, data []byte) {
	var slow []*conn

	h.mu.RLock()
	for c := range h.rooms[sender.room] {
		if c == sender {
			continue
		}
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		util.LogWarning("[%s] send buffer full in room %s, dropping connection", c.id, c.room)
		c.close()
	}
}

// Rooms returns the active rooms sorted by name.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]RoomInfo, 0, len(h.rooms))
	for name, members := range h.rooms {
		rooms = append(rooms, RoomInfo{Name: name, Connections: len(members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*conn
	for _, members := range h.rooms {
		for c := range members {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
