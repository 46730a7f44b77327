package ws

import (
	"sync"

	"campaign-collab/backend/internal/presence"
)

// Hub is the connection registry: which connections are subscribed to which
// document, and the local fan-out over them. One document's broadcast never
// touches another document's room.
type Hub struct {
	mu sync.RWMutex
	// docID -> set of connections. A user can hold several connections
	// (tabs, devices), so rooms are keyed by connection, not by user.
	rooms map[string]map[*Conn]struct{}
	// connection_id -> connection, for idempotent re-register and for
	// unregister-by-id after a heartbeat reap.
	byID map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Conn]struct{}),
		byID:  make(map[string]*Conn),
	}
}

// Register subscribes a connection to its document. Registering an id that
// is already present overwrites the previous registration.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.byID[c.id]; ok && old != c {
		h.removeLocked(old)
	}
	// moving to another document leaves the old room first
	h.removeFromRoomsLocked(c)
	h.byID[c.id] = c
	if h.rooms[c.docID] == nil {
		h.rooms[c.docID] = make(map[*Conn]struct{})
	}
	h.rooms[c.docID][c] = struct{}{}
}

// Unregister removes a connection. Unknown connections are a no-op: the
// socket may close after the server already reaped it.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Conn) {
	if h.byID[c.id] == c {
		delete(h.byID, c.id)
	}
	h.removeFromRoomsLocked(c)
}

func (h *Hub) removeFromRoomsLocked(c *Conn) {
	for docID, conns := range h.rooms {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.rooms, docID)
			}
		}
	}
}

func (h *Hub) ConnectionsFor(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// Documents lists document ids with at least one live connection.
func (h *Hub) Documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for docID := range h.rooms {
		out = append(out, docID)
	}
	return out
}

// BroadcastChange fans an accepted edit out to every subscriber of the
// document except the originator, which gets its ack on the reply path.
// Delivery is per-connection best-effort: enqueue, never block.
func (h *Hub) BroadcastChange(docID string, origin *Conn, msg ChangeMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != origin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(docID string, entry presence.Entry) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	msg := PresenceMessage{Type: "presence", Entry: entry}
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(docID string, origin *Conn, msg CursorMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != origin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}
