package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campaign-collab/backend/internal/cache"
	"campaign-collab/backend/internal/collab"
	"campaign-collab/backend/internal/presence"
)

// upgrader allows local development origins; some environments send no
// Origin header, or "null".
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub     *Hub
	svc     collab.Service
	tracker *presence.Tracker
	stats   cache.InteractionCache
	sem     *collab.SemaphoreControl
}

func NewManager(hub *Hub, svc collab.Service, tracker *presence.Tracker, stats cache.InteractionCache, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, svc: svc, tracker: tracker, stats: stats, sem: sem}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, uuid.NewString(), m.svc, m.tracker, m.stats, m.sem)

	// start the write loop first so replies queued during subscribe are
	// flushed promptly
	go wsConn.writeLoop()

	// blocks until the socket closes
	wsConn.readLoop(c.Request.Context())

	// leave the hub before closing the send channel, so no broadcast can
	// target a connection whose write loop is gone
	m.hub.Unregister(wsConn)
	wsConn.closeSend()
}
