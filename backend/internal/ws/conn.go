package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campaign-collab/backend/internal/cache"
	"campaign-collab/backend/internal/collab"
	"campaign-collab/backend/internal/presence"
)

const (
	editTimeout   = 2 * time.Second
	cursorTTL     = 30 * time.Second
	sendQueueSize = 32
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	id       string
	docID    string
	userID   uint64
	username string

	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage

	svc     collab.Service
	tracker *presence.Tracker
	stats   cache.InteractionCache
	sem     *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, id string, svc collab.Service, tracker *presence.Tracker, stats cache.InteractionCache, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:      ws,
		hub:     hub,
		id:      id,
		send:    make(chan OutboundMessage, sendQueueSize),
		svc:     svc,
		tracker: tracker,
		stats:   stats,
		sem:     sem,
	}
}

// enqueue hands a message to the write loop. A full queue drops the message
// rather than blocking the caller: one slow consumer must not stall the
// fan-out or the edit path. Messages for a torn-down connection are dropped
// too; a broadcast may still hold this connection in its room snapshot
// after the socket closed.
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend stops the write loop. Safe to call more than once; must only be
// called after the connection left the hub.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) sendError(docID, code, content string) {
	c.enqueue(ServerMessage{Type: "error", DocID: docID, Code: code, Content: content})
}

func (c *Conn) handleSubscribe(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.sendError("", "BAD_REQUEST", "subscribe requires docId")
		return
	}

	version, err := c.svc.CurrentVersion(ctx, msg.DocID)
	if errors.Is(err, collab.ErrUnknownDocument) {
		c.sendError(msg.DocID, "DOCUMENT_NOT_FOUND", "document "+msg.DocID+" not found")
		return
	}
	if err != nil {
		log.Printf("subscribe doc=%s: %v", msg.DocID, err)
		c.sendError(msg.DocID, "INTERNAL", "subscribe failed")
		return
	}

	// switching documents: leave the old room's presence now instead of
	// waiting for the TTL sweep
	if c.docID != "" && c.docID != msg.DocID {
		if err := c.tracker.Remove(ctx, c.docID, c.userID); err != nil {
			log.Printf("remove presence doc=%s user=%d: %v", c.docID, c.userID, err)
		}
	}

	c.userID = msg.UserID
	c.username = msg.Username
	c.docID = msg.DocID
	c.hub.Register(c)

	if err := c.tracker.Heartbeat(ctx, c.docID, c.userID, c.username, false); err != nil {
		log.Printf("heartbeat doc=%s user=%d: %v", c.docID, c.userID, err)
	}

	changes, err := c.svc.History(ctx, c.docID, msg.SinceSequence)
	if err != nil {
		log.Printf("history doc=%s since=%d: %v", c.docID, msg.SinceSequence, err)
		c.sendError(c.docID, "INTERNAL", "history replay failed")
		return
	}
	entries, err := c.tracker.Snapshot(ctx, c.docID)
	if err != nil {
		log.Printf("presence snapshot doc=%s: %v", c.docID, err)
	}
	c.enqueue(HistoryMessage{
		Type:          "history",
		DocID:         c.docID,
		SinceSequence: msg.SinceSequence,
		Version:       version,
		Changes:       changes,
		Presence:      entries,
	})
}

func (c *Conn) handleEdit(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if docID == "" || msg.Field == "" {
		c.sendError(docID, "BAD_REQUEST", "edit requires docId and field")
		return
	}

	editCtx, cancel := context.WithTimeout(ctx, editTimeout)
	defer cancel()

	if err := c.sem.Acquire(editCtx); err != nil {
		c.sendError(docID, "OVERLOADED", "too many edits in flight")
		return
	}
	defer c.sem.Release()

	rec, conflict, err := c.svc.Apply(editCtx, docID, msg.Field, msg.ExpectedOldValue, msg.NewValue, c.userID, msg.ClientTimestamp)
	if errors.Is(err, collab.ErrUnknownDocument) {
		c.sendError(docID, "DOCUMENT_NOT_FOUND", "document "+docID+" not found")
		return
	}
	if errors.Is(err, collab.ErrPersistence) {
		// the change was never accepted; the client must resubmit as a
		// brand-new edit if it still wants it
		c.sendError(docID, "PERSISTENCE_FAILED", "change was not saved")
		return
	}
	if err != nil {
		log.Printf("apply doc=%s field=%s: %v", docID, msg.Field, err)
		c.sendError(docID, "INTERNAL", "edit failed")
		return
	}

	// exactly one terminal reply per edit attempt
	if conflict != nil {
		c.enqueue(EditConflictMessage{
			Type:            "edit_conflict",
			DocID:           docID,
			Field:           rec.Field,
			ServerSequence:  rec.Sequence,
			SupersededValue: conflict.SupersededValue,
		})
	} else {
		c.enqueue(EditAckMessage{
			Type:           "edit_ack",
			DocID:          docID,
			Field:          rec.Field,
			ServerSequence: rec.Sequence,
			Version:        rec.Sequence,
		})
	}

	c.hub.BroadcastChange(docID, c, ChangeMessage{Type: "change", Change: rec, Conflict: conflict})

	if c.stats != nil {
		if err := c.stats.RecordEdit(ctx, docID, c.userID); err != nil {
			log.Printf("record edit doc=%s user=%d: %v", docID, c.userID, err)
		}
	}
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if docID == "" || len(msg.Position) == 0 {
		return
	}
	if err := c.tracker.Cursor(ctx, docID, c.userID, msg.Position, cursorTTL); err != nil {
		log.Printf("cursor doc=%s user=%d: %v", docID, c.userID, err)
	}
	c.hub.BroadcastCursor(docID, c, CursorMessage{
		Type:     "cursor",
		DocID:    docID,
		UserID:   c.userID,
		Username: c.username,
		Position: msg.Position,
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(ctx, msg)

		case "edit":
			c.handleEdit(ctx, msg)

		case "heartbeat":
			docID := msg.DocID
			if docID == "" {
				docID = c.docID
			}
			if docID == "" {
				c.sendError("", "BAD_REQUEST", "heartbeat before subscribe")
				continue
			}
			if err := c.tracker.Heartbeat(ctx, docID, c.userID, c.username, msg.Editing); err != nil {
				log.Printf("heartbeat doc=%s user=%d: %v", docID, c.userID, err)
			}

		case "cursor":
			c.handleCursor(ctx, msg)

		case "unsubscribe":
			if c.docID == "" {
				continue
			}
			if err := c.tracker.Remove(ctx, c.docID, c.userID); err != nil {
				log.Printf("remove presence doc=%s user=%d: %v", c.docID, c.userID, err)
			}
			c.hub.Unregister(c)
			c.docID = ""

		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
