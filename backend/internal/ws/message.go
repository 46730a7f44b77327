package ws

import (
	"encoding/json"
	"time"

	"campaign-collab/backend/internal/collab"
	"campaign-collab/backend/internal/presence"
)

type ClientMessage struct {
	Type             string          `json:"type"`
	DocID            string          `json:"docId"`
	UserID           uint64          `json:"userId"`
	Username         string          `json:"username"`
	SinceSequence    uint64          `json:"sinceSequence"`
	Field            string          `json:"field"`
	ExpectedOldValue any             `json:"expectedOldValue"`
	NewValue         any             `json:"newValue"`
	Editing          bool            `json:"editing"`
	Position         json.RawMessage `json:"position,omitempty"`
	ClientTimestamp  time.Time       `json:"clientTimestamp,omitempty"`
}

// ServerMessage carries acks, errors and other one-off replies.
type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}

// HistoryMessage is the subscribe reply: everything after SinceSequence,
// in order, so the client can reconstruct current state without a REST
// round trip.
type HistoryMessage struct {
	Type          string               `json:"type"` // always "history"
	DocID         string               `json:"docId"`
	SinceSequence uint64               `json:"sinceSequence"`
	Version       uint64               `json:"version"`
	Changes       []collab.ChangeRecord `json:"changes"`
	Presence      []presence.Entry     `json:"presence,omitempty"`
}

type EditAckMessage struct {
	Type           string `json:"type"` // always "edit_ack"
	DocID          string `json:"docId"`
	Field          string `json:"field"`
	ServerSequence uint64 `json:"serverSequence"`
	Version        uint64 `json:"version"`
}

type EditConflictMessage struct {
	Type            string `json:"type"` // always "edit_conflict"
	DocID           string `json:"docId"`
	Field           string `json:"field"`
	ServerSequence  uint64 `json:"serverSequence"`
	SupersededValue any    `json:"supersededValue"`
}

// ChangeMessage is the fan-out of an accepted edit to every other
// subscriber of the document.
type ChangeMessage struct {
	Type     string              `json:"type"` // always "change"
	Change   collab.ChangeRecord `json:"change"`
	Conflict *collab.Conflict    `json:"conflict,omitempty"`
}

type PresenceMessage struct {
	Type  string         `json:"type"` // always "presence"
	Entry presence.Entry `json:"entry"`
}

type CursorMessage struct {
	Type     string          `json:"type"` // always "cursor"
	DocID    string          `json:"docId"`
	UserID   uint64          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Position json.RawMessage `json:"position"`
}

// OutboundMessage is anything the write loop can serialize to a client.
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string       { return m.Type }
func (m HistoryMessage) MessageType() string      { return m.Type }
func (m EditAckMessage) MessageType() string      { return m.Type }
func (m EditConflictMessage) MessageType() string { return m.Type }
func (m ChangeMessage) MessageType() string       { return m.Type }
func (m PresenceMessage) MessageType() string     { return m.Type }
func (m CursorMessage) MessageType() string       { return m.Type }
