package collab

import "time"

// ChangeEvent is the wire form of an accepted change on the Kafka topic,
// consumed by sibling instances and by the analytics pipeline.
type ChangeEvent struct {
	EventType       string    `json:"eventType"` // always "CHANGE_APPLIED"
	DocID           string    `json:"docId"`
	Sequence        uint64    `json:"serverSequence"`
	Field           string    `json:"field"`
	OldValue        any       `json:"oldValue"`
	NewValue        any       `json:"newValue"`
	AuthorID        uint64    `json:"authorId"`
	Conflict        *Conflict `json:"conflict,omitempty"`
	ClientTimestamp time.Time `json:"clientTimestamp,omitempty"`
	AppliedAt       time.Time `json:"appliedAt"`
}

func NewChangeEvent(rec ChangeRecord, conflict *Conflict) ChangeEvent {
	return ChangeEvent{
		EventType:       "CHANGE_APPLIED",
		DocID:           rec.DocumentID,
		Sequence:        rec.Sequence,
		Field:           rec.Field,
		OldValue:        rec.OldValue,
		NewValue:        rec.NewValue,
		AuthorID:        rec.AuthorID,
		Conflict:        conflict,
		ClientTimestamp: rec.ClientTimestamp,
		AppliedAt:       rec.AppliedAt,
	}
}
