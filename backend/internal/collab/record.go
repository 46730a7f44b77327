package collab

import "time"

// ChangeRecord is one accepted field-level edit. Sequence is assigned by the
// change log at append time and is the only ordering authority; client
// timestamps are advisory (clocks are not trusted).
type ChangeRecord struct {
	DocumentID      string    `json:"docId"`
	Sequence        uint64    `json:"serverSequence"`
	Field           string    `json:"field"`
	OldValue        any       `json:"oldValue"`
	NewValue        any       `json:"newValue"`
	AuthorID        uint64    `json:"authorId"`
	ClientTimestamp time.Time `json:"clientTimestamp,omitempty"`
	AppliedAt       time.Time `json:"appliedAt"`
}

// Conflict tags an edit that was applied last-writer-wins over a value the
// submitter had never seen. SupersededValue is what the field held at
// submission time (not what the submitter expected).
type Conflict struct {
	ResolvedAs       string `json:"resolvedAs"` // always "overwrite"
	SupersededValue  any    `json:"supersededValue"`
	ExpectedOldValue any    `json:"expectedOldValue"`
}
