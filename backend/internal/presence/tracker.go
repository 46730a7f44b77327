package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"campaign-collab/backend/internal/cache"
)

// Entry is the externally visible presence state of one user on one
// document. Derived from Redis liveness keys, never stored durably.
type Entry struct {
	DocID    string    `json:"docId"`
	UserID   uint64    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Status   string    `json:"status"` // viewing | editing | offline
	LastSeen time.Time `json:"lastSeen"`
}

// Broadcaster is the fan-out the tracker publishes to. Implemented by
// ws.Hub; an interface here keeps the dependency one-directional.
type Broadcaster interface {
	BroadcastPresence(docID string, entry Entry)
	Documents() []string
}

type Options struct {
	SweepInterval time.Duration // how often stale entries are reaped
	AbsenceTTL    time.Duration // silence after which a member is gone
	EditingTTL    time.Duration // silence after which editing demotes to viewing
}

// Tracker derives presence from heartbeats and reconciles it on a timer.
// Events are emitted only when an entry's visible state actually changes,
// never on timer ticks that change nothing.
type Tracker struct {
	cache cache.PresenceCache
	hub   Broadcaster
	opt   Options

	mu   sync.Mutex
	last map[string]map[uint64]string // docID -> userID -> last emitted status
}

func NewTracker(c cache.PresenceCache, hub Broadcaster, opt Options) *Tracker {
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = 5 * time.Second
	}
	if opt.AbsenceTTL <= 0 {
		opt.AbsenceTTL = 2 * time.Minute
	}
	if opt.EditingTTL <= 0 {
		opt.EditingTTL = 30 * time.Second
	}
	return &Tracker{
		cache: c,
		hub:   hub,
		opt:   opt,
		last:  make(map[string]map[uint64]string),
	}
}

// Heartbeat records liveness and intent, and emits a presence event right
// away when the member's visible status changed (join, viewing<->editing).
func (t *Tracker) Heartbeat(ctx context.Context, docID string, userID uint64, username string, editing bool) error {
	if err := t.cache.Heartbeat(ctx, docID, userID, username, editing, t.opt.AbsenceTTL, t.opt.EditingTTL); err != nil {
		return err
	}

	status := cache.StatusViewing
	if editing {
		status = cache.StatusEditing
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusChangedLocked(docID, userID, status) {
		t.hub.BroadcastPresence(docID, Entry{
			DocID: docID, UserID: userID, Username: username,
			Status: status, LastSeen: now,
		})
	}
	return nil
}

// Snapshot returns current presence for a document, expired entries
// already filtered out by the cache.
func (t *Tracker) Snapshot(ctx context.Context, docID string) ([]Entry, error) {
	members, err := t.cache.GetAliveMembers(ctx, docID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		entries = append(entries, Entry{
			DocID: docID, UserID: m.UserID, Username: m.Username,
			Status: m.Status, LastSeen: m.LastSeen,
		})
	}
	return entries, nil
}

// Remove drops a member immediately (explicit unsubscribe) and announces
// the departure without waiting for TTL expiry.
func (t *Tracker) Remove(ctx context.Context, docID string, userID uint64) error {
	if err := t.cache.RemoveMember(ctx, docID, userID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusChangedLocked(docID, userID, "") {
		t.hub.BroadcastPresence(docID, Entry{
			DocID: docID, UserID: userID, Status: "offline", LastSeen: time.Now(),
		})
	}
	return nil
}

// Cursor stores a member's cursor/selection payload with a short TTL.
func (t *Tracker) Cursor(ctx context.Context, docID string, userID uint64, data []byte, ttl time.Duration) error {
	return t.cache.SetCursor(ctx, docID, userID, data, ttl)
}

// Run sweeps every active document, demoting and reaping stale entries.
// Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	active := t.hub.Documents()
	activeSet := make(map[string]struct{}, len(active))
	for _, docID := range active {
		activeSet[docID] = struct{}{}
		t.sweepDoc(ctx, docID)
	}

	// documents with no connections left: nobody to notify, just forget
	t.mu.Lock()
	for docID := range t.last {
		if _, ok := activeSet[docID]; !ok {
			delete(t.last, docID)
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) sweepDoc(ctx context.Context, docID string) {
	members, err := t.cache.GetAliveMembers(ctx, docID)
	if err != nil {
		log.Printf("presence sweep doc=%s: %v", docID, err)
		return
	}

	alive := make(map[uint64]cache.PresenceMember, len(members))
	for _, m := range members {
		alive[m.UserID] = m
	}

	t.mu.Lock()
	prev := t.last[docID]
	var joined, departed []Entry
	for _, m := range members {
		if t.statusChangedLocked(docID, m.UserID, m.Status) {
			joined = append(joined, Entry{
				DocID: docID, UserID: m.UserID, Username: m.Username,
				Status: m.Status, LastSeen: m.LastSeen,
			})
		}
	}
	for userID := range prev {
		if _, ok := alive[userID]; !ok {
			delete(prev, userID)
			departed = append(departed, Entry{
				DocID: docID, UserID: userID, Status: "offline", LastSeen: time.Now(),
			})
		}
	}
	t.mu.Unlock()

	for _, e := range joined {
		t.hub.BroadcastPresence(docID, e)
	}
	for _, e := range departed {
		t.hub.BroadcastPresence(docID, e)
		// reap the room-set entry so it does not linger forever
		if err := t.cache.RemoveMember(ctx, docID, e.UserID); err != nil {
			log.Printf("presence reap doc=%s user=%d: %v", docID, e.UserID, err)
		}
	}
}

// statusChangedLocked records the newly observed status and reports whether
// it differs from the last emitted one. Empty status means removal.
func (t *Tracker) statusChangedLocked(docID string, userID uint64, status string) bool {
	prev := t.last[docID]
	if status == "" {
		if prev == nil {
			return false
		}
		_, existed := prev[userID]
		delete(prev, userID)
		return existed
	}
	if prev == nil {
		prev = make(map[uint64]string)
		t.last[docID] = prev
	}
	if prev[userID] == status {
		return false
	}
	prev[userID] = status
	return true
}
