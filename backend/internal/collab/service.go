package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Conflict-resolution engine interface.
type Service interface {
	// Apply runs the compare-and-apply step for one field edit. A stale
	// expectedOld does not reject the edit: the newer write wins and the
	// returned Conflict is non-nil so the submitter can be told its view
	// was stale. Exactly one of (record, err) carries the outcome.
	Apply(ctx context.Context, docID, field string, expectedOld, newValue any,
		authorID uint64, clientTS time.Time) (ChangeRecord, *Conflict, error)

	History(ctx context.Context, docID string, sinceSequence uint64) ([]ChangeRecord, error)
	CurrentVersion(ctx context.Context, docID string) (uint64, error)

	CreateDocument(ctx context.Context, docID string, fields map[string]any) error
	GetDocument(ctx context.Context, docID string) (map[string]any, uint64, error)
}

// ChangeLog persists accepted changes. Append assigns the next per-document
// sequence atomically and must not return success unless the record is
// durable.
type ChangeLog interface {
	Append(ctx context.Context, rec ChangeRecord, updatedFields map[string]any) (ChangeRecord, error)
	History(ctx context.Context, docID string, sinceSequence uint64) ([]ChangeRecord, error)
}

// DocumentStore loads and creates document rows.
type DocumentStore interface {
	CreateDocument(ctx context.Context, docID string, fields map[string]any) error
	GetDocument(ctx context.Context, docID string) (fields map[string]any, version uint64, err error)
}

var (
	ErrUnknownDocument = errors.New("DOCUMENT_NOT_FOUND")
	ErrPersistence     = errors.New("PERSISTENCE_FAILED")
	ErrDocumentExists  = errors.New("DOCUMENT_EXISTS")
)

type docState struct {
	mu      sync.Mutex
	fields  map[string]any
	version uint64
}

// Resolver holds the in-memory state of every document this instance has
// touched. All mutation goes through the per-document critical section in
// Apply; nothing else writes docState.fields.
type Resolver struct {
	mu   sync.RWMutex
	docs map[string]*docState

	loads singleflight.Group

	store      DocumentStore
	changeLog  ChangeLog
	dispatcher *Dispatcher // optional, best-effort cross-instance fan-out
}

func NewResolver(store DocumentStore, changeLog ChangeLog, dispatcher *Dispatcher) *Resolver {
	return &Resolver{
		docs:       make(map[string]*docState),
		store:      store,
		changeLog:  changeLog,
		dispatcher: dispatcher,
	}
}

// getDoc returns the cached state for docID, loading it from the store on
// first access. Singleflight keeps a burst of subscribers from issuing the
// same SELECT concurrently.
func (r *Resolver) getDoc(ctx context.Context, docID string) (*docState, error) {
	r.mu.RLock()
	ds := r.docs[docID]
	r.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	v, err, _ := r.loads.Do(docID, func() (interface{}, error) {
		r.mu.RLock()
		ds := r.docs[docID]
		r.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}
		fields, version, err := r.store.GetDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		ds = &docState{fields: fields, version: version}
		r.mu.Lock()
		r.docs[docID] = ds
		r.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

func (r *Resolver) Apply(ctx context.Context, docID, field string, expectedOld, newValue any,
	authorID uint64, clientTS time.Time) (ChangeRecord, *Conflict, error) {

	ds, err := r.getDoc(ctx, docID)
	if err != nil {
		return ChangeRecord{}, nil, err
	}

	// Critical section: compare-and-apply is atomic per document. Edits to
	// different documents proceed in parallel.
	ds.mu.Lock()
	defer ds.mu.Unlock()

	current := ds.fields[field]
	var conflict *Conflict
	if !valuesEqual(expectedOld, current) {
		conflict = &Conflict{
			ResolvedAs:       "overwrite",
			SupersededValue:  current,
			ExpectedOldValue: expectedOld,
		}
	}

	rec := ChangeRecord{
		DocumentID:      docID,
		Field:           field,
		OldValue:        current,
		NewValue:        newValue,
		AuthorID:        authorID,
		ClientTimestamp: clientTS,
		AppliedAt:       time.Now(),
	}

	updated := make(map[string]any, len(ds.fields)+1)
	for k, v := range ds.fields {
		updated[k] = v
	}
	updated[field] = newValue

	rec, err = r.changeLog.Append(ctx, rec, updated)
	if err != nil {
		// Not accepted: in-memory state untouched, nothing broadcast.
		return ChangeRecord{}, nil, fmt.Errorf("%w: doc %s field %s: %v", ErrPersistence, docID, field, err)
	}

	ds.fields = updated
	ds.version = rec.Sequence

	// best-effort: never hold the critical section for a full queue
	if r.dispatcher != nil {
		if err := r.dispatcher.TryEnqueue(NewChangeEvent(rec, conflict)); err != nil {
			log.Printf("dispatch change doc=%s seq=%d: %v", docID, rec.Sequence, err)
		}
	}

	return rec, conflict, nil
}

func (r *Resolver) History(ctx context.Context, docID string, sinceSequence uint64) ([]ChangeRecord, error) {
	if _, err := r.getDoc(ctx, docID); err != nil {
		return nil, err
	}
	return r.changeLog.History(ctx, docID, sinceSequence)
}

func (r *Resolver) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	ds, err := r.getDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.version, nil
}

func (r *Resolver) CreateDocument(ctx context.Context, docID string, fields map[string]any) error {
	return r.store.CreateDocument(ctx, docID, fields)
}

func (r *Resolver) GetDocument(ctx context.Context, docID string) (map[string]any, uint64, error) {
	ds, err := r.getDoc(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	fields := make(map[string]any, len(ds.fields))
	for k, v := range ds.fields {
		fields[k] = v
	}
	return fields, ds.version, nil
}

// valuesEqual compares two JSON-decoded values by re-encoding them. All
// values here arrive from JSON, so the encoding is canonical enough
// (map key order is sorted by encoding/json).
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
