package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memBackend implements DocumentStore and ChangeLog in memory for resolver
// tests.
type memBackend struct {
	mu         sync.Mutex
	docs       map[string]*memDoc
	failAppend bool
}

type memDoc struct {
	fields  map[string]any
	version uint64
	changes []ChangeRecord
}

func newMemBackend() *memBackend {
	return &memBackend{docs: make(map[string]*memDoc)}
}

func (m *memBackend) CreateDocument(ctx context.Context, docID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; ok {
		return ErrDocumentExists
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.docs[docID] = &memDoc{fields: cp}
	return nil
}

func (m *memBackend) GetDocument(ctx context.Context, docID string) (map[string]any, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, 0, ErrUnknownDocument
	}
	cp := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		cp[k] = v
	}
	return cp, d.version, nil
}

func (m *memBackend) Append(ctx context.Context, rec ChangeRecord, updatedFields map[string]any) (ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[rec.DocumentID]
	if !ok {
		return ChangeRecord{}, ErrUnknownDocument
	}
	if m.failAppend {
		return ChangeRecord{}, errors.New("disk full")
	}
	rec.Sequence = d.version + 1
	d.version = rec.Sequence
	cp := make(map[string]any, len(updatedFields))
	for k, v := range updatedFields {
		cp[k] = v
	}
	d.fields = cp
	d.changes = append(d.changes, rec)
	return rec, nil
}

func (m *memBackend) History(ctx context.Context, docID string, sinceSequence uint64) ([]ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, ErrUnknownDocument
	}
	var out []ChangeRecord
	for _, rec := range d.changes {
		if rec.Sequence > sinceSequence {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestResolver(t *testing.T) (*Resolver, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	return NewResolver(backend, backend, nil), backend
}

func mustCreate(t *testing.T, r *Resolver, docID string, fields map[string]any) {
	t.Helper()
	if err := r.CreateDocument(context.Background(), docID, fields); err != nil {
		t.Fatalf("CreateDocument(%s) error = %v", docID, err)
	}
}

func TestApplyAccept(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(1000)})

	rec, conflict, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1200), 7, time.Now())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if conflict != nil {
		t.Fatalf("Apply() conflict = %+v, want nil", conflict)
	}
	if rec.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", rec.Sequence)
	}

	fields, version, err := r.GetDocument(ctx, "c1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if fields["budget"] != float64(1200) {
		t.Fatalf("budget = %v, want 1200", fields["budget"])
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}

func TestApplyConflictLastWriterWins(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(1000)})

	// both clients read budget=1000; client1 lands first
	if _, conflict, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1200), 1, time.Time{}); err != nil || conflict != nil {
		t.Fatalf("first Apply() = (conflict %+v, err %v), want clean accept", conflict, err)
	}

	rec, conflict, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1500), 2, time.Time{})
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if conflict == nil {
		t.Fatal("second Apply() conflict = nil, want stale-view conflict")
	}
	if conflict.SupersededValue != float64(1200) {
		t.Fatalf("SupersededValue = %v, want 1200", conflict.SupersededValue)
	}
	if conflict.ResolvedAs != "overwrite" {
		t.Fatalf("ResolvedAs = %q, want overwrite", conflict.ResolvedAs)
	}
	if rec.OldValue != float64(1200) {
		t.Fatalf("OldValue = %v, want 1200", rec.OldValue)
	}

	// last writer wins
	fields, version, _ := r.GetDocument(ctx, "c1")
	if fields["budget"] != float64(1500) {
		t.Fatalf("budget = %v, want 1500", fields["budget"])
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
}

func TestApplyDifferentFieldsNoConflict(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(1000), "name": "Spring Sale"})

	if _, conflict, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1200), 1, time.Time{}); err != nil || conflict != nil {
		t.Fatalf("budget edit = (conflict %+v, err %v)", conflict, err)
	}
	if _, conflict, err := r.Apply(ctx, "c1", "name", "Spring Sale", "Summer Sale", 2, time.Time{}); err != nil || conflict != nil {
		t.Fatalf("name edit = (conflict %+v, err %v), want no conflict across fields", conflict, err)
	}
}

func TestSequencesGapFreeUnderConcurrency(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", nil)

	const workers = 8
	const editsPerWorker = 25

	var wg sync.WaitGroup
	seqs := make(chan uint64, workers*editsPerWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < editsPerWorker; i++ {
				field := fmt.Sprintf("field%d", w)
				rec, _, err := r.Apply(ctx, "c1", field, nil, i, uint64(w), time.Time{})
				if err != nil {
					t.Errorf("Apply() error = %v", err)
					return
				}
				seqs <- rec.Sequence
			}
		}(w)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("sequence %d assigned twice", s)
		}
		seen[s] = true
	}
	total := uint64(workers * editsPerWorker)
	for s := uint64(1); s <= total; s++ {
		if !seen[s] {
			t.Fatalf("sequence %d missing, log has a gap", s)
		}
	}

	version, err := r.CurrentVersion(ctx, "c1")
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != total {
		t.Fatalf("version = %d, want %d", version, total)
	}
}

func TestHistorySince(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", nil)

	for i := 1; i <= 10; i++ {
		if _, _, err := r.Apply(ctx, "c1", "counter", nil, i, 1, time.Time{}); err != nil {
			t.Fatalf("Apply(%d) error = %v", i, err)
		}
	}

	changes, err := r.History(ctx, "c1", 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(changes) != 5 {
		t.Fatalf("len(changes) = %d, want 5", len(changes))
	}
	for i, rec := range changes {
		want := uint64(6 + i)
		if rec.Sequence != want {
			t.Fatalf("changes[%d].Sequence = %d, want %d", i, rec.Sequence, want)
		}
	}
}

func TestReplayReconstructsState(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(500)})

	edits := []struct {
		field string
		value any
	}{
		{"budget", float64(1000)},
		{"name", "Launch"},
		{"budget", float64(1200)},
		{"status", "active"},
		{"name", "Relaunch"},
	}
	for _, e := range edits {
		if _, _, err := r.Apply(ctx, "c1", e.field, nil, e.value, 1, time.Time{}); err != nil {
			t.Fatalf("Apply(%s) error = %v", e.field, err)
		}
	}

	// replaying the full log over the initial fields must land on the live
	// state
	replayed := map[string]any{"budget": float64(500)}
	changes, err := r.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	for _, rec := range changes {
		replayed[rec.Field] = rec.NewValue
	}

	live, _, err := r.GetDocument(ctx, "c1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if len(live) != len(replayed) {
		t.Fatalf("replayed %d fields, live has %d", len(replayed), len(live))
	}
	for k, v := range live {
		if replayed[k] != v {
			t.Fatalf("field %s: replayed %v, live %v", k, replayed[k], v)
		}
	}
}

func TestUnknownDocument(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	if _, _, err := r.Apply(ctx, "ghost", "budget", nil, 1, 1, time.Time{}); !errors.Is(err, ErrUnknownDocument) {
		t.Fatalf("Apply() error = %v, want ErrUnknownDocument", err)
	}
	if _, err := r.History(ctx, "ghost", 0); !errors.Is(err, ErrUnknownDocument) {
		t.Fatalf("History() error = %v, want ErrUnknownDocument", err)
	}
}

func TestPersistenceFailureRejectsEdit(t *testing.T) {
	r, backend := newTestResolver(t)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(1000)})

	backend.failAppend = true
	_, _, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1200), 1, time.Time{})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Apply() error = %v, want ErrPersistence", err)
	}

	// nothing accepted: state and version untouched, log empty
	backend.failAppend = false
	fields, version, _ := r.GetDocument(ctx, "c1")
	if fields["budget"] != float64(1000) {
		t.Fatalf("budget = %v, want untouched 1000", fields["budget"])
	}
	if version != 0 {
		t.Fatalf("version = %d, want 0", version)
	}
	changes, _ := r.History(ctx, "c1", 0)
	if len(changes) != 0 {
		t.Fatalf("len(changes) = %d, want 0", len(changes))
	}
}

func TestApplySucceedsWithSaturatedDispatcher(t *testing.T) {
	backend := newMemBackend()
	// unbuffered queue, no workers: every dispatch attempt would block
	d := &Dispatcher{queue: make(chan ChangeEvent)}
	r := NewResolver(backend, backend, d)
	ctx := context.Background()
	mustCreate(t, r, "c1", map[string]any{"budget": float64(1000)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec, _, err := r.Apply(ctx, "c1", "budget", float64(1000), float64(1200), 7, time.Time{})
		if err != nil {
			t.Errorf("Apply() error = %v", err)
			return
		}
		if rec.Sequence != 1 {
			t.Errorf("Sequence = %d, want 1", rec.Sequence)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked on a full dispatch queue")
	}

	fields, _, err := r.GetDocument(ctx, "c1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if fields["budget"] != float64(1200) {
		t.Fatalf("budget = %v, want 1200 (edit accepted despite dropped event)", fields["budget"])
	}
}

func TestCreateDuplicateDocument(t *testing.T) {
	r, _ := newTestResolver(t)
	mustCreate(t, r, "c1", nil)
	if err := r.CreateDocument(context.Background(), "c1", nil); !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("CreateDocument() error = %v, want ErrDocumentExists", err)
	}
}
