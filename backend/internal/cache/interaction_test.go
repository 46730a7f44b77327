package cache

import (
	"context"
	"sync"
	"testing"
)

type fakeStatsSource struct {
	mu      sync.Mutex
	edits   map[string]uint64
	editors map[string]uint64
	queries int
}

func (f *fakeStatsSource) CountEdits(ctx context.Context, docID string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	v, ok := f.edits[docID]
	return v, ok, nil
}

func (f *fakeStatsSource) CountEditors(ctx context.Context, docID string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	v, ok := f.editors[docID]
	return v, ok, nil
}

func (f *fakeStatsSource) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func TestRecordEditCountsDistinctEditors(t *testing.T) {
	_, rdb := newTestRedis(t)
	ic := NewRedisInteraction(rdb, &fakeStatsSource{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ic.RecordEdit(ctx, "c1", 7); err != nil {
			t.Fatalf("RecordEdit error = %v", err)
		}
	}
	if err := ic.RecordEdit(ctx, "c1", 8); err != nil {
		t.Fatalf("RecordEdit error = %v", err)
	}

	count, err := ic.GetEditCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetEditCount error = %v", err)
	}
	if count != 4 {
		t.Fatalf("edit count = %d, want 4", count)
	}

	n, err := rdb.SCard(ctx, editorSetKey("c1")).Result()
	if err != nil {
		t.Fatalf("SCard error = %v", err)
	}
	if n != 2 {
		t.Fatalf("distinct editors = %d, want 2", n)
	}
}

func TestGetEditCountFallsBackToSource(t *testing.T) {
	_, rdb := newTestRedis(t)
	src := &fakeStatsSource{edits: map[string]uint64{"c1": 42}}
	ic := NewRedisInteraction(rdb, src)
	ctx := context.Background()

	count, err := ic.GetEditCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetEditCount error = %v", err)
	}
	if count != 42 {
		t.Fatalf("edit count = %d, want 42", count)
	}
	if got := src.queryCount(); got != 1 {
		t.Fatalf("source queried %d times, want 1", got)
	}

	// second read is served from the cache
	if _, err := ic.GetEditCount(ctx, "c1"); err != nil {
		t.Fatalf("GetEditCount error = %v", err)
	}
	if got := src.queryCount(); got != 1 {
		t.Fatalf("source queried %d times after warm read, want 1", got)
	}
}

func TestGetEditCountNullMarkerShieldsSource(t *testing.T) {
	_, rdb := newTestRedis(t)
	src := &fakeStatsSource{}
	ic := NewRedisInteraction(rdb, src)
	ctx := context.Background()

	count, err := ic.GetEditCount(ctx, "ghost")
	if err != nil {
		t.Fatalf("GetEditCount error = %v", err)
	}
	if count != 0 {
		t.Fatalf("edit count = %d, want 0", count)
	}
	if got := src.queryCount(); got != 1 {
		t.Fatalf("source queried %d times, want 1", got)
	}

	// the miss is now cached; repeat reads never reach the source
	for i := 0; i < 5; i++ {
		if _, err := ic.GetEditCount(ctx, "ghost"); err != nil {
			t.Fatalf("GetEditCount error = %v", err)
		}
	}
	if got := src.queryCount(); got != 1 {
		t.Fatalf("source queried %d times after null-marker, want 1", got)
	}
}

func TestNewEditorInvalidatesEditorCount(t *testing.T) {
	_, rdb := newTestRedis(t)
	src := &fakeStatsSource{editors: map[string]uint64{"c1": 1}}
	ic := NewRedisInteraction(rdb, src)
	ctx := context.Background()

	if err := ic.RecordEdit(ctx, "c1", 7); err != nil {
		t.Fatalf("RecordEdit error = %v", err)
	}
	count, err := ic.GetEditorCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetEditorCount error = %v", err)
	}
	if count != 1 {
		t.Fatalf("editor count = %d, want 1", count)
	}

	// a second editor lands: change log grows, cached count must not
	// survive until its TTL
	src.mu.Lock()
	src.editors["c1"] = 2
	src.mu.Unlock()
	if err := ic.RecordEdit(ctx, "c1", 8); err != nil {
		t.Fatalf("RecordEdit error = %v", err)
	}

	count, err = ic.GetEditorCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetEditorCount error = %v", err)
	}
	if count != 2 {
		t.Fatalf("editor count = %d, want 2 after new editor", count)
	}

	// repeat edits by known editors keep the cache warm
	queriesBefore := src.queryCount()
	if err := ic.RecordEdit(ctx, "c1", 8); err != nil {
		t.Fatalf("RecordEdit error = %v", err)
	}
	if _, err := ic.GetEditorCount(ctx, "c1"); err != nil {
		t.Fatalf("GetEditorCount error = %v", err)
	}
	if got := src.queryCount(); got != queriesBefore {
		t.Fatalf("source queried %d times, want %d (repeat editor must not invalidate)", got, queriesBefore)
	}
}

func TestGetEditorCountFallsBackToSource(t *testing.T) {
	_, rdb := newTestRedis(t)
	src := &fakeStatsSource{editors: map[string]uint64{"c1": 3}}
	ic := NewRedisInteraction(rdb, src)
	ctx := context.Background()

	count, err := ic.GetEditorCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetEditorCount error = %v", err)
	}
	if count != 3 {
		t.Fatalf("editor count = %d, want 3", count)
	}
}
