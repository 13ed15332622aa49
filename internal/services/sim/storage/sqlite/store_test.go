package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sim.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMergeSessionDocument(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	store := openTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := store.LoadSessionDocument(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := store.MergeSessionDocument(ctx, "s1", json.RawMessage(`{"stageId":"stage_1","vitals":{"hr":90,"rr":18}}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	now = now.Add(time.Second)
	at, err := store.MergeSessionDocument(ctx, "s1", json.RawMessage(`{"vitals":{"hr":98}}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !at.Equal(now) {
		t.Fatalf("at = %v, want %v", at, now)
	}

	raw, err := store.LoadSessionDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var doc struct {
		StageID   string             `json:"stageId"`
		Vitals    map[string]float64 `json:"vitals"`
		UpdatedAt int64              `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.StageID != "stage_1" || doc.Vitals["hr"] != 98 || doc.Vitals["rr"] != 18 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.UpdatedAt != now.UnixMilli() {
		t.Fatalf("updatedAt = %d", doc.UpdatedAt)
	}
}

func TestEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	for _, offset := range []time.Duration{3, 1, 2} {
		if _, err := store.AppendEvent(ctx, storage.EventRecord{
			SessionID: "s1",
			Type:      "intent.applied",
			Payload:   json.RawMessage(`{"kind":"advance_stage"}`),
			Timestamp: base.Add(offset * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendEvent(ctx, storage.EventRecord{SessionID: "other", Type: "session.created"}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	events, err := store.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events not in append order: %+v", events)
		}
	}

	// Paging by the last seen seq visits every event once even though the
	// timestamps are out of order.
	var (
		paged    []storage.EventRecord
		afterSeq int64
	)
	for {
		page, err := store.ListEvents(ctx, "s1", afterSeq, 1)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		afterSeq = page[len(page)-1].Seq
	}
	if len(paged) != 3 {
		t.Fatalf("paged = %d events, want 3", len(paged))
	}
	limited, err := store.ListEvents(ctx, "s1", 0, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited = %d err = %v", len(limited), err)
	}

	if err := store.DeleteSessionDocument(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, _ = store.ListEvents(ctx, "s1", 0, 0)
	if len(events) != 0 {
		t.Fatalf("events after delete = %d", len(events))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()
	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}
