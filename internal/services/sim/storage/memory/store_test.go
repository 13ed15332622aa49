package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

func TestMergeAndLoad(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	store := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := store.LoadSessionDocument(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := store.MergeSessionDocument(ctx, "s1", json.RawMessage(`{"stageId":"a","vitals":{"hr":90}}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	at, err := store.MergeSessionDocument(ctx, "s1", json.RawMessage(`{"vitals":{"rr":18}}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !at.Equal(now) {
		t.Fatalf("at = %v", at)
	}
	doc, err := store.LoadSessionDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := `{"stageId":"a","updatedAt":1700000000000,"vitals":{"hr":90,"rr":18}}`
	if string(doc) != want {
		t.Fatalf("doc = %s, want %s", doc, want)
	}
	if store.Writes() != 2 {
		t.Fatalf("writes = %d", store.Writes())
	}
}

func TestEventsOrderedAndPaged(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	for i, offset := range []time.Duration{2, 1, 3} {
		_, err := store.AppendEvent(ctx, storage.EventRecord{
			SessionID: "s1",
			Type:      "intent.applied",
			Timestamp: base.Add(offset * time.Second),
			Payload:   json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := store.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 1 || events[1].Seq != 2 || events[2].Seq != 3 {
		t.Fatalf("events = %+v, want append order", events)
	}
	page, _ := store.ListEvents(ctx, "s1", 1, 1)
	if len(page) != 1 || page[0].Seq != 2 {
		t.Fatalf("page = %+v", page)
	}
}

func TestFailWith(t *testing.T) {
	store := New()
	boom := errors.New("unavailable")
	store.FailWith(boom)
	if _, err := store.MergeSessionDocument(context.Background(), "s1", json.RawMessage(`{}`)); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	store.FailWith(nil)
	if _, err := store.MergeSessionDocument(context.Background(), "s1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("err = %v", err)
	}
}
