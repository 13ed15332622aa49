package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
	"github.com/louisbranch/wardsim/internal/services/sim/storage/memory"
)

func TestEventSinkMirrorsToStore(t *testing.T) {
	store := memory.New()
	ring := eventlog.NewRing(10)
	log := eventlog.NewComposite(
		eventlog.WithSink("ring", ring),
		eventlog.WithSink("durable", storage.EventSink(store)),
		eventlog.WithLogf(func(string, ...any) {}),
	)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	evt := eventlog.NewEvent("s1", eventlog.TypeIntentApplied, map[string]string{"kind": "freeze"}, "corr-1", at)
	if err := log.Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := store.ListEvents(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	back := storage.EventFromRecord(records[0])
	if back.Type != eventlog.TypeIntentApplied || back.CorrelationID != "corr-1" || !back.Timestamp.Equal(at) {
		t.Fatalf("event = %+v", back)
	}
	if ring.Len() != 1 {
		t.Fatalf("ring len = %d", ring.Len())
	}
}
