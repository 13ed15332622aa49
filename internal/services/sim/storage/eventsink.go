package storage

import (
	"context"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
)

// EventSink mirrors event-log entries into the durable sub-collection.
func EventSink(store EventStore) eventlog.Sink {
	return eventlog.SinkFunc(func(ctx context.Context, evt eventlog.Event) error {
		_, err := store.AppendEvent(ctx, EventRecord{
			SessionID:     evt.SessionID,
			Type:          string(evt.Type),
			Payload:       evt.Payload,
			CorrelationID: evt.CorrelationID,
			Timestamp:     evt.Timestamp,
		})
		return err
	})
}

// EventFromRecord converts a stored record back into an event-log entry.
func EventFromRecord(record EventRecord) eventlog.Event {
	return eventlog.Event{
		SessionID:     record.SessionID,
		Type:          eventlog.Type(record.Type),
		Payload:       record.Payload,
		CorrelationID: record.CorrelationID,
		Timestamp:     record.Timestamp,
	}
}
