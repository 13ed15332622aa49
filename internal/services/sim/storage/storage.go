// Package storage defines the durable store contract for session documents
// and their event sub-collection.
//
// One merged JSON document is kept per session. Writers send partial
// documents; the store merges them with RFC 7396 semantics and stamps a
// server-assigned update time.
package storage

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
)

// ErrNotFound is returned when a session has no stored document.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// UpdatedAtField is the document key the store stamps on every merge.
const UpdatedAtField = "updatedAt"

// SessionDocumentStore persists one merged document per session.
type SessionDocumentStore interface {
	// MergeSessionDocument merges patch into the stored document and returns
	// the server-assigned update time.
	MergeSessionDocument(ctx context.Context, sessionID string, patch json.RawMessage) (time.Time, error)
	// LoadSessionDocument returns the raw stored document or ErrNotFound.
	LoadSessionDocument(ctx context.Context, sessionID string) (json.RawMessage, error)
	// DeleteSessionDocument removes the document and its events.
	DeleteSessionDocument(ctx context.Context, sessionID string) error
}

// EventRecord is one durable event-log entry.
type EventRecord struct {
	Seq           int64           `json:"seq"`
	SessionID     string          `json:"sessionId"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EventStore is the append-only event sub-collection.
type EventStore interface {
	AppendEvent(ctx context.Context, record EventRecord) (EventRecord, error)
	// ListEvents returns events with Seq greater than afterSeq in append
	// (Seq) order, so afterSeq paging never skips an event. A limit of zero or less returns every remaining event.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]EventRecord, error)
}

// Store bundles both contracts.
type Store interface {
	SessionDocumentStore
	EventStore
	Close() error
}
