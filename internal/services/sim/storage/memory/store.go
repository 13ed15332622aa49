// Package memory is an in-process Store used by tests and single-node
// development runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

// Store keeps documents and events in maps.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	docs    map[string]json.RawMessage
	events  map[string][]storage.EventRecord
	seq     int64
	writes  int
	failErr error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		docs:   make(map[string]json.RawMessage),
		events: make(map[string][]storage.EventRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWith makes every subsequent call return err until cleared with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Writes returns how many merges succeeded.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// PutRawDocument replaces a document verbatim, bypassing merge.
func (s *Store) PutRawDocument(sessionID string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[sessionID] = append(json.RawMessage(nil), doc...)
}

// MergeSessionDocument implements storage.SessionDocumentStore.
func (s *Store) MergeSessionDocument(ctx context.Context, sessionID string, patch json.RawMessage) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return time.Time{}, s.failErr
	}
	at := s.now().UTC().Truncate(time.Millisecond)
	stamped, err := storage.StampUpdatedAt(patch, at)
	if err != nil {
		return time.Time{}, err
	}
	merged, err := storage.MergePatch(s.docs[sessionID], stamped)
	if err != nil {
		return time.Time{}, err
	}
	s.docs[sessionID] = merged
	s.writes++
	return at, nil
}

// LoadSessionDocument implements storage.SessionDocumentStore.
func (s *Store) LoadSessionDocument(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	doc, ok := s.docs[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append(json.RawMessage(nil), doc...), nil
}

// DeleteSessionDocument implements storage.SessionDocumentStore.
func (s *Store) DeleteSessionDocument(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, sessionID)
	delete(s.events, sessionID)
	return nil
}

// AppendEvent implements storage.EventStore.
func (s *Store) AppendEvent(ctx context.Context, record storage.EventRecord) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return storage.EventRecord{}, s.failErr
	}
	s.seq++
	record.Seq = s.seq
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	record.Timestamp = record.Timestamp.UTC().Truncate(time.Millisecond)
	record.Payload = append(json.RawMessage(nil), record.Payload...)
	s.events[record.SessionID] = append(s.events[record.SessionID], record)
	return record, nil
}

// ListEvents implements storage.EventStore.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	var out []storage.EventRecord
	for _, record := range s.events[sessionID] {
		if record.Seq > afterSeq {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
