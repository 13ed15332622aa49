// Package sqlite implements the session document store on SQLite.
//
// Documents are merged in the database with json_patch so concurrent writers
// for different fields never clobber each other.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/wardsim/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
	"github.com/louisbranch/wardsim/internal/services/sim/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides a SQLite-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server clock used for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens the store at path and applies embedded migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.SessionsFS, "sessions"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store := &Store{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const mergeDocumentSQL = `
INSERT INTO session_documents (session_id, document, updated_at)
VALUES (?, json_patch('{}', ?), ?)
ON CONFLICT (session_id) DO UPDATE SET
    document = json_patch(session_documents.document, excluded.document),
    updated_at = excluded.updated_at`

// MergeSessionDocument implements storage.SessionDocumentStore.
func (s *Store) MergeSessionDocument(ctx context.Context, sessionID string, patch json.RawMessage) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if s == nil || s.sqlDB == nil {
		return time.Time{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return time.Time{}, fmt.Errorf("session id is required")
	}
	at := s.now().UTC().Truncate(time.Millisecond)
	stamped, err := storage.StampUpdatedAt(patch, at)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.sqlDB.ExecContext(ctx, mergeDocumentSQL, sessionID, string(stamped), toMillis(at)); err != nil {
		return time.Time{}, fmt.Errorf("merge session document: %w", err)
	}
	return at, nil
}

// LoadSessionDocument implements storage.SessionDocumentStore.
func (s *Store) LoadSessionDocument(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var document string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT document FROM session_documents WHERE session_id = ?`, sessionID,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session document: %w", err)
	}
	return json.RawMessage(document), nil
}

// DeleteSessionDocument implements storage.SessionDocumentStore.
func (s *Store) DeleteSessionDocument(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_documents WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session document: %w", err)
	}
	return tx.Commit()
}

// AppendEvent implements storage.EventStore.
func (s *Store) AppendEvent(ctx context.Context, record storage.EventRecord) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	record.Timestamp = record.Timestamp.UTC().Truncate(time.Millisecond)
	payload := string(record.Payload)
	if payload == "" {
		payload = "{}"
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO session_events (session_id, type, payload, correlation_id, timestamp) VALUES (?, ?, ?, ?, ?)`,
		record.SessionID, record.Type, payload, record.CorrelationID, toMillis(record.Timestamp),
	)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("read event seq: %w", err)
	}
	record.Seq = seq
	return record, nil
}

// ListEvents implements storage.EventStore.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, session_id, type, payload, correlation_id, timestamp
FROM session_events
WHERE session_id = ? AND seq > ?
ORDER BY seq
LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []storage.EventRecord
	for rows.Next() {
		var (
			record  storage.EventRecord
			payload string
			ts      int64
		)
		if err := rows.Scan(&record.Seq, &record.SessionID, &record.Type, &payload, &record.CorrelationID, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		record.Payload = json.RawMessage(payload)
		record.Timestamp = fromMillis(ts)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
