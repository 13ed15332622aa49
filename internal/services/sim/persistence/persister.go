// Package persistence writes session state to the durable store and reads it
// back safely.
//
// Writes are merged field by field and deduplicated per tracked sub-object.
// Reads never fail a session: a document that breaks the core schema
// hydrates as a minimal result, and semantic anomalies are logged rather
// than rejected.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/platform/timeouts"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

const tracerName = "github.com/louisbranch/wardsim/internal/services/sim/persistence"

// DefaultDebounce is the window in which an unchanged state is not rewritten.
const DefaultDebounce = 500 * time.Millisecond

// Outcome reports what a Persist call did.
type Outcome struct {
	Written   bool
	Fields    []string
	UpdatedAt time.Time
}

type fingerprint [32]byte

func blake3Sum(raw []byte) fingerprint {
	return blake3.Sum256(raw)
}

type tracker struct {
	fingerprints map[string]fingerprint
	lastWrite    time.Time
	dirty        bool
	// stored is the extension key set the durable document holds.
	stored map[string]struct{}
}

// Persister deduplicates and merges session writes.
type Persister struct {
	store    storage.SessionDocumentStore
	now      func() time.Time
	debounce time.Duration
	logf     func(string, ...any)

	mu       sync.Mutex
	sessions map[string]*tracker

	validators *ExtensionRegistry
}

// Option configures a Persister.
type Option func(*Persister)

// WithClock injects the clock used for debounce decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Persister) {
		if now != nil {
			p.now = now
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(window time.Duration) Option {
	return func(p *Persister) {
		if window >= 0 {
			p.debounce = window
		}
	}
}

// WithLogf overrides the logger.
func WithLogf(logf func(string, ...any)) Option {
	return func(p *Persister) {
		if logf != nil {
			p.logf = logf
		}
	}
}

// WithExtensions sets the extension validator registry used on hydration.
func WithExtensions(registry *ExtensionRegistry) Option {
	return func(p *Persister) {
		if registry != nil {
			p.validators = registry
		}
	}
}

// New builds a Persister over store.
func New(store storage.SessionDocumentStore, opts ...Option) *Persister {
	p := &Persister{
		store:      store,
		now:        time.Now,
		debounce:   DefaultDebounce,
		logf:       log.Printf,
		sessions:   make(map[string]*tracker),
		validators: NewExtensionRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extensions returns the extension validator registry.
func (p *Persister) Extensions() *ExtensionRegistry {
	return p.validators
}

// MarkDirty forces the next Persist for the session to write even when no
// tracked sub-object changed.
func (p *Persister) MarkDirty(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackerFor(sessionID).dirty = true
}

// Forget drops write tracking for an evicted session.
func (p *Persister) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

func (p *Persister) trackerFor(sessionID string) *tracker {
	t, ok := p.sessions[sessionID]
	if !ok {
		t = &tracker{fingerprints: make(map[string]fingerprint)}
		p.sessions[sessionID] = t
	}
	return t
}

// trackedFields splits a document into its top-level sub-objects.
func trackedFields(doc Document) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "updatedAt")
	return fields, nil
}

// Persist merges the changed parts of state into the stored document.
//
// Callers hold the session lock, so Persist never races with itself for the
// same session. A store failure is logged and returned as a
// PERSISTENCE_FAILED error; fingerprints are left untouched so the next
// successful write reconciles.
func (p *Persister) Persist(ctx context.Context, sessionID string, state engine.State) (Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "persistence.persist")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	fields, err := trackedFields(ToDocument(state))
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "encode session document", err)
	}
	sums := make(map[string]fingerprint, len(fields))
	for name, raw := range fields {
		sums[name] = blake3Sum(raw)
	}

	now := p.now()
	p.mu.Lock()
	t := p.trackerFor(sessionID)
	var changed []string
	for name, sum := range sums {
		if prev, ok := t.fingerprints[name]; !ok || prev != sum {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	if len(changed) > 0 {
		t.dirty = true
	}
	var removed []string
	for key := range t.stored {
		if _, ok := state.Extended.Custom[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		t.dirty = true
		if !containsField(changed, "extended") {
			changed = append(changed, "extended")
			sort.Strings(changed)
		}
	}
	withinWindow := !t.lastWrite.IsZero() && now.Sub(t.lastWrite) < p.debounce
	skip := !t.dirty && withinWindow
	p.mu.Unlock()

	if skip {
		span.SetAttributes(attribute.Bool("persist.skipped", true))
		return Outcome{}, nil
	}
	if len(changed) == 0 {
		for name := range fields {
			changed = append(changed, name)
		}
		sort.Strings(changed)
	}

	patch := make(map[string]json.RawMessage, len(changed))
	for _, name := range changed {
		patch[name] = fields[name]
	}
	if len(removed) > 0 {
		extended, err := clearCustom(patch["extended"], removed)
		if err != nil {
			return Outcome{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "encode extension removal", err)
		}
		patch["extended"] = extended
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "encode session patch", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeouts.PersistWrite)
	defer cancel()
	updatedAt, err := p.store.MergeSessionDocument(writeCtx, sessionID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "persist failed")
		p.logf("persistence failed session_id=%s code=%s fields=%v err=%v", sessionID, apperrors.CodePersistenceFailed, changed, err)
		return Outcome{}, apperrors.Wrap(apperrors.CodePersistenceFailed, fmt.Sprintf("merge session %s", sessionID), err)
	}

	p.mu.Lock()
	t = p.trackerFor(sessionID)
	for _, name := range changed {
		t.fingerprints[name] = sums[name]
	}
	t.lastWrite = now
	t.dirty = false
	t.stored = customKeys(state.Extended.Custom)
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("persist.fields", len(changed)))
	return Outcome{Written: true, Fields: changed, UpdatedAt: updatedAt}, nil
}

// rememberStored records the extension keys found in the durable document.
// Keys that hydration drops are then cleared by the next write.
func (p *Persister) rememberStored(sessionID string, custom map[string]json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackerFor(sessionID).stored = customKeys(custom)
}

func customKeys(custom map[string]json.RawMessage) map[string]struct{} {
	keys := make(map[string]struct{}, len(custom))
	for key := range custom {
		keys[key] = struct{}{}
	}
	return keys
}

func containsField(fields []string, name string) bool {
	for _, field := range fields {
		if field == name {
			return true
		}
	}
	return false
}

// clearCustom writes null for each removed extension key so the merge
// deletes it from the stored document.
func clearCustom(extended json.RawMessage, removed []string) (json.RawMessage, error) {
	ext := map[string]json.RawMessage{}
	if len(extended) > 0 {
		if err := json.Unmarshal(extended, &ext); err != nil {
			return nil, err
		}
	}
	custom := map[string]json.RawMessage{}
	if raw, ok := ext["custom"]; ok {
		if err := json.Unmarshal(raw, &custom); err != nil {
			return nil, err
		}
	}
	for _, key := range removed {
		custom[key] = json.RawMessage("null")
	}
	raw, err := json.Marshal(custom)
	if err != nil {
		return nil, err
	}
	ext["custom"] = raw
	return json.Marshal(ext)
}
