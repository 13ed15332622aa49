package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/platform/timeouts"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

// Hydrated is the best-effort result of loading a session.
type Hydrated struct {
	// Found is false when the store has no document for the session.
	Found bool
	// Minimal is true when the document failed the core schema; only
	// UpdatedAt is meaningful then.
	Minimal bool
	State   engine.State
	Issues  []Issue
}

// DecodeDocument parses raw against the closed core schema.
func DecodeDocument(raw json.RawMessage) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, err
	}
	if dec.More() {
		return Document{}, fmt.Errorf("trailing data after document")
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// LoadState reads and validates a session document. Only store errors are
// returned; schema failures yield a minimal result.
func (p *Persister) LoadState(ctx context.Context, sessionID string) (Hydrated, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "persistence.load_state")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	readCtx, cancel := context.WithTimeout(ctx, timeouts.Hydration)
	defer cancel()
	raw, err := p.store.LoadSessionDocument(readCtx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Hydrated{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Hydrated{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "load session document", err)
	}

	doc, err := DecodeDocument(raw)
	if err != nil {
		p.logf("hydration schema invalid session_id=%s code=%s err=%v", sessionID, apperrors.CodeHydrationDataQuality, err)
		span.SetAttributes(attribute.Bool("hydrate.minimal", true))
		return Hydrated{Found: true, Minimal: true, State: engine.State{SessionID: sessionID, UpdatedAt: fromMillis(looseUpdatedAt(raw))}}, nil
	}
	if doc.SessionID == "" {
		doc.SessionID = sessionID
	}

	state := doc.State()
	p.rememberStored(sessionID, state.Extended.Custom)
	p.sanitize(&state)
	issues := ValidateHydrationConsistency(state, p.now())
	for _, issue := range issues {
		p.logf("hydration consistency warning session_id=%s code=%s issue=%s path=%s msg=%q",
			sessionID, apperrors.CodeHydrationDataQuality, issue.Code, issue.Path, issue.Message)
	}
	span.SetAttributes(attribute.Int("hydrate.issues", len(issues)))

	return Hydrated{Found: true, State: state, Issues: issues}, nil
}

// sanitize drops data that cannot be safely used while keeping everything
// the consistency audit needs to report.
func (p *Persister) sanitize(state *engine.State) {
	if dropped := state.Vitals.DropNonFinite(); len(dropped) > 0 {
		p.logf("hydration dropped vitals session_id=%s keys=%v", state.SessionID, dropped)
	}
	findings := state.Findings[:0:0]
	seen := make(map[string]struct{}, len(state.Findings))
	for _, finding := range state.Findings {
		if _, dup := seen[finding]; dup || finding == "" {
			continue
		}
		seen[finding] = struct{}{}
		findings = append(findings, finding)
	}
	state.Findings = findings
	if state.Budget.VoiceSeconds < 0 || math.IsNaN(state.Budget.VoiceSeconds) {
		state.Budget.VoiceSeconds = 0
	}
	state.Fallback = state.Fallback || state.Budget.Fallback
	state.Budget.Fallback = state.Fallback
	state.Budget.Throttled = state.Budget.Throttled || state.Budget.Fallback

	if len(state.Extended.Custom) > 0 {
		custom, err := p.validators.Validate(state.ScenarioID, state.Extended.Custom)
		if err != nil {
			p.logf("hydration dropped extension session_id=%s scenario_id=%s err=%v", state.SessionID, state.ScenarioID, err)
			custom = nil
		}
		state.Extended.Custom = custom
	}
}

// looseUpdatedAt extracts updatedAt from a document that failed the schema.
func looseUpdatedAt(raw json.RawMessage) int64 {
	var partial struct {
		UpdatedAt json.Number `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return 0
	}
	value, err := partial.UpdatedAt.Int64()
	if err != nil {
		return 0
	}
	return value
}
