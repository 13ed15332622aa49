package session

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
)

// IntentPayload is the event payload recorded for applied and rejected
// intents.
type IntentPayload struct {
	Intent intent.Intent  `json:"intent"`
	Code   string         `json:"code,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// ScenarioPayload is the event payload recorded when a run starts.
type ScenarioPayload struct {
	ScenarioID string       `json:"scenarioId"`
	State      engine.State `json:"state"`
}

// ReplayResult is a state rebuilt from the durable event log.
type ReplayResult struct {
	State   engine.State
	Applied int
	// Diverged counts logged applied intents the engine now rejects.
	Diverged int
}

// Replay rebuilds a session's engine state from its durable events: the
// latest run start followed by every intent applied after it.
func Replay(ctx context.Context, events storage.EventStore, catalog *scenario.Catalog, sessionID string) (ReplayResult, error) {
	records, err := events.ListEvents(ctx, sessionID, 0, 0)
	if err != nil {
		return ReplayResult{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "list session events", err)
	}

	start := -1
	for i, record := range records {
		switch eventlog.Type(record.Type) {
		case eventlog.TypeSessionCreated, eventlog.TypeScenarioSelected:
			start = i
		}
	}
	if start < 0 {
		return ReplayResult{}, apperrors.WithMetadata(apperrors.CodeNotFound, "no run start in event log",
			map[string]string{"session_id": sessionID})
	}

	var begin ScenarioPayload
	if err := json.Unmarshal(records[start].Payload, &begin); err != nil {
		return ReplayResult{}, fmt.Errorf("decode run start seq=%d: %w", records[start].Seq, err)
	}
	scn, err := catalog.Get(begin.ScenarioID)
	if err != nil {
		return ReplayResult{}, err
	}

	var intents []intent.Intent
	for _, record := range records[start+1:] {
		if eventlog.Type(record.Type) != eventlog.TypeIntentApplied {
			continue
		}
		var payload IntentPayload
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			return ReplayResult{}, fmt.Errorf("decode intent seq=%d: %w", record.Seq, err)
		}
		intents = append(intents, payload.Intent)
	}

	state, results := engine.Replay(scn, begin.State, intents)
	out := ReplayResult{State: state}
	for _, result := range results {
		if result.Accepted() {
			out.Applied++
		} else {
			out.Diverged++
		}
	}
	return out, nil
}
