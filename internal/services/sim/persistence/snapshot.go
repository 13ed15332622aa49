package persistence

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
)

// SnapshotType is the outbound message type of a state broadcast.
const SnapshotType = "sim_state"

// BudgetSummary is the budget view sent to clients.
type BudgetSummary struct {
	USDEstimate  float64 `json:"usdEstimate"`
	Throttled    bool    `json:"throttled"`
	VoiceSeconds float64 `json:"voiceSeconds"`
}

// Snapshot is the outbound sim_state message.
type Snapshot struct {
	Type       string        `json:"type"`
	SessionID  string        `json:"sessionId"`
	ScenarioID string        `json:"scenarioId"`
	StageID    string        `json:"stageId"`
	StageIDs   []string      `json:"stageIds"`
	Vitals     VitalsDoc     `json:"vitals"`
	Findings   []string      `json:"findings"`
	Fallback   bool          `json:"fallback"`
	Budget     BudgetSummary `json:"budget"`
}

// BuildSnapshot projects engine state into a sim_state message.
func BuildSnapshot(state engine.State) Snapshot {
	return Snapshot{
		Type:       SnapshotType,
		SessionID:  state.SessionID,
		ScenarioID: state.ScenarioID,
		StageID:    state.StageID,
		StageIDs:   append([]string{}, state.StageIDs...),
		Vitals:     vitalsDoc(state.Vitals),
		Findings:   append([]string{}, state.Findings...),
		Fallback:   state.Fallback,
		Budget: BudgetSummary{
			USDEstimate:  state.Budget.USDEstimate,
			Throttled:    state.Budget.Throttled,
			VoiceSeconds: state.Budget.VoiceSeconds,
		},
	}
}

// EncodeSnapshot validates a snapshot with the core document rules and
// returns its wire form.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	if err := ValidateSnapshot(snapshot); err != nil {
		return nil, err
	}
	return json.Marshal(snapshot)
}

// ValidateSnapshot checks a snapshot against the persistence core schema.
func ValidateSnapshot(snapshot Snapshot) error {
	if snapshot.Type != SnapshotType {
		return apperrors.New(apperrors.CodeSnapshotSchemaInvalid, "snapshot type must be "+SnapshotType)
	}
	if err := validateCore(snapshot.StageID, snapshot.ScenarioID, snapshot.StageIDs, snapshot.Vitals); err != nil {
		return apperrors.Wrap(apperrors.CodeSnapshotSchemaInvalid, "snapshot failed core schema", err)
	}
	if snapshot.Budget.USDEstimate < 0 {
		return apperrors.New(apperrors.CodeSnapshotSchemaInvalid, "snapshot budget must be non-negative")
	}
	// The snapshot's shared fields must also decode as a core document.
	shared, err := json.Marshal(struct {
		SessionID  string    `json:"sessionId"`
		ScenarioID string    `json:"scenarioId"`
		StageID    string    `json:"stageId"`
		StageIDs   []string  `json:"stageIds"`
		Vitals     VitalsDoc `json:"vitals"`
		Findings   []string  `json:"findings"`
		Fallback   bool      `json:"fallback"`
	}{snapshot.SessionID, snapshot.ScenarioID, snapshot.StageID, snapshot.StageIDs, snapshot.Vitals, snapshot.Findings, snapshot.Fallback})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSnapshotSchemaInvalid, "encode snapshot", err)
	}
	dec := json.NewDecoder(bytes.NewReader(shared))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return apperrors.Wrap(apperrors.CodeSnapshotSchemaInvalid, "snapshot failed core schema", err)
	}
	return nil
}
