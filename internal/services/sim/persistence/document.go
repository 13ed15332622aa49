package persistence

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
)

// VitalsDoc stores every vital key explicitly; a null value clears the key
// when merged into the stored document.
type VitalsDoc map[clinical.VitalKey]*float64

// OrderDoc is the stored form of an order. Times are unix milliseconds.
type OrderDoc struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	OrderedAt   int64           `json:"orderedAt"`
	CompletedAt *int64          `json:"completedAt,omitempty"`
}

// TelemetryDoc is one stored telemetry reading.
type TelemetryDoc struct {
	At     int64     `json:"at"`
	Vitals VitalsDoc `json:"vitals"`
}

// EKGDoc is one stored EKG result.
type EKGDoc struct {
	At      int64  `json:"at"`
	Rhythm  string `json:"rhythm"`
	Summary string `json:"summary,omitempty"`
}

// TreatmentDoc is one stored treatment.
type TreatmentDoc struct {
	At     int64  `json:"at"`
	Type   string `json:"type"`
	Note   string `json:"note,omitempty"`
	Source string `json:"source,omitempty"`
}

// TimelineDoc is one stored timeline event.
type TimelineDoc struct {
	At     int64  `json:"at"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// ExtendedDoc is the closed part of the extended map plus the open Custom
// extension. Optional fields are written as null so merges clear them.
type ExtendedDoc struct {
	Phase             string                     `json:"phase"`
	PhaseEnteredAt    *int64                     `json:"phaseEnteredAt"`
	ScenarioStartedAt *int64                     `json:"scenarioStartedAt"`
	PausedAt          *int64                     `json:"pausedAt"`
	PausedMs          int64                      `json:"pausedMs"`
	StagePausedMs     int64                      `json:"stagePausedMs"`
	Timeline          []TimelineDoc              `json:"timeline"`
	AIPaused          bool                       `json:"aiPaused"`
	MutedUsers        []string                   `json:"mutedUsers"`
	Custom            map[string]json.RawMessage `json:"custom,omitempty"`
}

// Document is the closed core schema of a stored session.
type Document struct {
	SessionID        string         `json:"sessionId"`
	ScenarioID       string         `json:"scenarioId"`
	StageID          string         `json:"stageId"`
	StageIDs         []string       `json:"stageIds,omitempty"`
	Vitals           VitalsDoc      `json:"vitals"`
	Findings         []string       `json:"findings"`
	Fallback         bool           `json:"fallback"`
	StageEnteredAt   int64          `json:"stageEnteredAt"`
	Telemetry        bool           `json:"telemetry"`
	OrderSeq         int            `json:"orderSeq"`
	Budget           budget.State   `json:"budget"`
	Orders           []OrderDoc     `json:"orders"`
	TelemetryHistory []TelemetryDoc `json:"telemetryHistory"`
	EKGHistory       []EKGDoc       `json:"ekgHistory"`
	TreatmentHistory []TreatmentDoc `json:"treatmentHistory"`
	Extended         ExtendedDoc    `json:"extended"`
	UpdatedAt        int64          `json:"updatedAt"`
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := millis(*t)
	return &v
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromMillisPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMillis(*v)
	return &t
}

func vitalsDoc(v clinical.Vitals) VitalsDoc {
	doc := make(VitalsDoc, len(clinical.VitalKeys()))
	for _, key := range clinical.VitalKeys() {
		if value, ok := v.Get(key); ok {
			value := value
			doc[key] = &value
		} else {
			doc[key] = nil
		}
	}
	return doc
}

func (d VitalsDoc) vitals() clinical.Vitals {
	out := clinical.Vitals{}
	for key, value := range d {
		if value != nil {
			out.Set(key, *value)
		}
	}
	return out
}

// ToDocument converts engine state into its stored form.
func ToDocument(state engine.State) Document {
	doc := Document{
		SessionID:        state.SessionID,
		ScenarioID:       state.ScenarioID,
		StageID:          state.StageID,
		StageIDs:         append([]string(nil), state.StageIDs...),
		Vitals:           vitalsDoc(state.Vitals),
		Findings:         append([]string{}, state.Findings...),
		Fallback:         state.Fallback,
		StageEnteredAt:   millis(state.StageEnteredAt),
		Telemetry:        state.TelemetryEnabled,
		OrderSeq:         state.OrderSeq,
		Budget:           state.Budget,
		Orders:           make([]OrderDoc, 0, len(state.Orders)),
		TelemetryHistory: make([]TelemetryDoc, 0, len(state.Telemetry)),
		EKGHistory:       make([]EKGDoc, 0, len(state.EKG)),
		TreatmentHistory: make([]TreatmentDoc, 0, len(state.Treatments)),
		UpdatedAt:        millis(state.UpdatedAt),
	}
	for _, order := range state.Orders {
		doc.Orders = append(doc.Orders, OrderDoc{
			ID:          order.ID,
			Type:        string(order.Type),
			Status:      string(order.Status),
			Result:      append(json.RawMessage(nil), order.Result...),
			OrderedAt:   millis(order.OrderedAt),
			CompletedAt: millisPtr(order.CompletedAt),
		})
	}
	for _, reading := range state.Telemetry {
		doc.TelemetryHistory = append(doc.TelemetryHistory, TelemetryDoc{At: millis(reading.At), Vitals: vitalsDoc(reading.Vitals)})
	}
	for _, ekg := range state.EKG {
		doc.EKGHistory = append(doc.EKGHistory, EKGDoc{At: millis(ekg.At), Rhythm: ekg.Rhythm, Summary: ekg.Summary})
	}
	for _, treatment := range state.Treatments {
		doc.TreatmentHistory = append(doc.TreatmentHistory, TreatmentDoc{
			At: millis(treatment.At), Type: treatment.Type, Note: treatment.Note, Source: treatment.Source,
		})
	}
	ext := state.Extended
	doc.Extended = ExtendedDoc{
		Phase:             ext.Phase,
		PhaseEnteredAt:    millisPtr(ext.PhaseEnteredAt),
		ScenarioStartedAt: millisPtr(ext.ScenarioStartedAt),
		PausedAt:          millisPtr(ext.PausedAt),
		PausedMs:          ext.PausedMs,
		StagePausedMs:     ext.StagePausedMs,
		Timeline:          make([]TimelineDoc, 0, len(ext.Timeline)),
		AIPaused:          ext.AIPaused,
		MutedUsers:        append([]string{}, ext.MutedUsers...),
	}
	for _, item := range ext.Timeline {
		doc.Extended.Timeline = append(doc.Extended.Timeline, TimelineDoc{At: millis(item.At), Label: item.Label, Detail: item.Detail})
	}
	if len(ext.Custom) > 0 {
		doc.Extended.Custom = make(map[string]json.RawMessage, len(ext.Custom))
		for key, value := range ext.Custom {
			doc.Extended.Custom[key] = append(json.RawMessage(nil), value...)
		}
	}
	return doc
}

// State converts a stored document back into engine state.
func (d Document) State() engine.State {
	state := engine.State{
		SessionID:        d.SessionID,
		ScenarioID:       d.ScenarioID,
		StageID:          d.StageID,
		StageIDs:         append([]string(nil), d.StageIDs...),
		Vitals:           d.Vitals.vitals(),
		Findings:         append([]string(nil), d.Findings...),
		Fallback:         d.Fallback,
		StageEnteredAt:   fromMillis(d.StageEnteredAt),
		TelemetryEnabled: d.Telemetry,
		OrderSeq:         d.OrderSeq,
		Budget:           d.Budget,
		UpdatedAt:        fromMillis(d.UpdatedAt),
	}
	for _, order := range d.Orders {
		state.Orders = append(state.Orders, clinical.Order{
			ID:          order.ID,
			Type:        clinical.OrderType(order.Type),
			Status:      clinical.OrderStatus(order.Status),
			Result:      append(json.RawMessage(nil), order.Result...),
			OrderedAt:   fromMillis(order.OrderedAt),
			CompletedAt: fromMillisPtr(order.CompletedAt),
		})
	}
	for _, reading := range d.TelemetryHistory {
		state.Telemetry = append(state.Telemetry, clinical.TelemetryReading{At: fromMillis(reading.At), Vitals: reading.Vitals.vitals()})
	}
	for _, ekg := range d.EKGHistory {
		state.EKG = append(state.EKG, clinical.EKGResult{At: fromMillis(ekg.At), Rhythm: ekg.Rhythm, Summary: ekg.Summary})
	}
	for _, treatment := range d.TreatmentHistory {
		state.Treatments = append(state.Treatments, clinical.Treatment{
			At: fromMillis(treatment.At), Type: treatment.Type, Note: treatment.Note, Source: treatment.Source,
		})
	}
	ext := d.Extended
	state.Extended = engine.Extended{
		Phase:             ext.Phase,
		PhaseEnteredAt:    fromMillisPtr(ext.PhaseEnteredAt),
		ScenarioStartedAt: fromMillisPtr(ext.ScenarioStartedAt),
		PausedAt:          fromMillisPtr(ext.PausedAt),
		PausedMs:          ext.PausedMs,
		StagePausedMs:     ext.StagePausedMs,
		AIPaused:          ext.AIPaused,
		MutedUsers:        append([]string(nil), ext.MutedUsers...),
	}
	for _, item := range ext.Timeline {
		state.Extended.Timeline = append(state.Extended.Timeline, clinical.TimelineEvent{At: fromMillis(item.At), Label: item.Label, Detail: item.Detail})
	}
	if len(ext.Custom) > 0 {
		state.Extended.Custom = make(map[string]json.RawMessage, len(ext.Custom))
		for key, value := range ext.Custom {
			state.Extended.Custom[key] = append(json.RawMessage(nil), value...)
		}
	}
	return state
}

// validateCore checks the fields shared by the stored document and the
// outbound sim_state snapshot.
func validateCore(stageID, scenarioID string, stageIDs []string, vitals VitalsDoc) error {
	if strings.TrimSpace(stageID) == "" {
		return fmt.Errorf("stageId is required")
	}
	if strings.TrimSpace(scenarioID) == "" {
		return fmt.Errorf("scenarioId is required")
	}
	if len(stageIDs) > 0 {
		found := false
		for _, id := range stageIDs {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("stageIds contains an empty id")
			}
			found = found || id == stageID
		}
		if !found {
			return fmt.Errorf("stageId %q is not in stageIds", stageID)
		}
	}
	for key, value := range vitals {
		canonical, err := clinical.ParseVitalKey(string(key))
		if err != nil {
			return fmt.Errorf("vitals: %w", err)
		}
		if canonical != key {
			return fmt.Errorf("vitals: %q must be stored as %q", key, canonical)
		}
		if value != nil && (math.IsNaN(*value) || math.IsInf(*value, 0)) {
			return fmt.Errorf("vitals: %s is not finite", key)
		}
	}
	return nil
}

// Validate checks the closed core schema beyond what decoding enforces.
func (d Document) Validate() error {
	if err := validateCore(d.StageID, d.ScenarioID, d.StageIDs, d.Vitals); err != nil {
		return err
	}
	for i, order := range d.Orders {
		if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.Type) == "" {
			return fmt.Errorf("orders[%d]: id and type are required", i)
		}
		switch clinical.OrderStatus(order.Status) {
		case clinical.OrderPending, clinical.OrderComplete:
		default:
			return fmt.Errorf("orders[%d]: unknown status %q", i, order.Status)
		}
	}
	if d.Budget.USDEstimate < 0 || math.IsNaN(d.Budget.USDEstimate) {
		return fmt.Errorf("budget: usdEstimate must be a non-negative number")
	}
	return nil
}
