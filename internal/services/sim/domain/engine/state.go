package engine

import (
	"encoding/json"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
)

// Extended holds scenario-timeline data alongside the clinical core.
// Custom is the one opaque extension point; its contents are checked by a
// scenario-keyed validator at hydration time.
type Extended struct {
	Phase             string                     `json:"phase,omitempty"`
	PhaseEnteredAt    *time.Time                 `json:"phaseEnteredAt,omitempty"`
	ScenarioStartedAt *time.Time                 `json:"scenarioStartedAt,omitempty"`
	PausedAt          *time.Time                 `json:"pausedAt,omitempty"`
	PausedMs          int64                      `json:"pausedMs"`
	StagePausedMs     int64                      `json:"stagePausedMs"`
	Timeline          []clinical.TimelineEvent   `json:"timeline,omitempty"`
	AIPaused          bool                       `json:"aiPaused,omitempty"`
	MutedUsers        []string                   `json:"mutedUsers,omitempty"`
	Custom            map[string]json.RawMessage `json:"custom,omitempty"`
}

// Frozen reports whether the scenario clock is paused.
func (e Extended) Frozen() bool {
	return e.PausedAt != nil
}

// State is one session's authoritative snapshot.
type State struct {
	SessionID        string                      `json:"sessionId"`
	ScenarioID       string                      `json:"scenarioId"`
	StageID          string                      `json:"stageId"`
	StageIDs         []string                    `json:"stageIds"`
	Vitals           clinical.Vitals             `json:"vitals"`
	Findings         []string                    `json:"findings"`
	Orders           []clinical.Order            `json:"orders"`
	OrderSeq         int                         `json:"orderSeq"`
	TelemetryEnabled bool                        `json:"telemetryEnabled"`
	Telemetry        []clinical.TelemetryReading `json:"telemetry"`
	EKG              []clinical.EKGResult        `json:"ekg"`
	Treatments       []clinical.Treatment        `json:"treatments"`
	Extended         Extended                    `json:"extended"`
	Budget           budget.State                `json:"budget"`
	Fallback         bool                        `json:"fallback"`
	StageEnteredAt   time.Time                   `json:"stageEnteredAt"`
	UpdatedAt        time.Time                   `json:"updatedAt"`
}

// Clone returns a deep copy sharing no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.StageIDs = append([]string(nil), s.StageIDs...)
	out.Vitals = s.Vitals.Clone()
	out.Findings = append([]string(nil), s.Findings...)
	if s.Orders != nil {
		out.Orders = make([]clinical.Order, len(s.Orders))
		for i, order := range s.Orders {
			out.Orders[i] = order.Clone()
		}
	}
	if s.Telemetry != nil {
		out.Telemetry = make([]clinical.TelemetryReading, len(s.Telemetry))
		for i, reading := range s.Telemetry {
			out.Telemetry[i] = clinical.TelemetryReading{At: reading.At, Vitals: reading.Vitals.Clone()}
		}
	}
	out.EKG = append([]clinical.EKGResult(nil), s.EKG...)
	out.Treatments = append([]clinical.Treatment(nil), s.Treatments...)
	out.Extended = s.Extended.clone()
	return out
}

func (e Extended) clone() Extended {
	out := e
	out.PhaseEnteredAt = cloneTime(e.PhaseEnteredAt)
	out.ScenarioStartedAt = cloneTime(e.ScenarioStartedAt)
	out.PausedAt = cloneTime(e.PausedAt)
	out.Timeline = append([]clinical.TimelineEvent(nil), e.Timeline...)
	out.MutedUsers = append([]string(nil), e.MutedUsers...)
	if e.Custom != nil {
		out.Custom = make(map[string]json.RawMessage, len(e.Custom))
		for key, value := range e.Custom {
			out.Custom[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PendingOrders returns the orders still awaiting completion.
func (s State) PendingOrders() []clinical.Order {
	var out []clinical.Order
	for _, order := range s.Orders {
		if order.Status == clinical.OrderPending {
			out = append(out, order.Clone())
		}
	}
	return out
}

// HasOrder reports whether an order of the type exists, optionally requiring completion.
func (s State) HasOrder(orderType clinical.OrderType, requireComplete bool) bool {
	for _, order := range s.Orders {
		if order.Type != orderType {
			continue
		}
		if !requireComplete || order.Status == clinical.OrderComplete {
			return true
		}
	}
	return false
}
