// Package intent defines the structured mutation requests applied to a session.
//
// An Intent is a tagged value: Kind selects which of the optional fields are
// meaningful. Intents originate from presenters, participants, the AI agent,
// or timers and always target exactly one session.
package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
)

// Kind identifies the intent variant.
type Kind string

const (
	KindAdvanceStage    Kind = "advance_stage"
	KindSkipStage       Kind = "skip_stage"
	KindUpdateVitals    Kind = "update_vitals"
	KindSetVitals       Kind = "set_vitals"
	KindPlaceOrder      Kind = "place_order"
	KindCompleteOrder   Kind = "complete_order"
	KindRecordTreatment Kind = "record_treatment"
	KindAddFinding      Kind = "add_finding"
	KindRecordEKG       Kind = "record_ekg"
	KindSetTelemetry    Kind = "set_telemetry"
	KindSetPhase        Kind = "set_phase"
	KindTimelineEvent   Kind = "timeline_event"
	KindFreeze          Kind = "freeze"
	KindUnfreeze        Kind = "unfreeze"
	KindAIControl       Kind = "ai_control"
)

// Kinds lists every known intent kind.
func Kinds() []Kind {
	return []Kind{
		KindAdvanceStage, KindSkipStage, KindUpdateVitals, KindSetVitals,
		KindPlaceOrder, KindCompleteOrder, KindRecordTreatment, KindAddFinding,
		KindRecordEKG, KindSetTelemetry, KindSetPhase, KindTimelineEvent,
		KindFreeze, KindUnfreeze, KindAIControl,
	}
}

// IsOrder reports whether the kind creates or completes an order.
func (k Kind) IsOrder() bool {
	return k == KindPlaceOrder || k == KindCompleteOrder
}

// Source identifies who issued an intent.
type Source string

const (
	SourcePresenter   Source = "presenter"
	SourceParticipant Source = "participant"
	SourceAI          Source = "ai"
	SourceTimer       Source = "timer"
	SourceSystem      Source = "system"
)

// AIControl is a directive for the AI agent rather than the patient state.
type AIControl string

const (
	AIPause      AIControl = "pause_ai"
	AIResume     AIControl = "resume_ai"
	AIForceReply AIControl = "force_reply"
	AIEndTurn    AIControl = "end_turn"
	AIMuteUser   AIControl = "mute_user"
)

// Intent is one requested state mutation.
type Intent struct {
	Kind          Kind      `json:"kind"`
	SessionID     string    `json:"sessionId"`
	Source        Source    `json:"source,omitempty"`
	ActorID       string    `json:"actorId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	At            time.Time `json:"at"`

	TargetStage string                        `json:"targetStage,omitempty"`
	Vitals      map[clinical.VitalKey]float64 `json:"vitals,omitempty"`
	OrderType   clinical.OrderType            `json:"orderType,omitempty"`
	OrderResult json.RawMessage               `json:"orderResult,omitempty"`
	Treatment   string                        `json:"treatment,omitempty"`
	Note        string                        `json:"note,omitempty"`
	Finding     string                        `json:"finding,omitempty"`
	Rhythm      string                        `json:"rhythm,omitempty"`
	Phase       string                        `json:"phase,omitempty"`
	Label       string                        `json:"label,omitempty"`
	Enabled     bool                          `json:"enabled,omitempty"`
	Control     AIControl                     `json:"control,omitempty"`
	TargetUser  string                        `json:"targetUser,omitempty"`
}

// Validate checks structural well-formedness. It does not consult session
// state or stage policy.
func (in Intent) Validate() error {
	if strings.TrimSpace(in.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if in.At.IsZero() {
		return fmt.Errorf("intent timestamp is required")
	}
	switch in.Kind {
	case KindAdvanceStage:
		if strings.TrimSpace(in.TargetStage) == "" {
			return fmt.Errorf("target stage is required")
		}
	case KindUpdateVitals, KindSetVitals:
		if len(in.Vitals) == 0 {
			return fmt.Errorf("vitals are required")
		}
		for key, value := range in.Vitals {
			if _, err := clinical.ParseVitalKey(string(key)); err != nil {
				return err
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return fmt.Errorf("vital %s is not finite", key)
			}
		}
	case KindPlaceOrder, KindCompleteOrder:
		if strings.TrimSpace(string(in.OrderType)) == "" {
			return fmt.Errorf("order type is required")
		}
		if len(in.OrderResult) > 0 && !json.Valid(in.OrderResult) {
			return fmt.Errorf("order result must be valid json")
		}
	case KindRecordTreatment:
		if strings.TrimSpace(in.Treatment) == "" {
			return fmt.Errorf("treatment is required")
		}
	case KindAddFinding:
		if strings.TrimSpace(in.Finding) == "" {
			return fmt.Errorf("finding is required")
		}
	case KindRecordEKG:
		if strings.TrimSpace(in.Rhythm) == "" {
			return fmt.Errorf("rhythm is required")
		}
	case KindSetPhase:
		if strings.TrimSpace(in.Phase) == "" {
			return fmt.Errorf("phase is required")
		}
	case KindTimelineEvent:
		if strings.TrimSpace(in.Label) == "" {
			return fmt.Errorf("label is required")
		}
	case KindAIControl:
		switch in.Control {
		case AIPause, AIResume, AIForceReply, AIEndTurn:
		case AIMuteUser:
			if strings.TrimSpace(in.TargetUser) == "" {
				return fmt.Errorf("mute_user requires a target user")
			}
		default:
			return fmt.Errorf("unknown ai control %q", in.Control)
		}
	case KindSkipStage, KindSetTelemetry, KindFreeze, KindUnfreeze:
	default:
		return fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	return nil
}

// Clone returns a deep copy of in.
func (in Intent) Clone() Intent {
	out := in
	if in.Vitals != nil {
		out.Vitals = make(map[clinical.VitalKey]float64, len(in.Vitals))
		for key, value := range in.Vitals {
			out.Vitals[key] = value
		}
	}
	if in.OrderResult != nil {
		out.OrderResult = append(json.RawMessage(nil), in.OrderResult...)
	}
	return out
}
