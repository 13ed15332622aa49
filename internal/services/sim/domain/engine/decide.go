package engine

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
)

// Rejection reason codes.
const (
	RejectSessionMismatch  = "SESSION_MISMATCH"
	RejectStageNotDeclared = "STAGE_NOT_DECLARED"
	RejectStageMinDuration = "STAGE_MIN_DURATION"
	RejectNoTransition     = "NO_TRANSITION"
	RejectVitalUnset       = "VITAL_UNSET"
	RejectNoPendingOrder   = "NO_PENDING_ORDER"
	RejectSessionFrozen    = "SESSION_FROZEN"
	RejectAlreadyFrozen    = "ALREADY_FROZEN"
	RejectNotFrozen        = "NOT_FROZEN"
	RejectUnknownIntent    = "UNKNOWN_INTENT"
	RejectMalformedIntent  = "MALFORMED_INTENT"
	RejectUnknownStage     = "UNKNOWN_STAGE"
)

// Rejection explains why an intent left the state untouched.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the rejection into an invalid-transition application error.
func (r Rejection) Err() error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition, r.Message, map[string]string{"reason": r.Code})
}

// Result is the outcome of deciding one intent.
type Result struct {
	Intent    intent.Intent
	Rejection *Rejection
	// Detail describes what changed and becomes the event-log payload.
	Detail map[string]any
	State  State
}

// Accepted reports whether the intent changed the state.
func (r Result) Accepted() bool {
	return r.Rejection == nil
}

func reject(in intent.Intent, state State, code, format string, args ...any) Result {
	return Result{
		Intent:    in,
		Rejection: &Rejection{Code: code, Message: fmt.Sprintf(format, args...)},
		State:     state,
	}
}

// Decide applies in to state under scn and returns the resulting state.
//
// The input state is never mutated. A rejected intent returns the input state
// unchanged with a populated Rejection.
func Decide(scn scenario.Scenario, state State, in intent.Intent) Result {
	if in.SessionID != state.SessionID {
		return reject(in, state, RejectSessionMismatch, "intent targets session %q, state is %q", in.SessionID, state.SessionID)
	}
	if err := in.Validate(); err != nil {
		return reject(in, state, RejectMalformedIntent, "%s", err.Error())
	}
	stage, ok := scn.Stage(state.StageID)
	if !ok {
		return reject(in, state, RejectUnknownStage, "current stage %q is not declared by scenario %s", state.StageID, scn.ID)
	}
	if state.Extended.Frozen() && frozenBlocks(in) {
		return reject(in, state, RejectSessionFrozen, "session is frozen")
	}

	next := state.Clone()
	at := monotonic(state.UpdatedAt, in.At)
	bounds := scn.VitalBounds().Merge(stage.VitalRanges)
	detail := map[string]any{"kind": string(in.Kind)}

	switch in.Kind {
	case intent.KindAdvanceStage:
		if !stage.CanTransition(in.TargetStage) {
			return reject(in, state, RejectStageNotDeclared, "stage %s does not declare a transition to %s", stage.ID, in.TargetStage)
		}
		if in.Source != intent.SourcePresenter && stage.MinDuration > 0 {
			if elapsed := activeElapsed(state, at); elapsed < stage.MinDuration {
				return reject(in, state, RejectStageMinDuration, "stage %s requires %s before advancing, %s elapsed", stage.ID, stage.MinDuration, elapsed)
			}
		}
		enterStage(scn, &next, in.TargetStage, at)
		detail["from"] = stage.ID
		detail["to"] = in.TargetStage
	case intent.KindSkipStage:
		if len(stage.Transitions) == 0 {
			return reject(in, state, RejectNoTransition, "stage %s is terminal", stage.ID)
		}
		target := stage.Transitions[0]
		enterStage(scn, &next, target, at)
		detail["from"] = stage.ID
		detail["to"] = target
	case intent.KindUpdateVitals:
		keys := clinical.SortedKeys(in.Vitals)
		for _, key := range keys {
			if _, ok := state.Vitals.Get(key); !ok {
				return reject(in, state, RejectVitalUnset, "vital %s has no current value to adjust", key)
			}
		}
		applied := make(map[string]float64, len(keys))
		for _, key := range keys {
			current, _ := next.Vitals.Get(key)
			value := bounds.Clamp(key, current+in.Vitals[key])
			next.Vitals.Set(key, value)
			applied[string(key)] = value
		}
		recordTelemetry(&next, at)
		detail["vitals"] = applied
	case intent.KindSetVitals:
		applied := make(map[string]float64, len(in.Vitals))
		for _, key := range clinical.SortedKeys(in.Vitals) {
			value := bounds.Clamp(key, in.Vitals[key])
			next.Vitals.Set(key, value)
			applied[string(key)] = value
		}
		recordTelemetry(&next, at)
		detail["vitals"] = applied
	case intent.KindPlaceOrder:
		next.OrderSeq++
		order := clinical.Order{
			ID:        fmt.Sprintf("ord-%d", next.OrderSeq),
			Type:      in.OrderType,
			Status:    clinical.OrderPending,
			OrderedAt: at,
		}
		next.Orders = append(next.Orders, order)
		detail["orderId"] = order.ID
		detail["orderType"] = string(order.Type)
	case intent.KindCompleteOrder:
		index := oldestPending(next.Orders, in.OrderType)
		if index < 0 {
			return reject(in, state, RejectNoPendingOrder, "no pending %s order", in.OrderType)
		}
		order := &next.Orders[index]
		order.Status = clinical.OrderComplete
		completed := at
		order.CompletedAt = &completed
		order.Result = orderResult(next, in)
		if order.Type == clinical.OrderEKG {
			rhythm := in.Rhythm
			if rhythm == "" {
				rhythm = "pending interpretation"
			}
			next.EKG = append(next.EKG, clinical.EKGResult{At: at, Rhythm: rhythm, Summary: in.Note})
		}
		detail["orderId"] = order.ID
		detail["orderType"] = string(order.Type)
	case intent.KindRecordTreatment:
		next.Treatments = append(next.Treatments, clinical.Treatment{
			At: at, Type: in.Treatment, Note: in.Note, Source: string(in.Source),
		})
		detail["treatment"] = in.Treatment
	case intent.KindAddFinding:
		if !containsString(next.Findings, in.Finding) {
			next.Findings = append(next.Findings, in.Finding)
		}
		detail["finding"] = in.Finding
	case intent.KindRecordEKG:
		next.EKG = append(next.EKG, clinical.EKGResult{At: at, Rhythm: in.Rhythm, Summary: in.Note})
		detail["rhythm"] = in.Rhythm
	case intent.KindSetTelemetry:
		next.TelemetryEnabled = in.Enabled
		recordTelemetry(&next, at)
		detail["enabled"] = in.Enabled
	case intent.KindSetPhase:
		next.Extended.Phase = in.Phase
		entered := at
		next.Extended.PhaseEnteredAt = &entered
		detail["phase"] = in.Phase
	case intent.KindTimelineEvent:
		next.Extended.Timeline = append(next.Extended.Timeline, clinical.TimelineEvent{At: at, Label: in.Label, Detail: in.Note})
		detail["label"] = in.Label
	case intent.KindFreeze:
		if state.Extended.Frozen() {
			return reject(in, state, RejectAlreadyFrozen, "session is already frozen")
		}
		paused := at
		next.Extended.PausedAt = &paused
	case intent.KindUnfreeze:
		if !state.Extended.Frozen() {
			return reject(in, state, RejectNotFrozen, "session is not frozen")
		}
		next.Extended.PausedMs += at.Sub(*state.Extended.PausedAt).Milliseconds()
		next.Extended.StagePausedMs += stagePause(state, at).Milliseconds()
		next.Extended.PausedAt = nil
		detail["pausedMs"] = next.Extended.PausedMs
	case intent.KindAIControl:
		applyAIControl(&next, in)
		detail["control"] = string(in.Control)
		if in.TargetUser != "" {
			detail["targetUser"] = in.TargetUser
		}
	default:
		return reject(in, state, RejectUnknownIntent, "unknown intent kind %q", in.Kind)
	}

	next.UpdatedAt = at
	return Result{Intent: in, Detail: detail, State: next}
}

// frozenBlocks reports whether a frozen clock refuses the intent. Presenters
// and participants keep working; automated sources wait for unfreeze.
func frozenBlocks(in intent.Intent) bool {
	if in.Kind == intent.KindUnfreeze || in.Kind == intent.KindAIControl {
		return false
	}
	return in.Source == intent.SourceAI || in.Source == intent.SourceTimer
}

// InitialState builds the state of a freshly selected scenario.
func InitialState(scn scenario.Scenario, sessionID string, now time.Time) State {
	bounds := scn.VitalBounds()
	vitals := clinical.Vitals{}
	for _, key := range clinical.SortedKeys(scn.InitialVitals) {
		vitals.Set(key, bounds.Clamp(key, scn.InitialVitals[key]))
	}
	started := now
	state := State{
		SessionID:  sessionID,
		ScenarioID: scn.ID,
		StageIDs:   scn.StageIDs(),
		Vitals:     vitals,
		Findings:   uniqueStrings(scn.Findings),
		Extended:   Extended{ScenarioStartedAt: &started},
		UpdatedAt:  now,
	}
	enterStage(scn, &state, scn.InitialStage, now)
	return state
}

func enterStage(scn scenario.Scenario, state *State, stageID string, at time.Time) {
	state.StageID = stageID
	state.StageEnteredAt = at
	state.Extended.StagePausedMs = 0
	stage, ok := scn.Stage(stageID)
	if !ok {
		return
	}
	bounds := scn.VitalBounds().Merge(stage.VitalRanges)
	for _, key := range clinical.SortedKeys(stage.EntryVitals) {
		state.Vitals.Set(key, bounds.Clamp(key, stage.EntryVitals[key]))
	}
	for _, finding := range stage.EntryFindings {
		if !containsString(state.Findings, finding) {
			state.Findings = append(state.Findings, finding)
		}
	}
	state.Extended.Timeline = append(state.Extended.Timeline, clinical.TimelineEvent{
		At: at, Label: "stage_entered", Detail: stageID,
	})
}

// activeElapsed is the time spent in the current stage minus every pause
// taken since the stage was entered, the ongoing one included.
func activeElapsed(state State, at time.Time) time.Duration {
	elapsed := at.Sub(state.StageEnteredAt)
	elapsed -= time.Duration(state.Extended.StagePausedMs) * time.Millisecond
	elapsed -= stagePause(state, at)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// stagePause is the part of the ongoing pause that falls inside the current
// stage.
func stagePause(state State, at time.Time) time.Duration {
	paused := state.Extended.PausedAt
	if paused == nil {
		return 0
	}
	start := *paused
	if start.Before(state.StageEnteredAt) {
		start = state.StageEnteredAt
	}
	if !at.After(start) {
		return 0
	}
	return at.Sub(start)
}

func recordTelemetry(state *State, at time.Time) {
	if !state.TelemetryEnabled {
		return
	}
	state.Telemetry = append(state.Telemetry, clinical.TelemetryReading{At: at, Vitals: state.Vitals.Clone()})
}

func oldestPending(orders []clinical.Order, orderType clinical.OrderType) int {
	for i, order := range orders {
		if order.Type == orderType && order.Status == clinical.OrderPending {
			return i
		}
	}
	return -1
}

func orderResult(state State, in intent.Intent) json.RawMessage {
	if len(in.OrderResult) > 0 {
		return append(json.RawMessage(nil), in.OrderResult...)
	}
	if in.OrderType == clinical.OrderVitals {
		raw, err := json.Marshal(state.Vitals)
		if err == nil {
			return raw
		}
	}
	return nil
}

func applyAIControl(state *State, in intent.Intent) {
	switch in.Control {
	case intent.AIPause:
		state.Extended.AIPaused = true
	case intent.AIResume:
		state.Extended.AIPaused = false
	case intent.AIMuteUser:
		if !containsString(state.Extended.MutedUsers, in.TargetUser) {
			state.Extended.MutedUsers = append(state.Extended.MutedUsers, in.TargetUser)
		}
	}
}

// monotonic keeps history timestamps non-decreasing.
func monotonic(last, at time.Time) time.Time {
	if at.Before(last) {
		return last
	}
	return at
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if !containsString(out, value) {
			out = append(out, value)
		}
	}
	return out
}
