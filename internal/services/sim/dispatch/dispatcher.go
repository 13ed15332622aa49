// Package dispatch turns inbound session messages into lock-gated state
// changes.
//
// Every mutation follows one path: acquire the session lock, check the
// tool gate, apply the intent to the engine, persist and log, release the
// lock, then broadcast the new snapshot.
package dispatch

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/platform/id"
	"github.com/louisbranch/wardsim/internal/platform/timeouts"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/statelock"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/toolgate"
	"github.com/louisbranch/wardsim/internal/services/sim/observability/metrics"
	"github.com/louisbranch/wardsim/internal/services/sim/persistence"
	"github.com/louisbranch/wardsim/internal/services/sim/provider"
	"github.com/louisbranch/wardsim/internal/services/sim/session"
)

const tracerName = "github.com/louisbranch/wardsim/internal/services/sim/dispatch"

var (
	// ErrSessionsRequired indicates a missing session manager.
	ErrSessionsRequired = errors.New("session manager is required")
	// ErrGateRequired indicates a missing tool gate.
	ErrGateRequired = errors.New("tool gate is required")
)

// Broadcaster fans a validated snapshot out to a session's clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, snapshot persistence.Snapshot) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, snapshot persistence.Snapshot) error

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(ctx context.Context, snapshot persistence.Snapshot) error {
	return f(ctx, snapshot)
}

// Reply types.
const (
	ReplyState    = "sim_state"
	ReplyRejected = "rejected"
	ReplyPong     = "pong"
)

// Reply is the response to one inbound message.
type Reply struct {
	Type          string                `json:"type"`
	SessionID     string                `json:"sessionId"`
	CorrelationID string                `json:"correlationId"`
	Accepted      bool                  `json:"accepted"`
	Code          string                `json:"code,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Message       string                `json:"message,omitempty"`
	Text          string                `json:"text,omitempty"`
	Snapshot      *persistence.Snapshot `json:"snapshot,omitempty"`
}

// Dispatcher routes inbound messages for every session.
type Dispatcher struct {
	Sessions    *session.Manager
	Gate        *toolgate.Gate
	Provider    provider.Provider
	Stub        provider.Provider
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	// MaxOutputTokens caps a normal AI reply; throttled replies get less.
	MaxOutputTokens int
	Now             func() time.Time
	Logf            func(string, ...any)
}

// PolicyAuditor records gate denials in a session's event log.
func PolicyAuditor(sessions *session.Manager) toolgate.Auditor {
	return toolgate.AuditorFunc(func(ctx context.Context, req toolgate.Request, verdict toolgate.Verdict) {
		sessions.AppendEvent(ctx, req.SessionID, eventlog.TypePolicyRejected, session.IntentPayload{
			Intent: req.Intent,
			Code:   verdict.Code,
			Reason: verdict.Reason,
		}, req.Intent.CorrelationID)
	})
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (d *Dispatcher) stub() provider.Provider {
	if d.Stub != nil {
		return d.Stub
	}
	return provider.Stub{}
}

// Handle processes one message. Intent rejections come back as a Reply with
// Accepted=false; errors are reserved for malformed messages, lock
// contention on NoWait messages, and sessions that cannot be constructed.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (Reply, error) {
	if d.Sessions == nil {
		return Reply{}, ErrSessionsRequired
	}
	if d.Gate == nil {
		return Reply{}, ErrGateRequired
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = id.NewCorrelationID()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch."+string(msg.Type))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", msg.SessionID),
		attribute.String("correlation.id", msg.CorrelationID),
	)

	reply, err := d.handle(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return Reply{}, err
	}
	reply.SessionID = msg.SessionID
	reply.CorrelationID = msg.CorrelationID
	span.SetAttributes(attribute.Bool("dispatch.accepted", reply.Accepted))
	return reply, nil
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) (Reply, error) {
	if err := msg.Validate(); err != nil {
		return Reply{}, err
	}

	// Intent payloads are fully validated before any lock is taken.
	var in intent.Intent
	carriesIntent := true
	switch msg.Type {
	case MessageCommand:
		in = commandIntent(msg)
	case MessageIntent:
		in = clientIntent(msg)
	default:
		carriesIntent = false
	}
	if carriesIntent {
		in.At = d.now()
		if err := in.Validate(); err != nil {
			d.Metrics.ObserveIntent(string(in.Kind), string(in.Source), metrics.OutcomeMalformed)
			return Reply{}, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid intent", err)
		}
	}

	scenarioID := ""
	if msg.Type == MessageJoin {
		scenarioID = msg.ScenarioID
	}
	s, err := d.Sessions.Open(ctx, msg.SessionID, scenarioID)
	if err != nil {
		return Reply{}, err
	}

	switch msg.Type {
	case MessageJoin:
		return d.join(s), nil
	case MessagePing:
		d.Sessions.Touch(s.ID)
		return Reply{Type: ReplyPong, Accepted: true}, nil
	case MessageSelectScenario:
		return d.locked(ctx, s, msg, func() (Reply, error) {
			if _, err := d.Sessions.SelectScenario(ctx, s, msg.ScenarioID, msg.CorrelationID); err != nil {
				return Reply{}, err
			}
			return Reply{Type: ReplyState, Accepted: true}, nil
		})
	case MessageAnalyzeTranscript:
		return d.locked(ctx, s, msg, func() (Reply, error) {
			return d.respond(ctx, s, msg.Transcript, msg.CorrelationID), nil
		})
	case MessageAudio:
		return d.locked(ctx, s, msg, func() (Reply, error) {
			return d.transcribe(ctx, s, msg), nil
		})
	case MessageCommand:
		return d.locked(ctx, s, msg, func() (Reply, error) {
			reply := d.applyLocked(ctx, s, in)
			if !reply.Accepted || msg.Command != CommandForceReply {
				return reply, nil
			}
			prompt := strings.TrimSpace(msg.Transcript)
			if prompt == "" {
				prompt = forceReplyPrompt
			}
			return d.respond(ctx, s, prompt, msg.CorrelationID), nil
		})
	default:
		return d.locked(ctx, s, msg, func() (Reply, error) {
			return d.applyLocked(ctx, s, in), nil
		})
	}
}

// forceReplyPrompt stands in for a transcript when a presenter forces the
// patient to speak without one.
const forceReplyPrompt = "The presenter asks the patient to respond now."

func (d *Dispatcher) join(s *session.Session) Reply {
	d.Sessions.Touch(s.ID)
	snapshot := persistence.BuildSnapshot(s.State())
	if err := persistence.ValidateSnapshot(snapshot); err != nil {
		d.logf("snapshot invalid session_id=%s code=%s err=%v", s.ID, apperrors.CodeOf(err), err)
		return Reply{Type: ReplyState, Accepted: true}
	}
	return Reply{Type: ReplyState, Accepted: true, Snapshot: &snapshot}
}

// locked runs op under the session lock, then broadcasts and attaches the
// resulting snapshot.
func (d *Dispatcher) locked(ctx context.Context, s *session.Session, msg Message, op func() (Reply, error)) (Reply, error) {
	locks := d.Sessions.Locks()
	var (
		reply Reply
		err   error
	)
	if msg.NoWait {
		var ok bool
		reply, ok, err = statelock.TryWithLock(locks, s.ID, op)
		if !ok {
			kind := string(msg.Type)
			if msg.Intent != nil {
				kind = string(msg.Intent.Kind)
			}
			d.Metrics.ObserveIntent(kind, "", metrics.OutcomeBusy)
			return Reply{}, apperrors.WithMetadata(apperrors.CodeLockBusy, "session is busy, try again later",
				map[string]string{"session_id": s.ID})
		}
	} else {
		reply, err = statelock.WithLock(locks, s.ID, op)
	}
	if err != nil {
		return Reply{}, err
	}
	d.Sessions.Touch(s.ID)
	if reply.Accepted {
		reply.Snapshot = d.broadcast(ctx, s)
	}
	return reply, nil
}

// applyLocked gates and applies one intent. The caller holds the lock.
func (d *Dispatcher) applyLocked(ctx context.Context, s *session.Session, in intent.Intent) Reply {
	eng := s.Engine()
	verdict := d.Gate.Validate(ctx, s.ID, eng.CurrentStage(), eng.State(), in)
	if !verdict.Allowed {
		d.Metrics.ObserveIntent(string(in.Kind), string(in.Source), metrics.OutcomePolicy)
		return Reply{
			Type:    ReplyRejected,
			Code:    string(apperrors.CodePolicyRejected),
			Reason:  verdict.Code,
			Message: verdict.Reason,
		}
	}

	result := eng.Apply(in)
	if !result.Accepted() {
		d.Metrics.ObserveIntent(string(in.Kind), string(in.Source), metrics.OutcomeInvalid)
		d.Sessions.AppendEvent(ctx, s.ID, eventlog.TypeIntentRejected, session.IntentPayload{
			Intent: in,
			Code:   result.Rejection.Code,
			Reason: result.Rejection.Message,
		}, in.CorrelationID)
		return Reply{
			Type:    ReplyRejected,
			Code:    string(apperrors.CodeInvalidTransition),
			Reason:  result.Rejection.Code,
			Message: result.Rejection.Message,
		}
	}

	eng.SetBudget(s.Budget.State())
	d.Sessions.Persist(ctx, s, in.CorrelationID)
	d.Sessions.AppendEvent(ctx, s.ID, eventlog.TypeIntentApplied, session.IntentPayload{
		Intent: in,
		Detail: result.Detail,
	}, in.CorrelationID)
	if in.Kind == intent.KindAIControl {
		d.Sessions.AppendEvent(ctx, s.ID, eventlog.TypeAIControl, map[string]string{
			"control":    string(in.Control),
			"targetUser": in.TargetUser,
		}, in.CorrelationID)
	}
	d.Metrics.ObserveIntent(string(in.Kind), string(in.Source), metrics.OutcomeApplied)
	return Reply{Type: ReplyState, Accepted: true}
}

// respond asks the provider for the patient's reply and applies any tool
// calls it proposes. The caller holds the lock.
func (d *Dispatcher) respond(ctx context.Context, s *session.Session, transcript, correlationID string) Reply {
	state := s.State()
	if state.Extended.AIPaused {
		return Reply{Type: ReplyRejected, Code: string(apperrors.CodePolicyRejected), Reason: toolgate.ReasonAIPaused, Message: "ai is paused"}
	}

	level := s.Budget.State().Level()
	backend := d.Provider
	if backend == nil || level == budget.LevelFallback {
		backend = d.stub()
	}
	req := provider.GenerateRequest{
		SessionID:       s.ID,
		ScenarioID:      state.ScenarioID,
		StageID:         state.StageID,
		Transcript:      transcript,
		Short:           level >= budget.LevelThrottled,
		MaxOutputTokens: d.MaxOutputTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.ProviderCall)
	result, err := backend.Generate(callCtx, req)
	cancel()
	if err != nil {
		d.logf("ai provider failed session_id=%s code=%s err=%v", s.ID, apperrors.CodeProviderUnavailable, err)
		result, _ = d.stub().Generate(ctx, req)
	}
	s.Budget.AddUsage(result.Usage)
	s.Engine().SetBudget(s.Budget.State())

	d.Sessions.AppendEvent(ctx, s.ID, eventlog.TypeAIReply, map[string]any{
		"text":  result.Text,
		"stub":  result.Stub,
		"usage": result.Usage,
	}, correlationID)

	for _, call := range result.ToolCalls {
		in, err := call.Intent(s.ID, d.now())
		if err != nil {
			d.Metrics.ObserveIntent(string(call.Kind), string(intent.SourceAI), metrics.OutcomeMalformed)
			d.logf("ai tool call dropped session_id=%s kind=%s err=%v", s.ID, call.Kind, err)
			continue
		}
		in.CorrelationID = correlationID
		d.applyLocked(ctx, s, in)
	}
	d.Sessions.Persist(ctx, s, correlationID)
	return Reply{Type: ReplyState, Accepted: true, Text: result.Text}
}

// transcribe turns audio into text and answers it. The caller holds the lock.
func (d *Dispatcher) transcribe(ctx context.Context, s *session.Session, msg Message) Reply {
	backend := d.Provider
	if backend == nil || s.Budget.State().Level() == budget.LevelFallback {
		backend = d.stub()
	}
	req := provider.TranscribeRequest{
		SessionID:       s.ID,
		Audio:           msg.Audio,
		Format:          msg.AudioFormat,
		DurationSeconds: msg.DurationSeconds,
	}
	callCtx, cancel := context.WithTimeout(ctx, timeouts.ProviderCall)
	result, err := backend.Transcribe(callCtx, req)
	cancel()
	if err != nil {
		d.logf("ai transcription failed session_id=%s code=%s err=%v", s.ID, apperrors.CodeProviderUnavailable, err)
		result, _ = d.stub().Transcribe(ctx, req)
	}
	s.Budget.AddUsage(result.Usage)
	s.Engine().SetBudget(s.Budget.State())

	d.Sessions.AppendEvent(ctx, s.ID, eventlog.TypeTranscript, map[string]any{
		"text":            result.Text,
		"stub":            result.Stub,
		"durationSeconds": msg.DurationSeconds,
	}, msg.CorrelationID)

	if result.Text == "" {
		d.Sessions.Persist(ctx, s, msg.CorrelationID)
		return Reply{Type: ReplyState, Accepted: true}
	}
	return d.respond(ctx, s, result.Text, msg.CorrelationID)
}

// broadcast validates the current snapshot and sends it. Broadcast failures
// never fail the request.
func (d *Dispatcher) broadcast(ctx context.Context, s *session.Session) *persistence.Snapshot {
	snapshot := persistence.BuildSnapshot(s.State())
	if err := persistence.ValidateSnapshot(snapshot); err != nil {
		d.Metrics.ObserveBroadcast("invalid")
		d.logf("snapshot invalid session_id=%s code=%s err=%v", s.ID, apperrors.CodeOf(err), err)
		return nil
	}
	if d.Broadcaster == nil {
		return &snapshot
	}
	if err := d.Broadcaster.Broadcast(ctx, snapshot); err != nil {
		d.Metrics.ObserveBroadcast("failed")
		d.logf("broadcast failed session_id=%s err=%v", s.ID, err)
		return &snapshot
	}
	d.Metrics.ObserveBroadcast("sent")
	return &snapshot
}
