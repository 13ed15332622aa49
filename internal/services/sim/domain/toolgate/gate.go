// Package toolgate is the per-stage policy check that runs before an intent
// reaches the scenario engine.
//
// The gate is data driven: every rule reads its limits from the stage
// definition, so a scenario author changes policy without touching engine
// mechanics. AI-issued intents get the strictest treatment since they come
// from free-text interpretation.
package toolgate

import (
	"context"
	"fmt"
	"log"
	"math"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
)

// Reason codes carried by a denying Verdict.
const (
	ReasonIntentNotAllowed   = "INTENT_NOT_ALLOWED"
	ReasonAIIntentNotAllowed = "AI_INTENT_NOT_ALLOWED"
	ReasonAIPaused           = "AI_PAUSED"
	ReasonOrderForbidden     = "ORDER_FORBIDDEN"
	ReasonVitalDeltaExceeded = "VITAL_DELTA_EXCEEDED"
	ReasonVitalOutOfRange    = "VITAL_OUT_OF_RANGE"
	ReasonPreconditionUnmet  = "PRECONDITION_UNMET"
	ReasonGuardRejected      = "GUARD_REJECTED"
	ReasonGuardError         = "GUARD_ERROR"
)

// Verdict is the outcome of a policy check.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the verdict for an intent no rule objected to.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny builds a denying verdict.
func Deny(code, format string, args ...any) Verdict {
	return Verdict{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial into a policy-rejected application error.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodePolicyRejected, v.Reason, map[string]string{"reason": v.Code})
}

// Request is everything a rule may inspect.
type Request struct {
	SessionID string
	Stage     scenario.StageDef
	State     engine.State
	Intent    intent.Intent
}

// Rule inspects a request and returns a denial or Allow.
type Rule func(ctx context.Context, req Request) Verdict

// Auditor records rejected intents.
type Auditor interface {
	AuditRejection(ctx context.Context, req Request, verdict Verdict)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, req Request, verdict Verdict)

// AuditRejection calls f.
func (f AuditorFunc) AuditRejection(ctx context.Context, req Request, verdict Verdict) {
	f(ctx, req, verdict)
}

// Gate evaluates an ordered rule list; the first denial wins.
type Gate struct {
	rules   []Rule
	auditor Auditor
	logf    func(string, ...any)
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditor sets the rejection auditor.
func WithAuditor(auditor Auditor) Option {
	return func(g *Gate) { g.auditor = auditor }
}

// WithRules replaces the default rule list.
func WithRules(rules ...Rule) Option {
	return func(g *Gate) { g.rules = append([]Rule(nil), rules...) }
}

// WithLogf overrides the logger.
func WithLogf(logf func(string, ...any)) Option {
	return func(g *Gate) {
		if logf != nil {
			g.logf = logf
		}
	}
}

// New builds a gate with the default rules.
func New(opts ...Option) *Gate {
	g := &Gate{rules: DefaultRules(), logf: log.Printf}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultRules returns the built-in rule order.
func DefaultRules() []Rule {
	return []Rule{
		AllowListRule,
		AIPausedRule,
		ForbiddenOrderRule,
		VitalDeltaRule,
		VitalRangeRule,
		PreconditionRule,
		LuaGuardRule,
	}
}

// Validate checks the intent against the stage's policy. It has no side
// effect besides auditing a denial.
func (g *Gate) Validate(ctx context.Context, sessionID string, stage scenario.StageDef, state engine.State, in intent.Intent) Verdict {
	req := Request{SessionID: sessionID, Stage: stage, State: state, Intent: in}
	for _, rule := range g.rules {
		verdict := rule(ctx, req)
		if verdict.Allowed {
			continue
		}
		g.logf("tool gate rejected intent session_id=%s stage=%s kind=%s source=%s code=%s reason=%q",
			sessionID, stage.ID, in.Kind, in.Source, verdict.Code, verdict.Reason)
		if g.auditor != nil {
			g.auditor.AuditRejection(ctx, req, verdict)
		}
		return verdict
	}
	return Allow()
}

// AllowListRule enforces the stage intent allow-lists.
func AllowListRule(_ context.Context, req Request) Verdict {
	if req.Stage.Allows(req.Intent.Kind, req.Intent.Source) {
		return Allow()
	}
	if req.Intent.Source == intent.SourceAI && req.Stage.Allows(req.Intent.Kind, intent.SourcePresenter) {
		return Deny(ReasonAIIntentNotAllowed, "stage %s does not allow ai-issued %s", req.Stage.ID, req.Intent.Kind)
	}
	return Deny(ReasonIntentNotAllowed, "stage %s does not allow %s", req.Stage.ID, req.Intent.Kind)
}

// AIPausedRule blocks AI-issued mutations while the AI is paused.
func AIPausedRule(_ context.Context, req Request) Verdict {
	if req.Intent.Source == intent.SourceAI && req.State.Extended.AIPaused && req.Intent.Kind != intent.KindAIControl {
		return Deny(ReasonAIPaused, "ai is paused")
	}
	return Allow()
}

// ForbiddenOrderRule rejects order types the stage forbids.
func ForbiddenOrderRule(_ context.Context, req Request) Verdict {
	if req.Intent.Kind != intent.KindPlaceOrder {
		return Allow()
	}
	if req.Stage.ForbidsOrder(req.Intent.OrderType) {
		return Deny(ReasonOrderForbidden, "stage %s forbids %s orders", req.Stage.ID, req.Intent.OrderType)
	}
	return Allow()
}

// VitalDeltaRule bounds the magnitude of a vitals change.
func VitalDeltaRule(_ context.Context, req Request) Verdict {
	if len(req.Stage.MaxVitalDelta) == 0 {
		return Allow()
	}
	for _, key := range clinical.SortedKeys(req.Intent.Vitals) {
		limit, ok := req.Stage.MaxVitalDelta[key]
		if !ok {
			continue
		}
		var delta float64
		switch req.Intent.Kind {
		case intent.KindUpdateVitals:
			delta = req.Intent.Vitals[key]
		case intent.KindSetVitals:
			current, set := req.State.Vitals.Get(key)
			if !set {
				continue
			}
			delta = req.Intent.Vitals[key] - current
		default:
			return Allow()
		}
		if math.Abs(delta) > limit {
			return Deny(ReasonVitalDeltaExceeded, "%s change %.1f exceeds stage limit %.1f", key, delta, limit)
		}
	}
	return Allow()
}

// VitalRangeRule rejects absolute vitals outside the stage ranges.
func VitalRangeRule(_ context.Context, req Request) Verdict {
	if len(req.Stage.VitalRanges) == 0 {
		return Allow()
	}
	for _, key := range clinical.SortedKeys(req.Intent.Vitals) {
		bounds, ok := req.Stage.VitalRanges[key]
		if !ok {
			continue
		}
		var target float64
		switch req.Intent.Kind {
		case intent.KindSetVitals:
			target = req.Intent.Vitals[key]
		case intent.KindUpdateVitals:
			current, set := req.State.Vitals.Get(key)
			if !set {
				continue
			}
			target = current + req.Intent.Vitals[key]
		default:
			return Allow()
		}
		if !bounds.Contains(target) {
			return Deny(ReasonVitalOutOfRange, "%s %.1f is outside stage range [%.1f, %.1f]", key, target, bounds.Min, bounds.Max)
		}
	}
	return Allow()
}

// PreconditionRule requires a qualifying order before certain treatments.
func PreconditionRule(_ context.Context, req Request) Verdict {
	if req.Intent.Kind != intent.KindRecordTreatment {
		return Allow()
	}
	for _, pre := range req.Stage.Preconditions {
		if pre.Treatment != req.Intent.Treatment {
			continue
		}
		if !req.State.HasOrder(pre.RequiresOrder, pre.RequireComplete) {
			state := "placed"
			if pre.RequireComplete {
				state = "completed"
			}
			return Deny(ReasonPreconditionUnmet, "%s requires a %s %s order", pre.Treatment, state, pre.RequiresOrder)
		}
	}
	return Allow()
}
