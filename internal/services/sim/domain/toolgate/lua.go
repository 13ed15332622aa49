package toolgate

import (
	"context"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
)

// Guard limits. The hook runs every guardHookInterval instructions.
const (
	guardInstructionBudget = 1_000_000
	guardHookInterval      = 1000
)

// LuaGuardRule runs the stage's guard chunk, if any.
//
// The chunk sees two globals, intent and state, plus a has_order(type,
// complete) helper. It returns a boolean verdict and an optional reason.
// Script errors, cancellation and an exhausted instruction budget deny the
// intent.
func LuaGuardRule(ctx context.Context, req Request) Verdict {
	if strings.TrimSpace(req.Stage.Guard) == "" {
		return Allow()
	}
	allowed, reason, err := EvalGuard(ctx, req.Stage.Guard, req.State, req.Intent)
	if err != nil {
		return Deny(ReasonGuardError, "stage %s guard failed: %v", req.Stage.ID, err)
	}
	if !allowed {
		if reason == "" {
			reason = "stage guard denied " + string(req.Intent.Kind)
		}
		return Deny(ReasonGuardRejected, "%s", reason)
	}
	return Allow()
}

// EvalGuard evaluates a guard chunk in a fresh interpreter with only the
// base, string, math and table libraries loaded.
func EvalGuard(ctx context.Context, source string, state engine.State, in intent.Intent) (bool, string, error) {
	l := lua.NewState()
	openGuardLibraries(l)

	steps := 0
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		steps += guardHookInterval
		if err := ctx.Err(); err != nil {
			lua.Errorf(l, "guard cancelled: %s", err.Error())
		}
		if steps > guardInstructionBudget {
			lua.Errorf(l, "guard exceeded %d instructions", guardInstructionBudget)
		}
	}, lua.MaskCount, guardHookInterval)

	pushIntent(l, in)
	l.SetGlobal("intent")
	pushState(l, state)
	l.SetGlobal("state")
	l.PushGoFunction(hasOrderFunc(state))
	l.SetGlobal("has_order")

	if err := lua.LoadString(l, source); err != nil {
		return false, "", err
	}
	if err := l.ProtectedCall(0, 2, 0); err != nil {
		return false, "", err
	}
	allowed := l.ToBoolean(-2)
	reason, _ := l.ToString(-1)
	l.Pop(2)
	return allowed, reason, nil
}

func openGuardLibraries(l *lua.State) {
	libs := []struct {
		name string
		open lua.Function
	}{
		{name: "_G", open: lua.BaseOpen},
		{name: "string", open: lua.StringOpen},
		{name: "math", open: lua.MathOpen},
		{name: "table", open: lua.TableOpen},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	// File and chunk loading stay out of reach.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

func pushIntent(l *lua.State, in intent.Intent) {
	l.NewTable()
	setString(l, "kind", string(in.Kind))
	setString(l, "source", string(in.Source))
	setString(l, "actor", in.ActorID)
	setString(l, "target_stage", in.TargetStage)
	setString(l, "order_type", string(in.OrderType))
	setString(l, "treatment", in.Treatment)
	setString(l, "note", in.Note)
	setString(l, "finding", in.Finding)
	setString(l, "rhythm", in.Rhythm)
	setString(l, "phase", in.Phase)
	setString(l, "control", string(in.Control))
	pushVitals(l, in.Vitals)
	l.SetField(-2, "vitals")
}

func pushState(l *lua.State, state engine.State) {
	l.NewTable()
	setString(l, "stage_id", state.StageID)
	setString(l, "scenario_id", state.ScenarioID)
	pushVitals(l, state.Vitals.Map())
	l.SetField(-2, "vitals")
	l.NewTable()
	for i, finding := range state.Findings {
		l.PushString(finding)
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "findings")
	l.PushBoolean(state.Extended.Frozen())
	l.SetField(-2, "frozen")
}

func pushVitals(l *lua.State, vitals map[clinical.VitalKey]float64) {
	l.NewTable()
	for _, key := range clinical.SortedKeys(vitals) {
		l.PushNumber(vitals[key])
		l.SetField(-2, string(key))
	}
}

func setString(l *lua.State, field, value string) {
	l.PushString(value)
	l.SetField(-2, field)
}

func hasOrderFunc(state engine.State) lua.Function {
	return func(l *lua.State) int {
		orderType := lua.CheckString(l, 1)
		requireComplete := l.ToBoolean(2)
		l.PushBoolean(state.HasOrder(clinical.OrderType(orderType), requireComplete))
		return 1
	}
}
