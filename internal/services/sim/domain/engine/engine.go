package engine

import (
	"sync"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
)

// Engine holds one session's live state for a selected scenario.
type Engine struct {
	mu       sync.RWMutex
	scenario scenario.Scenario
	state    State
}

// New starts a session at the scenario's initial stage.
func New(scn scenario.Scenario, sessionID string, now time.Time) *Engine {
	return &Engine{scenario: scn, state: InitialState(scn, sessionID, now)}
}

// Restore resumes a session from a hydrated state. A stage the scenario no
// longer declares falls back to the initial stage so the session stays usable.
func Restore(scn scenario.Scenario, state State) *Engine {
	restored := state.Clone()
	restored.ScenarioID = scn.ID
	restored.StageIDs = scn.StageIDs()
	if _, ok := scn.Stage(restored.StageID); !ok {
		restored.StageID = scn.InitialStage
		restored.StageEnteredAt = restored.UpdatedAt
	}
	return &Engine{scenario: scn, state: restored}
}

// Scenario returns the scenario definition driving the engine.
func (e *Engine) Scenario() scenario.Scenario {
	return e.scenario
}

// State returns an immutable snapshot of the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// StageDef returns the definition of a stage by id.
func (e *Engine) StageDef(id string) (scenario.StageDef, bool) {
	return e.scenario.Stage(id)
}

// CurrentStage returns the definition of the active stage.
func (e *Engine) CurrentStage() scenario.StageDef {
	e.mu.RLock()
	id := e.state.StageID
	e.mu.RUnlock()
	stage, _ := e.scenario.Stage(id)
	return stage
}

// Apply decides in against the current state and commits accepted results.
func (e *Engine) Apply(in intent.Intent) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := Decide(e.scenario, e.state, in)
	if result.Accepted() {
		e.state = result.State
	}
	result.State = result.State.Clone()
	return result
}

// SetBudget mirrors the cost controller's state into the snapshot.
func (e *Engine) SetBudget(state budget.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Budget = state
	e.state.Fallback = state.Fallback
}

// StageOverdue reports whether the active stage has outlived its max duration.
func (e *Engine) StageOverdue(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stage, ok := e.scenario.Stage(e.state.StageID)
	if !ok || stage.MaxDuration <= 0 {
		return false
	}
	return activeElapsed(e.state, now) > stage.MaxDuration
}

// Replay folds a recorded intent stream over an initial state. Rejected
// intents are reported but leave the state untouched, matching live behavior.
func Replay(scn scenario.Scenario, initial State, intents []intent.Intent) (State, []Result) {
	state := initial.Clone()
	results := make([]Result, 0, len(intents))
	for _, in := range intents {
		result := Decide(scn, state, in)
		if result.Accepted() {
			state = result.State
		}
		results = append(results, result)
	}
	return state, results
}
