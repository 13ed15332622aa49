package persistence

import (
	"fmt"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
)

// FutureSkew is how far past now a stored timestamp may be before it is
// considered implausible.
const FutureSkew = 24 * time.Hour

// Issue codes reported by ValidateHydrationConsistency.
const (
	IssueCompletedAtNegative    = "completed_at_negative"
	IssueCompletedAtFuture      = "completed_at_future"
	IssueCompletedAtMissing     = "completed_at_missing"
	IssueCompletedAtOnPending   = "completed_at_on_pending"
	IssueHistoryNotMonotonic    = "history_not_monotonic"
	IssueScenarioStartFuture    = "scenario_start_future"
	IssuePausedNegative         = "paused_ms_negative"
	IssuePhaseBeforeScenarioRun = "phase_before_scenario_start"
)

// Issue is one data-quality anomaly found in hydrated state.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidateHydrationConsistency audits hydrated state. It never modifies or
// rejects the state.
func ValidateHydrationConsistency(state engine.State, now time.Time) []Issue {
	var issues []Issue
	add := func(code, path, format string, args ...any) {
		issues = append(issues, Issue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	horizon := now.Add(FutureSkew)

	for i, order := range state.Orders {
		path := fmt.Sprintf("orders[%d]", i)
		switch {
		case order.CompletedAt == nil && order.Status == clinical.OrderComplete:
			add(IssueCompletedAtMissing, path+".completedAt", "order %s is complete without a completion time", order.ID)
		case order.CompletedAt != nil && order.Status != clinical.OrderComplete:
			add(IssueCompletedAtOnPending, path+".completedAt", "order %s is %s but has a completion time", order.ID, order.Status)
		}
		if order.CompletedAt == nil {
			continue
		}
		if order.CompletedAt.UnixMilli() < 0 {
			add(IssueCompletedAtNegative, path+".completedAt", "order %s completion time %d is negative", order.ID, order.CompletedAt.UnixMilli())
		} else if order.CompletedAt.After(horizon) {
			add(IssueCompletedAtFuture, path+".completedAt", "order %s completion time %s is in the future", order.ID, order.CompletedAt.Format(time.RFC3339))
		}
	}

	telemetry := make([]time.Time, len(state.Telemetry))
	for i, reading := range state.Telemetry {
		telemetry[i] = reading.At
	}
	ekg := make([]time.Time, len(state.EKG))
	for i, result := range state.EKG {
		ekg[i] = result.At
	}
	treatments := make([]time.Time, len(state.Treatments))
	for i, treatment := range state.Treatments {
		treatments[i] = treatment.At
	}
	timeline := make([]time.Time, len(state.Extended.Timeline))
	for i, item := range state.Extended.Timeline {
		timeline[i] = item.At
	}
	for _, history := range []struct {
		path  string
		times []time.Time
	}{
		{"telemetryHistory", telemetry},
		{"ekgHistory", ekg},
		{"treatmentHistory", treatments},
		{"extended.timeline", timeline},
	} {
		for i := 1; i < len(history.times); i++ {
			if history.times[i].Before(history.times[i-1]) {
				add(IssueHistoryNotMonotonic, fmt.Sprintf("%s[%d].at", history.path, i), "%s entry %d precedes entry %d", history.path, i, i-1)
				break
			}
		}
	}

	ext := state.Extended
	if ext.ScenarioStartedAt != nil && ext.ScenarioStartedAt.After(horizon) {
		add(IssueScenarioStartFuture, "extended.scenarioStartedAt", "scenario start %s is in the future", ext.ScenarioStartedAt.Format(time.RFC3339))
	}
	if ext.PausedMs < 0 {
		add(IssuePausedNegative, "extended.pausedMs", "paused duration %d is negative", ext.PausedMs)
	}
	if ext.PhaseEnteredAt != nil && ext.ScenarioStartedAt != nil && ext.PhaseEnteredAt.Before(*ext.ScenarioStartedAt) {
		add(IssuePhaseBeforeScenarioRun, "extended.phaseEnteredAt", "phase entered before the scenario started")
	}
	return issues
}
