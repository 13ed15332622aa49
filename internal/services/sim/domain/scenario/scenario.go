// Package scenario defines scripted case graphs: stages, their legal
// transitions, and the per-stage policy the tool gate enforces.
package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
)

// Precondition requires an order to exist before a treatment is accepted,
// e.g. IV access before fluids.
type Precondition struct {
	Treatment       string             `yaml:"treatment" json:"treatment"`
	RequiresOrder   clinical.OrderType `yaml:"requiresOrder" json:"requiresOrder"`
	RequireComplete bool               `yaml:"requireComplete" json:"requireComplete"`
}

// StageDef declares one stage of the case graph.
type StageDef struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Transitions []string `yaml:"transitions"`

	// AllowedIntents limits which kinds may be applied while in the stage.
	// Empty allows every kind.
	AllowedIntents []intent.Kind `yaml:"allowedIntents"`
	// AIAllowedIntents further limits AI-issued intents. Empty falls back to
	// AllowedIntents.
	AIAllowedIntents []intent.Kind `yaml:"aiAllowedIntents"`

	ForbiddenOrders []clinical.OrderType          `yaml:"forbiddenOrders"`
	MaxVitalDelta   map[clinical.VitalKey]float64 `yaml:"maxVitalDelta"`
	VitalRanges     clinical.Bounds               `yaml:"vitalRanges"`
	Preconditions   []Precondition                `yaml:"preconditions"`

	// EntryVitals are applied when the stage is entered.
	EntryVitals map[clinical.VitalKey]float64 `yaml:"entryVitals"`
	// EntryFindings are added when the stage is entered.
	EntryFindings []string `yaml:"entryFindings"`

	// Guard is an optional Lua chunk evaluated by the tool gate.
	Guard string `yaml:"guard"`

	MinDuration time.Duration `yaml:"minDuration"`
	MaxDuration time.Duration `yaml:"maxDuration"`
}

// CanTransition reports whether target is declared reachable from the stage.
func (s StageDef) CanTransition(target string) bool {
	for _, candidate := range s.Transitions {
		if candidate == target {
			return true
		}
	}
	return false
}

// Allows reports whether kind is permitted for the given source.
func (s StageDef) Allows(kind intent.Kind, source intent.Source) bool {
	if len(s.AllowedIntents) > 0 && !containsKind(s.AllowedIntents, kind) {
		return false
	}
	if source == intent.SourceAI && len(s.AIAllowedIntents) > 0 {
		return containsKind(s.AIAllowedIntents, kind)
	}
	return true
}

// ForbidsOrder reports whether the stage forbids an order type.
func (s StageDef) ForbidsOrder(orderType clinical.OrderType) bool {
	for _, forbidden := range s.ForbiddenOrders {
		if forbidden == orderType {
			return true
		}
	}
	return false
}

func containsKind(kinds []intent.Kind, kind intent.Kind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}

// Scenario is a complete case: initial patient state plus the stage graph.
type Scenario struct {
	ID            string                        `yaml:"id"`
	Title         string                        `yaml:"title"`
	InitialStage  string                        `yaml:"initialStage"`
	InitialVitals map[clinical.VitalKey]float64 `yaml:"initialVitals"`
	Findings      []string                      `yaml:"findings"`
	Bounds        clinical.Bounds               `yaml:"bounds"`
	Stages        []StageDef                    `yaml:"stages"`
	// Extensions names the custom keys the scenario may keep in the
	// extended map. Empty means any object-valued key.
	Extensions []string `yaml:"extensions"`
}

// Stage looks up a stage definition by id.
func (s Scenario) Stage(id string) (StageDef, bool) {
	for _, stage := range s.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return StageDef{}, false
}

// StageIDs returns the declared stage ids in order.
func (s Scenario) StageIDs() []string {
	ids := make([]string, 0, len(s.Stages))
	for _, stage := range s.Stages {
		ids = append(ids, stage.ID)
	}
	return ids
}

// VitalBounds returns the default bounds overlaid with the scenario's overrides.
func (s Scenario) VitalBounds() clinical.Bounds {
	return clinical.DefaultBounds().Merge(s.Bounds)
}

// Validate checks the graph is closed: ids are unique, the initial stage
// exists, and every transition names a declared stage.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scenario id is required")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("scenario %s: at least one stage is required", s.ID)
	}
	seen := make(map[string]struct{}, len(s.Stages))
	for _, stage := range s.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			return fmt.Errorf("scenario %s: stage id is required", s.ID)
		}
		if _, dup := seen[stage.ID]; dup {
			return fmt.Errorf("scenario %s: duplicate stage %s", s.ID, stage.ID)
		}
		seen[stage.ID] = struct{}{}
		if stage.MaxDuration > 0 && stage.MinDuration > stage.MaxDuration {
			return fmt.Errorf("scenario %s: stage %s min duration exceeds max", s.ID, stage.ID)
		}
	}
	if _, ok := seen[s.InitialStage]; !ok {
		return fmt.Errorf("scenario %s: initial stage %q is not declared", s.ID, s.InitialStage)
	}
	for _, stage := range s.Stages {
		for _, target := range stage.Transitions {
			if _, ok := seen[target]; !ok {
				return fmt.Errorf("scenario %s: stage %s transitions to undeclared stage %s", s.ID, stage.ID, target)
			}
		}
	}
	for key := range s.InitialVitals {
		if _, err := clinical.ParseVitalKey(string(key)); err != nil {
			return fmt.Errorf("scenario %s: %w", s.ID, err)
		}
	}
	return nil
}
