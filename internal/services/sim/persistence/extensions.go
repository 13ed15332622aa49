package persistence

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ExtensionValidator checks and may sanitize a scenario's custom extension
// data. Returning an error drops the extension on hydration.
type ExtensionValidator func(custom map[string]json.RawMessage) (map[string]json.RawMessage, error)

// ExtensionRegistry maps scenario ids to their extension validator.
// Scenarios without a registered validator keep only JSON objects.
type ExtensionRegistry struct {
	mu         sync.RWMutex
	validators map[string]ExtensionValidator
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{validators: make(map[string]ExtensionValidator)}
}

// Register installs the validator for a scenario id.
func (r *ExtensionRegistry) Register(scenarioID string, validator ExtensionValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[scenarioID] = validator
}

// Validate runs the scenario's validator, or the default when none is registered.
func (r *ExtensionRegistry) Validate(scenarioID string, custom map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(custom) == 0 {
		return custom, nil
	}
	r.mu.RLock()
	validator, ok := r.validators[scenarioID]
	r.mu.RUnlock()
	if !ok {
		validator = RequireObjects
	}
	return validator(custom)
}

// RequireObjects accepts extension entries whose values are JSON objects.
func RequireObjects(custom map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for key, value := range custom {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("extension %q must be a json object", key)
		}
	}
	return custom, nil
}

// AllowKeys builds a validator that drops keys outside the allowed set.
func AllowKeys(keys ...string) ExtensionValidator {
	allowed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		allowed[key] = struct{}{}
	}
	return func(custom map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		out := make(map[string]json.RawMessage, len(custom))
		for key, value := range custom {
			if _, ok := allowed[key]; ok {
				out[key] = value
			}
		}
		return out, nil
	}
}
