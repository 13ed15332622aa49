package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// MergePatch applies an RFC 7396 merge patch to doc. Objects merge
// recursively, null removes a key, and every other value replaces.
func MergePatch(doc, patch json.RawMessage) (json.RawMessage, error) {
	var patchValue any
	if err := json.Unmarshal(patch, &patchValue); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	var docValue any
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &docValue); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	merged, err := json.Marshal(mergeValue(docValue, patchValue))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return merged, nil
}

func mergeValue(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	for key, value := range patchObj {
		if value == nil {
			delete(targetObj, key)
			continue
		}
		targetObj[key] = mergeValue(targetObj[key], value)
	}
	return targetObj
}

// StampUpdatedAt sets the server-assigned update time on a patch.
func StampUpdatedAt(patch json.RawMessage, at time.Time) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &fields); err != nil {
			return nil, fmt.Errorf("decode patch: %w", err)
		}
	}
	stamp, err := json.Marshal(at.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	fields[UpdatedAtField] = stamp
	return json.Marshal(fields)
}
