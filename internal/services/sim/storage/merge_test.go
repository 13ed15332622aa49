package storage

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMergePatch(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		patch string
		want  string
	}{
		{name: "empty document", doc: "", patch: `{"a":1}`, want: `{"a":1}`},
		{name: "nested merge", doc: `{"v":{"hr":90,"rr":18},"s":"x"}`, patch: `{"v":{"hr":98}}`, want: `{"s":"x","v":{"hr":98,"rr":18}}`},
		{name: "null removes", doc: `{"a":1,"b":2}`, patch: `{"b":null}`, want: `{"a":1}`},
		{name: "arrays replace", doc: `{"o":[1,2,3]}`, patch: `{"o":[4]}`, want: `{"o":[4]}`},
		{name: "scalar over object", doc: `{"a":{"b":1}}`, patch: `{"a":2}`, want: `{"a":2}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MergePatch(json.RawMessage(tc.doc), json.RawMessage(tc.patch))
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("merged = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMergePatchRejectsInvalidJSON(t *testing.T) {
	if _, err := MergePatch(nil, json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestStampUpdatedAt(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got, err := StampUpdatedAt(json.RawMessage(`{"stageId":"s1"}`), at)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if string(got) != `{"stageId":"s1","updatedAt":1700000000123}` {
		t.Fatalf("stamped = %s", got)
	}
}
