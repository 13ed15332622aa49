package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *logSink) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logSink) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func sampleState() engine.State {
	vitals := clinical.Vitals{}
	vitals.Set(clinical.VitalHeartRate, 104)
	vitals.Set(clinical.VitalSystolicBP, 92)
	started := t0
	phaseAt := t0.Add(time.Minute)
	done := t0.Add(3 * time.Minute)
	return engine.State{
		SessionID:  "s1",
		ScenarioID: "chest_pain_stemi",
		StageID:    "stage_2_worse",
		StageIDs:   []string{"stage_1", "stage_2_worse"},
		Vitals:     vitals,
		Findings:   []string{"diaphoretic"},
		Orders: []clinical.Order{
			{ID: "ord-1", Type: clinical.OrderEKG, Status: clinical.OrderComplete, OrderedAt: t0.Add(time.Minute), CompletedAt: &done},
			{ID: "ord-2", Type: clinical.OrderLabs, Status: clinical.OrderPending, OrderedAt: t0.Add(2 * time.Minute)},
		},
		OrderSeq:         2,
		TelemetryEnabled: true,
		Telemetry: []clinical.TelemetryReading{
			{At: t0.Add(time.Minute), Vitals: vitals.Clone()},
			{At: t0.Add(2 * time.Minute), Vitals: vitals.Clone()},
		},
		EKG:        []clinical.EKGResult{{At: t0.Add(3 * time.Minute), Rhythm: "sinus tachycardia"}},
		Treatments: []clinical.Treatment{{At: t0.Add(4 * time.Minute), Type: "aspirin", Source: "participant"}},
		Extended: engine.Extended{
			Phase:             "resus",
			PhaseEnteredAt:    &phaseAt,
			ScenarioStartedAt: &started,
			PausedMs:          1500,
			Timeline:          []clinical.TimelineEvent{{At: t0, Label: "stage_entered", Detail: "stage_1"}},
			Custom:            map[string]json.RawMessage{"cath": json.RawMessage(`{"activated":true}`)},
		},
		Budget:         budget.State{USDEstimate: 1.25, VoiceSeconds: 12},
		StageEnteredAt: t0.Add(time.Minute),
		UpdatedAt:      t0.Add(4 * time.Minute),
	}
}

func newPersister(t *testing.T, store *memory.Store, clock *fakeClock, logs *logSink) *Persister {
	t.Helper()
	return New(store, WithClock(clock.Now), WithLogf(logs.Logf))
}

func TestPersistThenLoadRoundTrip(t *testing.T) {
	clock := &fakeClock{now: t0.Add(5 * time.Minute)}
	store := memory.New(memory.WithClock(clock.Now))
	logs := &logSink{}
	p := newPersister(t, store, clock, logs)
	ctx := context.Background()
	want := sampleState()

	outcome, err := p.Persist(ctx, "s1", want)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !outcome.Written {
		t.Fatal("expected first persist to write")
	}

	hydrated, err := New(store, WithClock(clock.Now), WithLogf(logs.Logf)).LoadState(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hydrated.Found || hydrated.Minimal {
		t.Fatalf("hydrated = %+v", hydrated)
	}
	if len(hydrated.Issues) != 0 {
		t.Fatalf("issues = %+v", hydrated.Issues)
	}
	got := hydrated.State
	if !got.UpdatedAt.Equal(outcome.UpdatedAt) {
		t.Fatalf("updatedAt = %v, want server-assigned %v", got.UpdatedAt, outcome.UpdatedAt)
	}
	got.UpdatedAt = want.UpdatedAt

	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("round trip mismatch\n got: %s\nwant: %s", gotJSON, wantJSON)
	}
}

func TestPersistUnchangedWithinDebounceWritesOnce(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	p := newPersister(t, store, clock, &logSink{})
	ctx := context.Background()
	state := sampleState()

	if _, err := p.Persist(ctx, "s1", state); err != nil {
		t.Fatalf("persist: %v", err)
	}
	clock.Advance(100 * time.Millisecond)
	outcome, err := p.Persist(ctx, "s1", state)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if outcome.Written {
		t.Fatal("expected second persist to be skipped")
	}
	if store.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", store.Writes())
	}
}

func TestPersistChangedFieldDefeatsSkip(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	p := newPersister(t, store, clock, &logSink{})
	ctx := context.Background()
	state := sampleState()
	p.Persist(ctx, "s1", state)

	clock.Advance(100 * time.Millisecond)
	state.Fallback = true
	outcome, err := p.Persist(ctx, "s1", state)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !outcome.Written || len(outcome.Fields) != 1 || outcome.Fields[0] != "fallback" {
		t.Fatalf("outcome = %+v, want only fallback written", outcome)
	}
	if store.Writes() != 2 {
		t.Fatalf("writes = %d", store.Writes())
	}
}

func TestPersistUnchangedAfterWindowWritesAgain(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	p := newPersister(t, store, clock, &logSink{})
	ctx := context.Background()
	state := sampleState()
	p.Persist(ctx, "s1", state)

	clock.Advance(DefaultDebounce)
	if outcome, _ := p.Persist(ctx, "s1", state); !outcome.Written {
		t.Fatal("expected write after debounce window")
	}
}

func TestMarkDirtyForcesWrite(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	p := newPersister(t, store, clock, &logSink{})
	ctx := context.Background()
	state := sampleState()
	p.Persist(ctx, "s1", state)

	p.MarkDirty("s1")
	if outcome, _ := p.Persist(ctx, "s1", state); !outcome.Written {
		t.Fatal("expected dirty write")
	}
}

func TestPersistFailureIsLoggedAndRetried(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	logs := &logSink{}
	p := newPersister(t, store, clock, logs)
	ctx := context.Background()

	store.FailWith(errors.New("store offline"))
	_, err := p.Persist(ctx, "s1", sampleState())
	if !apperrors.HasCode(err, apperrors.CodePersistenceFailed) {
		t.Fatalf("err = %v, want persistence failure", err)
	}
	if logs.count("persistence failed") != 1 {
		t.Fatalf("logs = %v", logs.lines)
	}

	store.FailWith(nil)
	outcome, err := p.Persist(ctx, "s1", sampleState())
	if err != nil || !outcome.Written {
		t.Fatalf("retry outcome = %+v err = %v", outcome, err)
	}
}

func TestMergedWritePreservesUnrelatedFields(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := memory.New()
	p := newPersister(t, store, clock, &logSink{})
	ctx := context.Background()
	state := sampleState()
	p.Persist(ctx, "s1", state)

	clock.Advance(time.Second)
	state.Vitals.Clear(clinical.VitalSystolicBP)
	if _, err := p.Persist(ctx, "s1", state); err != nil {
		t.Fatalf("persist: %v", err)
	}
	hydrated, err := p.LoadState(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := hydrated.State.Vitals.Get(clinical.VitalSystolicBP); ok {
		t.Fatal("cleared vital should be removed by merge")
	}
	if len(hydrated.State.Orders) != 2 {
		t.Fatalf("orders = %d", len(hydrated.State.Orders))
	}
}

func TestLoadStateMissingDocument(t *testing.T) {
	p := newPersister(t, memory.New(), &fakeClock{now: t0}, &logSink{})
	hydrated, err := p.LoadState(context.Background(), "nope")
	if err != nil || hydrated.Found {
		t.Fatalf("hydrated = %+v err = %v", hydrated, err)
	}
}

func TestLoadStateSchemaFailureYieldsMinimal(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown core field", doc: `{"sessionId":"s1","scenarioId":"x","stageId":"a","surprise":1,"updatedAt":1700000000000}`},
		{name: "wrong type", doc: `{"sessionId":"s1","scenarioId":"x","stageId":7,"updatedAt":1700000000000}`},
		{name: "bad vital key", doc: `{"sessionId":"s1","scenarioId":"x","stageId":"a","vitals":{"pulse":80},"updatedAt":1700000000000}`},
		{name: "bad order status", doc: `{"sessionId":"s1","scenarioId":"x","stageId":"a","orders":[{"id":"o","type":"labs","status":"lost","orderedAt":0}],"updatedAt":1700000000000}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			store.PutRawDocument("s1", json.RawMessage(tc.doc))
			logs := &logSink{}
			p := newPersister(t, store, &fakeClock{now: t0}, logs)

			hydrated, err := p.LoadState(context.Background(), "s1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !hydrated.Minimal {
				t.Fatalf("hydrated = %+v, want minimal", hydrated)
			}
			if hydrated.State.UpdatedAt.UnixMilli() != 1700000000000 {
				t.Fatalf("updatedAt = %v", hydrated.State.UpdatedAt)
			}
			if logs.count("hydration schema invalid") != 1 {
				t.Fatalf("logs = %v", logs.lines)
			}
		})
	}
}

func TestLoadStateKeepsAnomaliesAndWarns(t *testing.T) {
	store := memory.New()
	store.PutRawDocument("s1", json.RawMessage(`{
		"sessionId":"s1","scenarioId":"chest_pain_stemi","stageId":"stage_1",
		"orders":[{"id":"ord-1","type":"vitals","status":"complete","orderedAt":0,"completedAt":-1000}],
		"updatedAt":1700000000000
	}`))
	logs := &logSink{}
	p := newPersister(t, store, &fakeClock{now: t0}, logs)

	hydrated, err := p.LoadState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hydrated.Minimal {
		t.Fatal("anomalies must not reduce the state to minimal")
	}
	order := hydrated.State.Orders[0]
	if order.CompletedAt == nil || order.CompletedAt.UnixMilli() != -1000 {
		t.Fatalf("completedAt = %v, want preserved -1000", order.CompletedAt)
	}
	if len(hydrated.Issues) != 1 || hydrated.Issues[0].Code != IssueCompletedAtNegative {
		t.Fatalf("issues = %+v", hydrated.Issues)
	}
	if logs.count("hydration consistency warning") != 1 {
		t.Fatalf("logs = %v", logs.lines)
	}
}

func TestLoadStateDropsInvalidExtension(t *testing.T) {
	store := memory.New()
	store.PutRawDocument("s1", json.RawMessage(`{
		"sessionId":"s1","scenarioId":"sepsis_uti","stageId":"triage",
		"extended":{"pausedMs":0,"custom":{"lactate":"high"}},
		"updatedAt":1700000000000
	}`))
	p := newPersister(t, store, &fakeClock{now: t0}, &logSink{})
	hydrated, err := p.LoadState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hydrated.Minimal || hydrated.State.StageID != "triage" {
		t.Fatalf("core should survive: %+v", hydrated)
	}
	if hydrated.State.Extended.Custom != nil {
		t.Fatalf("custom = %v, want dropped", hydrated.State.Extended.Custom)
	}
}

func TestExtensionValidatorByScenario(t *testing.T) {
	registry := NewExtensionRegistry()
	registry.Register("sepsis_uti", AllowKeys("lactate"))
	store := memory.New()
	store.PutRawDocument("s1", json.RawMessage(`{
		"sessionId":"s1","scenarioId":"sepsis_uti","stageId":"triage",
		"extended":{"pausedMs":0,"custom":{"lactate":{"mmol":4.1},"junk":{"x":1}}},
		"updatedAt":1700000000000
	}`))
	p := New(store, WithClock((&fakeClock{now: t0}).Now), WithLogf(func(string, ...any) {}), WithExtensions(registry))
	hydrated, err := p.LoadState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	custom := hydrated.State.Extended.Custom
	if len(custom) != 1 || string(custom["lactate"]) != `{"mmol":4.1}` {
		t.Fatalf("custom = %v", custom)
	}
}

func TestPersistClearsExtensionsDroppedOnHydration(t *testing.T) {
	registry := NewExtensionRegistry()
	registry.Register("sepsis_uti", AllowKeys("lactate"))
	store := memory.New()
	store.PutRawDocument("s1", json.RawMessage(`{
		"sessionId":"s1","scenarioId":"sepsis_uti","stageId":"triage",
		"extended":{"pausedMs":0,"custom":{"lactate":{"mmol":4.1},"junk":{"x":1}}},
		"updatedAt":1700000000000
	}`))
	p := New(store, WithClock((&fakeClock{now: t0}).Now), WithLogf(func(string, ...any) {}), WithExtensions(registry))
	ctx := context.Background()
	hydrated, err := p.LoadState(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	outcome, err := p.Persist(ctx, "s1", hydrated.State)
	if err != nil || !outcome.Written {
		t.Fatalf("persist = %+v err = %v", outcome, err)
	}

	raw, err := store.LoadSessionDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	var stored struct {
		Extended struct {
			Custom map[string]json.RawMessage `json:"custom"`
		} `json:"extended"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := stored.Extended.Custom["junk"]; ok {
		t.Fatalf("custom = %s, want junk cleared", raw)
	}
	if string(stored.Extended.Custom["lactate"]) != `{"mmol":4.1}` {
		t.Fatalf("custom = %s, want lactate kept", raw)
	}

	// The next unchanged write has nothing left to clear.
	if outcome, err := p.Persist(ctx, "s1", hydrated.State); err != nil || outcome.Written {
		t.Fatalf("second persist = %+v err = %v", outcome, err)
	}
}
