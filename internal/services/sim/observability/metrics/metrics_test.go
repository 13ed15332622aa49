package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestIntentCounter(t *testing.T) {
	m := New()
	m.ObserveIntent("advance_stage", "presenter", OutcomeApplied)
	m.ObserveIntent("advance_stage", "presenter", OutcomeApplied)
	m.ObserveIntent("place_order", "ai", OutcomePolicy)

	if got := counterValue(t, m.Intents.WithLabelValues("advance_stage", "presenter", OutcomeApplied)); got != 2 {
		t.Fatalf("applied = %v, want 2", got)
	}
	if got := counterValue(t, m.Intents.WithLabelValues("place_order", "ai", OutcomePolicy)); got != 1 {
		t.Fatalf("policy = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestLockObserver(t *testing.T) {
	m := New()
	observer := m.LockObserver()
	observer.Waited("s1", 5*time.Millisecond)
	observer.Held("s1", 20*time.Millisecond)

	var out dto.Metric
	if err := m.LockWait.Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := out.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("wait samples = %d, want 1", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveIntent("a", "b", "c")
	m.ObservePersist("written")
	m.SetActiveSessions(3)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetActiveSessions(2)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "wardsim_active_sessions 2") {
		t.Fatalf("body missing gauge:\n%s", body)
	}
}
