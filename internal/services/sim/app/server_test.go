package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/wardsim/internal/services/sim/dispatch"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/provider"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		HealthAddr:    "127.0.0.1:0",
		MetricsAddr:   "127.0.0.1:0",
		DBPath:        filepath.Join(t.TempDir(), "sim.db"),
		RingCapacity:  100,
		SweepInterval: time.Hour,
	}
}

func TestNewRejectsUnknownDefaultScenario(t *testing.T) {
	opts := testOptions(t)
	opts.DefaultScenario = "missing"
	if _, err := New(context.Background(), opts); err == nil {
		t.Fatal("expected error for unknown default scenario")
	}
}

func TestLoadCatalogMergesDirectory(t *testing.T) {
	dir := t.TempDir()
	doc := "id: drill\ninitialStage: s1\nstages:\n  - id: s1\n"
	if err := os.WriteFile(filepath.Join(dir, "drill.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	catalog, err := loadCatalog(dir)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if _, err := catalog.Get("drill"); err != nil {
		t.Fatalf("drill scenario: %v", err)
	}
	if _, err := catalog.Get("chest_pain_stemi"); err != nil {
		t.Fatalf("embedded scenario: %v", err)
	}
}

func TestNewProviderDefaultsToStub(t *testing.T) {
	backend, err := newProvider(Options{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := newProvider(Options{ProviderURL: "http://127.0.0.1:1/v1/responses"}); err == nil {
		t.Fatal("expected error without a model")
	}
	result, err := backend.Generate(context.Background(), providerRequest())
	if err != nil || !result.Stub {
		t.Fatalf("result = %+v err=%v", result, err)
	}
}

func TestServeHealthMetricsAndDispatch(t *testing.T) {
	server, err := New(context.Background(), testOptions(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	conn, err := grpc.NewClient(server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}

	reply, err := server.Dispatcher().Handle(context.Background(), dispatch.Message{
		Type:       dispatch.MessageJoin,
		SessionID:  "s1",
		ScenarioID: "sepsis_uti",
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.Snapshot == nil || reply.Snapshot.StageID != "triage" {
		t.Fatalf("reply = %+v", reply)
	}
	created := 0
	for _, evt := range server.Events().RecentForSession("s1", 0) {
		if evt.Type == eventlog.TypeSessionCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created events = %d", created)
	}

	httpResp, err := http.Get("http://" + server.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "wardsim_active_sessions 1") {
		t.Fatalf("metrics missing active sessions:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	if server.Sessions().Len() != 0 {
		t.Fatal("shutdown should flush and empty sessions")
	}
}

func providerRequest() provider.GenerateRequest {
	return provider.GenerateRequest{SessionID: "s1", Transcript: "hello"}
}
