package intent

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/clinical"
)

func TestValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      Intent
		wantErr string
	}{
		{name: "advance ok", in: Intent{Kind: KindAdvanceStage, SessionID: "s1", At: at, TargetStage: "stage_2"}},
		{name: "missing session", in: Intent{Kind: KindFreeze, At: at}, wantErr: "session id"},
		{name: "missing time", in: Intent{Kind: KindFreeze, SessionID: "s1"}, wantErr: "timestamp"},
		{name: "advance without target", in: Intent{Kind: KindAdvanceStage, SessionID: "s1", At: at}, wantErr: "target stage"},
		{name: "vitals empty", in: Intent{Kind: KindUpdateVitals, SessionID: "s1", At: at}, wantErr: "vitals are required"},
		{name: "vitals unknown key", in: Intent{Kind: KindUpdateVitals, SessionID: "s1", At: at, Vitals: map[clinical.VitalKey]float64{"bogus": 1}}, wantErr: "unknown vital"},
		{name: "vitals nan", in: Intent{Kind: KindSetVitals, SessionID: "s1", At: at, Vitals: map[clinical.VitalKey]float64{clinical.VitalHeartRate: math.NaN()}}, wantErr: "not finite"},
		{name: "order bad json", in: Intent{Kind: KindCompleteOrder, SessionID: "s1", At: at, OrderType: clinical.OrderLabs, OrderResult: []byte("{")}, wantErr: "valid json"},
		{name: "mute without user", in: Intent{Kind: KindAIControl, SessionID: "s1", At: at, Control: AIMuteUser}, wantErr: "target user"},
		{name: "unknown control", in: Intent{Kind: KindAIControl, SessionID: "s1", At: at, Control: "dance"}, wantErr: "unknown ai control"},
		{name: "unknown kind", in: Intent{Kind: "teleport", SessionID: "s1", At: at}, wantErr: "unknown intent kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCloneIsolatesMaps(t *testing.T) {
	in := Intent{Vitals: map[clinical.VitalKey]float64{clinical.VitalHeartRate: 8}, OrderResult: []byte(`{"k":1}`)}
	out := in.Clone()
	in.Vitals[clinical.VitalHeartRate] = 99
	in.OrderResult[0] = '['

	if out.Vitals[clinical.VitalHeartRate] != 8 {
		t.Fatalf("cloned vitals changed: %v", out.Vitals)
	}
	if string(out.OrderResult) != `{"k":1}` {
		t.Fatalf("cloned result changed: %s", out.OrderResult)
	}
}
