package security

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imld/daemon/internal/iml"
)

func samplePlan() *iml.Plan {
	return &iml.Plan{
		PlanID: "p1",
		Actions: []*iml.Action{
			{ID: "a1", Module: "fs", Action: "read_file", Params: map[string]interface{}{"path": "/tmp/x"}},
		},
	}
}

func TestMLAdapterScannerPassesThroughClassifierVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mlClassifyResponse{Verdict: "PASS", RiskScore: 0.1})
	}))
	defer srv.Close()

	scanner := NewMLAdapterScanner(srv.URL, time.Second)
	res, err := scanner.Scan(context.Background(), samplePlan())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != Pass {
		t.Errorf("Verdict = %q, want PASS", res.Verdict)
	}
}

func TestMLAdapterScannerFailsOpenWithVisibilityOnUnreachableServer(t *testing.T) {
	scanner := NewMLAdapterScanner("http://127.0.0.1:1", 100*time.Millisecond)
	res, err := scanner.Scan(context.Background(), samplePlan())
	if err != nil {
		t.Fatalf("Scan should never return an error, got %v", err)
	}
	if res.Verdict != Warn {
		t.Errorf("Verdict = %q, want WARN on an unreachable classifier", res.Verdict)
	}
	if len(res.Findings) == 0 {
		t.Error("expected a synthetic finding explaining the classifier was unavailable")
	}
}

func TestMLAdapterScannerPropagatesThreatTypeOnReject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mlClassifyResponse{
			Verdict: "REJECT", RiskScore: 0.9, ThreatType: "prompt_injection", Findings: []string{"suspicious instruction"},
		})
	}))
	defer srv.Close()

	scanner := NewMLAdapterScanner(srv.URL, time.Second)
	res, err := scanner.Scan(context.Background(), samplePlan())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != Reject {
		t.Errorf("Verdict = %q, want REJECT", res.Verdict)
	}
	if len(res.Findings) != 1 || res.Findings[0].ThreatType != "prompt_injection" {
		t.Errorf("Findings = %+v, want one finding with threat_type prompt_injection", res.Findings)
	}
}
