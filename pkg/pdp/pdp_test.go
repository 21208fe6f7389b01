package pdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// --- Interface conformance tests ---

// allBackends returns PDP instances for each backend. OPA uses an httptest
// server.
func allBackends(t *testing.T) map[Backend]PolicyDecisionPoint {
	t.Helper()

	static := NewStaticPDP("v0.1.0", map[string]bool{
		"allowed_rule": true,
		"denied_rule":  false,
	}, false)

	opaMux := http.NewServeMux()
	opaMux.HandleFunc("/v1/data/regnexus/rules", func(w http.ResponseWriter, r *http.Request) {
		var req opaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		allow := req.Input.RuleID != "denied_rule"
		reason := "ALLOW"
		if !allow {
			reason = "DENY_POLICY"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opaResponse{Result: &opaResult{Allow: allow, ReasonCode: reason}})
	})
	opaServer := httptest.NewServer(opaMux)
	t.Cleanup(opaServer.Close)

	opaPDP := NewOPAPDP(OPAConfig{URL: opaServer.URL, PolicyVersion: "test-v1"})

	celPDP, err := NewCELPDP("test-v1", `request.rule_id != "denied_rule"`)
	if err != nil {
		t.Fatalf("cel pdp: %v", err)
	}

	return map[Backend]PolicyDecisionPoint{
		BackendStatic: static,
		BackendOPA:    opaPDP,
		BackendCEL:    celPDP,
	}
}

func TestPDPInterfaceConformance_Allow(t *testing.T) {
	for name, pdp := range allBackends(t) {
		t.Run(string(name)+"_allow", func(t *testing.T) {
			resp, err := pdp.Evaluate(context.Background(), &DecisionRequest{
				RuleID:       "allowed_rule",
				Jurisdiction: "EU",
				Action:       ActionHarmonize,
				Timestamp:    time.Now(),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !resp.Allow {
				t.Errorf("expected allow, got deny (reason=%s)", resp.ReasonCode)
			}
			if !strings.HasPrefix(resp.DecisionHash, "sha256:") {
				t.Errorf("decision hash must start with sha256:, got %q", resp.DecisionHash)
			}
			if resp.PolicyRef == "" {
				t.Error("policy ref must not be empty")
			}
		})
	}
}

func TestPDPInterfaceConformance_Deny(t *testing.T) {
	for name, pdp := range allBackends(t) {
		t.Run(string(name)+"_deny", func(t *testing.T) {
			resp, err := pdp.Evaluate(context.Background(), &DecisionRequest{
				RuleID: "denied_rule",
				Action: ActionHarmonize,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Allow {
				t.Error("expected deny, got allow")
			}
			if resp.ReasonCode == "" || resp.ReasonCode == "ALLOW" {
				t.Errorf("expected deny reason code, got %q", resp.ReasonCode)
			}
			if resp.DecisionHash == "" {
				t.Error("decision hash must not be empty on deny")
			}
		})
	}
}

func TestPDPInterfaceConformance_NilRequest(t *testing.T) {
	for name, pdp := range allBackends(t) {
		t.Run(string(name)+"_nil", func(t *testing.T) {
			resp, err := pdp.Evaluate(context.Background(), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Allow {
				t.Error("nil request must be denied")
			}
		})
	}
}

func TestPDPInterfaceConformance_DecisionHashDeterminism(t *testing.T) {
	for name, pdp := range allBackends(t) {
		t.Run(string(name)+"_determinism", func(t *testing.T) {
			req := &DecisionRequest{
				RuleID:    "allowed_rule",
				Action:    ActionHarmonize,
				Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			resp1, _ := pdp.Evaluate(context.Background(), req)
			resp2, _ := pdp.Evaluate(context.Background(), req)
			if resp1.DecisionHash != resp2.DecisionHash {
				t.Errorf("decision hash not deterministic: %s vs %s", resp1.DecisionHash, resp2.DecisionHash)
			}
			if pdp.Backend() != name {
				t.Errorf("backend %s reports %s", name, pdp.Backend())
			}
		})
	}
}

// --- Fail-closed tests ---

func TestOPA_FailClosed_Unreachable(t *testing.T) {
	pdp := NewOPAPDP(OPAConfig{
		URL:           "http://127.0.0.1:1",
		PolicyVersion: "test-v1",
		Timeout:       100 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	resp, err := pdp.Evaluate(ctx, &DecisionRequest{RuleID: "gdpr", Action: ActionHarmonize})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Allow {
		t.Error("unreachable OPA must deny")
	}
	if resp.ReasonCode != "DENY_OPA_UNREACHABLE" {
		t.Errorf("expected DENY_OPA_UNREACHABLE, got %s", resp.ReasonCode)
	}
}

func TestOPA_FailClosed_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pdp := NewOPAPDP(OPAConfig{URL: srv.URL, PolicyVersion: "err-test"})
	resp, _ := pdp.Evaluate(context.Background(), &DecisionRequest{RuleID: "gdpr"})
	if resp.Allow {
		t.Error("500 response must deny")
	}
	if resp.ReasonCode != "DENY_OPA_HTTP_500" {
		t.Errorf("expected DENY_OPA_HTTP_500, got %s", resp.ReasonCode)
	}
}

func TestOPA_FailClosed_NoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resp, _ := NewOPAPDP(OPAConfig{URL: srv.URL}).Evaluate(context.Background(), &DecisionRequest{RuleID: "gdpr"})
	if resp.Allow || resp.ReasonCode != "DENY_OPA_NO_RESULT" {
		t.Errorf("expected DENY_OPA_NO_RESULT, got allow=%v reason=%s", resp.Allow, resp.ReasonCode)
	}
}

func TestCEL_FailClosed(t *testing.T) {
	if _, err := NewCELPDP("v", `request.rule_id ==`); err == nil {
		t.Fatal("expected compile error")
	}

	nonBool, err := NewCELPDP("v", `request.rule_id`)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ := nonBool.Evaluate(context.Background(), &DecisionRequest{RuleID: "gdpr"})
	if resp.Allow || resp.ReasonCode != "DENY_CEL_NON_BOOL" {
		t.Errorf("expected DENY_CEL_NON_BOOL, got %s", resp.ReasonCode)
	}

	missing, err := NewCELPDP("v", `request.context.tier == "gold"`)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = missing.Evaluate(context.Background(), &DecisionRequest{RuleID: "gdpr"})
	if resp.Allow || resp.ReasonCode != "DENY_CEL_RUNTIME_ERROR" {
		t.Errorf("expected DENY_CEL_RUNTIME_ERROR, got %s", resp.ReasonCode)
	}
}

func TestCEL_UsesContext(t *testing.T) {
	pdp, err := NewCELPDP("v", `request.jurisdiction != "US" || request.context.location.startsWith("US")`)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	resp, _ := pdp.Evaluate(ctx, &DecisionRequest{RuleID: "sox", Jurisdiction: "US", Context: map[string]any{"location": "DE"}})
	if resp.Allow {
		t.Error("US rule outside the US must be denied")
	}
	resp, _ = pdp.Evaluate(ctx, &DecisionRequest{RuleID: "sox", Jurisdiction: "US", Context: map[string]any{"location": "US-NY"}})
	if !resp.Allow {
		t.Errorf("expected allow, got %s", resp.ReasonCode)
	}
}

func TestStatic_DefaultAndTimeout(t *testing.T) {
	open := NewStaticPDP("v", nil, true)
	resp, _ := open.Evaluate(context.Background(), &DecisionRequest{RuleID: "anything"})
	if !resp.Allow {
		t.Error("default allow not honoured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, _ = open.Evaluate(ctx, &DecisionRequest{RuleID: "anything"})
	if resp.Allow || resp.ReasonCode != "DENY_TIMEOUT" {
		t.Errorf("cancelled evaluation must deny, got %s", resp.ReasonCode)
	}
}

type erroringPDP struct{}

func (erroringPDP) Evaluate(context.Context, *DecisionRequest) (*DecisionResponse, error) {
	return nil, context.DeadlineExceeded
}

func (erroringPDP) Backend() Backend { return "broken" }

func TestFilter(t *testing.T) {
	candidates := []Candidate{{RuleID: "denied_rule"}, {RuleID: "allowed_rule"}, {RuleID: "other"}}
	pdp := NewStaticPDP("v", map[string]bool{"allowed_rule": true, "other": true, "denied_rule": false}, false)

	allowed, denied := Filter(context.Background(), pdp, candidates, nil)
	if strings.Join(allowed, ",") != "allowed_rule,other" {
		t.Errorf("unexpected allowed set %v", allowed)
	}
	if len(denied) != 1 || denied[0].RuleID != "denied_rule" || denied[0].ReasonCode != "DENY_POLICY" {
		t.Errorf("unexpected denied set %+v", denied)
	}

	allowed, denied = Filter(context.Background(), erroringPDP{}, candidates, nil)
	if len(allowed) != 0 || len(denied) != 3 || denied[0].ReasonCode != "DENY_PDP_ERROR" {
		t.Errorf("errors must deny: allowed=%v denied=%+v", allowed, denied)
	}
}

func TestComputeDecisionHash(t *testing.T) {
	resp := &DecisionResponse{Allow: true, ReasonCode: "ALLOW", PolicyRef: "static:v1"}
	hash, err := ComputeDecisionHash(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", hash)
	}
	hash2, _ := ComputeDecisionHash(resp)
	if hash != hash2 {
		t.Errorf("hash not deterministic: %s vs %s", hash, hash2)
	}
}
