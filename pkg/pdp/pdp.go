// Package pdp defines the policy decision point consulted before
// harmonization to drop rules an external policy does not allow.
//
// Every implementation is fail-closed: an error, timeout or malformed
// answer is a deny, never an allow.
package pdp

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/canonicalize"
)

// Backend identifies the policy engine.
type Backend string

const (
	BackendStatic Backend = "static"
	BackendOPA    Backend = "opa"
	BackendCEL    Backend = "cel"
)

// ActionHarmonize is the action evaluated for the harmonization pre-filter.
const ActionHarmonize = "harmonize"

// DecisionRequest asks whether a rule may take part in an operation.
type DecisionRequest struct {
	RuleID       string         `json:"rule_id"`
	Jurisdiction string         `json:"jurisdiction"`
	Action       string         `json:"action"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DecisionResponse is the outcome of a policy evaluation.
type DecisionResponse struct {
	Allow        bool   `json:"allow"`
	ReasonCode   string `json:"reason_code"`
	PolicyRef    string `json:"policy_ref"`
	DecisionHash string `json:"decision_hash"`
}

// PolicyDecisionPoint evaluates one decision request.
type PolicyDecisionPoint interface {
	// Evaluate runs the policy evaluation. It must fail closed.
	Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)
	Backend() Backend
}

// ComputeDecisionHash hashes the canonical form of a decision, excluding
// the hash field itself.
func ComputeDecisionHash(resp *DecisionResponse) (string, error) {
	h, err := canonicalize.Hash(struct {
		Allow      bool   `json:"allow"`
		ReasonCode string `json:"reason_code"`
		PolicyRef  string `json:"policy_ref"`
	}{
		Allow:      resp.Allow,
		ReasonCode: resp.ReasonCode,
		PolicyRef:  resp.PolicyRef,
	})
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return "sha256:" + h, nil
}

func decide(allow bool, reason, policyRef string) *DecisionResponse {
	resp := &DecisionResponse{Allow: allow, ReasonCode: reason, PolicyRef: policyRef}
	hash, err := ComputeDecisionHash(resp)
	if err != nil {
		return &DecisionResponse{Allow: false, ReasonCode: "DENY_HASH_FAILURE", PolicyRef: policyRef}
	}
	resp.DecisionHash = hash
	return resp
}

// Candidate is a rule offered to the pre-filter.
type Candidate struct {
	RuleID       string
	Jurisdiction string
}

// Decision records why a candidate was dropped.
type Decision struct {
	RuleID     string `json:"rule_id"`
	ReasonCode string `json:"reason_code"`
}

// Filter evaluates every candidate and splits them into allowed ids (input
// order kept) and denied decisions. A transport error from the PDP counts
// as a deny.
func Filter(ctx context.Context, p PolicyDecisionPoint, candidates []Candidate, opContext map[string]any) ([]string, []Decision) {
	allowed := make([]string, 0, len(candidates))
	var denied []Decision
	now := time.Now().UTC()
	for _, c := range candidates {
		resp, err := p.Evaluate(ctx, &DecisionRequest{
			RuleID:       c.RuleID,
			Jurisdiction: c.Jurisdiction,
			Action:       ActionHarmonize,
			Context:      opContext,
			Timestamp:    now,
		})
		switch {
		case err != nil:
			denied = append(denied, Decision{RuleID: c.RuleID, ReasonCode: "DENY_PDP_ERROR"})
		case resp == nil || !resp.Allow:
			reason := "DENY_NO_DECISION"
			if resp != nil {
				reason = resp.ReasonCode
			}
			denied = append(denied, Decision{RuleID: c.RuleID, ReasonCode: reason})
		default:
			allowed = append(allowed, c.RuleID)
		}
	}
	return allowed, denied
}
