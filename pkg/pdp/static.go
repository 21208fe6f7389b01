package pdp

import (
	"context"
	"fmt"
)

// StaticPDP allows or denies rules from a fixed table. Rules absent from
// the table take the default.
type StaticPDP struct {
	policyVersion string
	rules         map[string]bool
	defaultAllow  bool
}

// NewStaticPDP creates a table-driven PDP.
func NewStaticPDP(policyVersion string, rules map[string]bool, defaultAllow bool) *StaticPDP {
	return &StaticPDP{policyVersion: policyVersion, rules: rules, defaultAllow: defaultAllow}
}

func (s *StaticPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	ref := fmt.Sprintf("static:%s", s.policyVersion)
	if req == nil {
		return decide(false, "DENY_NIL_REQUEST", ref), nil
	}
	if ctx.Err() != nil {
		return decide(false, "DENY_TIMEOUT", ref), nil
	}

	allowed := s.defaultAllow
	if v, ok := s.rules[req.RuleID]; ok {
		allowed = v
	}
	if !allowed {
		return decide(false, "DENY_POLICY", ref), nil
	}
	return decide(true, "ALLOW", ref), nil
}

func (s *StaticPDP) Backend() Backend { return BackendStatic }
