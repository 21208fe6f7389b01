package pdp

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPDP evaluates a local CEL policy. The expression sees `request`, a map
// with rule_id, jurisdiction, action and context, and must return a bool.
type CELPDP struct {
	expr          string
	policyVersion string
	program       cel.Program
}

// NewCELPDP compiles expr once. A compile error is returned immediately so
// a bad policy is caught at startup.
func NewCELPDP(policyVersion, expr string) (*CELPDP, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("pdp: compile policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: program: %w", err)
	}
	return &CELPDP{expr: expr, policyVersion: policyVersion, program: prg}, nil
}

func (c *CELPDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	ref := fmt.Sprintf("cel:%s", c.policyVersion)
	if req == nil {
		return decide(false, "DENY_NIL_REQUEST", ref), nil
	}

	opContext := req.Context
	if opContext == nil {
		opContext = map[string]any{}
	}
	out, _, err := c.program.ContextEval(ctx, map[string]any{
		"request": map[string]any{
			"rule_id":      req.RuleID,
			"jurisdiction": req.Jurisdiction,
			"action":       req.Action,
			"context":      opContext,
		},
	})
	if err != nil {
		return decide(false, "DENY_CEL_RUNTIME_ERROR", ref), nil
	}
	allow, ok := out.Value().(bool)
	if !ok {
		return decide(false, "DENY_CEL_NON_BOOL", ref), nil
	}
	if !allow {
		return decide(false, "DENY_POLICY", ref), nil
	}
	return decide(true, "ALLOW", ref), nil
}

func (c *CELPDP) Backend() Backend { return BackendCEL }
