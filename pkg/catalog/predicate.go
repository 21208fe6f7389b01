package catalog

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// PredicateEvaluator compiles and evaluates CEL applicability expressions.
// Compiled programs are cached by expression text.
type PredicateEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewPredicateEvaluator creates an evaluator whose expressions see a single
// variable `op` (map of sector, location, data_types, evidence, attributes).
func NewPredicateEvaluator() (*PredicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("op", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &PredicateEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile validates expr and caches its program.
func (e *PredicateEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates expr against the subject.
func (e *PredicateEvaluator) Eval(expr string, s Subject) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"op": s.celInput()})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q did not return bool", expr)
	}
	return val, nil
}

func (e *PredicateEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Matches evaluates the predicate against s. Structured conditions are
// checked first so that the CEL program only runs for plausible subjects.
func (p Predicate) Matches(eval *PredicateEvaluator, s Subject) (bool, error) {
	if len(p.Sectors) > 0 && !equalFoldAny(s.Sector, p.Sectors) {
		return false, nil
	}
	if len(p.Locations) > 0 && !equalFoldAny(s.Location, p.Locations) {
		return false, nil
	}
	if len(p.DataTypes) > 0 {
		found := false
		for _, dt := range s.DataTypes {
			if equalFoldAny(dt, p.DataTypes) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if p.Expr == "" {
		return true, nil
	}
	if eval == nil {
		return false, fmt.Errorf("predicate %q needs an evaluator", p.Expr)
	}
	return eval.Eval(p.Expr, s)
}
