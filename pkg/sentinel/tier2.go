package sentinel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Contract carries the predicates declared on a submitted function. Each
// predicate is a CEL expression over the variables args, result, old and
// meta.
type Contract struct {
	Pre  []string `json:"pre,omitempty"`
	Post []string `json:"post,omitempty"`
	Inv  []string `json:"inv,omitempty"`
}

// FunctionSpec binds a contract to the function it describes.
type FunctionSpec struct {
	Name     string   `json:"name"`
	Contract Contract `json:"contract"`
}

// Tier2Checker compiles and vets declared contracts. Compiled programs are
// cached; predicates are linted for non-determinism and solved for
// contradictions before any of them is trusted.
type Tier2Checker struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewTier2Checker builds the CEL environment the contract predicates are
// compiled against.
func NewTier2Checker() (*Tier2Checker, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.DynType),
		cel.Variable("result", cel.DynType),
		cel.Variable("old", cel.DynType),
		cel.Variable("meta", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("sentinel: build cel env: %w", err)
	}
	return &Tier2Checker{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile parses the expression and returns its evaluable program, planning
// the program only on first use. Evaluation is bounded so a hostile
// predicate cannot stall the tier.
func (c *Tier2Checker) compile(expr string) (cel.Program, *cel.Ast, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, nil, fmt.Errorf("sentinel: compile %q: %w", expr, iss.Err())
	}
	if ok {
		return prg, ast, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok = c.programs[expr]; ok {
		return prg, ast, nil
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sentinel: program %q: %w", expr, err)
	}
	c.programs[expr] = prg
	return prg, ast, nil
}

// CheckContracts vets every predicate of every function spec: it must
// compile, it must be deterministic, and the conjunction of a function's
// predicates must be satisfiable.
func (c *Tier2Checker) CheckContracts(specs []FunctionSpec) []contracts.Finding {
	var findings []contracts.Finding
	for _, spec := range specs {
		var constraints []rangeConstraint
		for _, expr := range spec.Contract.All() {
			_, ast, err := c.compile(expr)
			if err != nil {
				findings = append(findings, contracts.Finding{
					Tier:     2,
					Code:     "CONTRACT_INVALID",
					Severity: contracts.SeverityError,
					Message:  fmt.Sprintf("%s: %v", spec.Name, err),
				})
				continue
			}
			for _, v := range lintDeterminism(ast) {
				findings = append(findings, contracts.Finding{
					Tier:     2,
					Code:     "CONTRACT_NONDETERMINISTIC",
					Severity: contracts.SeverityError,
					Message:  fmt.Sprintf("%s: %q: %s", spec.Name, expr, v),
				})
			}
			constraints = collectConstraints(ast, constraints)
		}
		if variable, ok := contradicts(constraints); ok {
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     "LOGICAL_CONTRADICTION",
				Severity: contracts.SeverityError,
				Message:  fmt.Sprintf("%s: declared conditions on %s admit no value", spec.Name, variable),
			})
		}
	}
	return findings
}

// Evaluate runs one predicate against concrete bindings and reports whether
// it holds. Non-boolean results are an error, not a pass.
func (c *Tier2Checker) Evaluate(expr string, bindings map[string]any) (bool, error) {
	prg, _, err := c.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(bindings)
	if err != nil {
		return false, fmt.Errorf("sentinel: eval %q: %w", expr, err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("sentinel: eval %q: result is %T, want bool", expr, out.Value())
	}
	return verdict, nil
}

// All returns the contract's predicates in declaration order.
func (ct Contract) All() []string {
	out := make([]string, 0, len(ct.Pre)+len(ct.Post)+len(ct.Inv))
	out = append(out, ct.Pre...)
	out = append(out, ct.Post...)
	out = append(out, ct.Inv...)
	return out
}
