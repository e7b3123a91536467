// Package celeval binds the expression and policy evaluator ports to CEL.
// Programs compile once and are cached; missing identifiers resolve to null
// so absent context keys never fail an evaluation.
package celeval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
)

// Evaluator implements ports.ExpressionEvaluator over CEL.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func New() *Evaluator {
	return &Evaluator{cache: map[string]cel.Program{}}
}

func (e *Evaluator) Evaluate(_ context.Context, expr graph.Expression, bindings map[string]any) ports.EvalResult {
	source := strings.TrimSpace(expr.Source)
	if source == "" {
		return ports.EvalResult{Success: true, Result: true}
	}
	prg, err := e.program(source, bindings)
	if err != nil {
		// An identifier absent from the bindings is the null value.
		if strings.Contains(err.Error(), "undeclared reference") {
			return ports.EvalResult{Success: true, Result: nil}
		}
		return ports.EvalResult{Err: err}
	}
	out, _, err := prg.Eval(activation(bindings))
	if err != nil {
		// Unknown identifiers and null dereferences are the null value, not
		// an evaluation failure.
		if strings.Contains(err.Error(), "no such attribute") || strings.Contains(err.Error(), "no such key") {
			return ports.EvalResult{Success: true, Result: nil}
		}
		return ports.EvalResult{Err: fmt.Errorf("evaluate %q: %w", source, err)}
	}
	return ports.EvalResult{Success: true, Result: nativeValue(out)}
}

// program compiles and caches the expression. The environment declares every
// binding key as dyn so compilation does not depend on context shape.
func (e *Evaluator) program(source string, bindings map[string]any) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(bindings))
	for key := range bindings {
		opts = append(opts, cel.Variable(key, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", source, err)
	}

	e.mu.Lock()
	e.cache[source] = prg
	e.mu.Unlock()
	return prg, nil
}

func activation(bindings map[string]any) map[string]any {
	if bindings == nil {
		return map[string]any{}
	}
	return bindings
}

func nativeValue(v ref.Val) any {
	if v == nil {
		return nil
	}
	if types.IsUnknown(v) {
		return nil
	}
	switch v.Type() {
	case types.BoolType:
		return v.Value().(bool)
	case types.NullType:
		return nil
	default:
		return v.Value()
	}
}

// PolicyEvaluator implements ports.PolicyEvaluator over a table of named
// CEL policies. A policy whose expression evaluates true reports ALLOWED;
// false reports DENIED; the review set reports REVIEW_REQUIRED instead of
// DENIED.
type PolicyEvaluator struct {
	eval     *Evaluator
	mu       sync.RWMutex
	policies map[string]string
	review   map[string]bool
}

func NewPolicyEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{
		eval:     New(),
		policies: map[string]string{},
		review:   map[string]bool{},
	}
}

// RegisterPolicy binds a decision ref to a CEL expression. reviewOnFail
// downgrades a false result to REVIEW_REQUIRED.
func (p *PolicyEvaluator) RegisterPolicy(decisionRef, source string, reviewOnFail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[decisionRef] = source
	p.review[decisionRef] = reviewOnFail
}

func (p *PolicyEvaluator) EvaluatePolicy(ctx context.Context, decisionRef string, bindings map[string]any) (ports.PolicyResult, error) {
	p.mu.RLock()
	source, ok := p.policies[decisionRef]
	review := p.review[decisionRef]
	p.mu.RUnlock()
	if !ok {
		return ports.PolicyResult{Outcome: graph.PolicyNotApplicable, Reason: "no policy registered for " + decisionRef}, nil
	}

	res := p.eval.Evaluate(ctx, graph.Expression{Source: source}, bindings)
	if res.Err != nil {
		return ports.PolicyResult{}, res.Err
	}
	if res.Truthy() {
		return ports.PolicyResult{Outcome: graph.PolicyAllowed}, nil
	}
	outcome := graph.PolicyDenied
	if review {
		outcome = graph.PolicyReviewRequired
	}
	return ports.PolicyResult{Outcome: outcome, Reason: fmt.Sprintf("policy %s evaluated to %v", decisionRef, res.Result)}, nil
}
