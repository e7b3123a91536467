// Package exprrules binds the rule evaluator port to expr-lang decision
// tables: ordered rows of a condition plus named output expressions.
package exprrules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

type HitPolicy string

const (
	// HitFirst stops at the first row whose condition holds.
	HitFirst HitPolicy = "FIRST"
	// HitCollect merges the outputs of every matching row; later rows win.
	HitCollect HitPolicy = "COLLECT"
)

type Row struct {
	// When guards the row; empty means always matches.
	When string
	// Outputs maps output names to expressions evaluated against the same
	// bindings.
	Outputs map[string]string
}

type Table struct {
	Ref       string
	HitPolicy HitPolicy
	Rows      []Row
}

// Engine implements ports.RuleEvaluator. Compiled programs are cached by
// source.
type Engine struct {
	mu     sync.RWMutex
	tables map[string]Table
	cache  map[string]*vm.Program
}

func New() *Engine {
	return &Engine{
		tables: map[string]Table{},
		cache:  map[string]*vm.Program{},
	}
}

func (e *Engine) RegisterTable(t Table) {
	if t.HitPolicy == "" {
		t.HitPolicy = HitFirst
	}
	e.mu.Lock()
	e.tables[t.Ref] = t
	e.mu.Unlock()
}

func (e *Engine) EvaluateRule(_ context.Context, decisionRef string, bindings map[string]any) (map[string]any, error) {
	e.mu.RLock()
	table, ok := e.tables[decisionRef]
	e.mu.RUnlock()
	if !ok {
		return nil, cpgerr.New(cpgerr.KindNotFound, "decision table %s", decisionRef)
	}

	outputs := map[string]any{}
	matched := false
	for i, row := range table.Rows {
		hit, err := e.matches(row.When, bindings)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", decisionRef, i, err)
		}
		if !hit {
			continue
		}
		matched = true
		for name, src := range row.Outputs {
			v, err := e.run(src, bindings)
			if err != nil {
				return nil, fmt.Errorf("table %s row %d output %s: %w", decisionRef, i, name, err)
			}
			outputs[name] = v
		}
		if table.HitPolicy == HitFirst {
			break
		}
	}
	if !matched {
		return map[string]any{}, nil
	}
	return outputs, nil
}

func (e *Engine) matches(when string, bindings map[string]any) (bool, error) {
	if strings.TrimSpace(when) == "" {
		return true, nil
	}
	v, err := e.run(when, bindings)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func (e *Engine) run(source string, bindings map[string]any) (any, error) {
	prg, err := e.compile(source)
	if err != nil {
		return nil, err
	}
	env := bindings
	if env == nil {
		env = map[string]any{}
	}
	return vm.Run(prg, env)
}

func (e *Engine) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}
	prg, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	e.mu.Lock()
	e.cache[source] = prg
	e.mu.Unlock()
	return prg, nil
}
