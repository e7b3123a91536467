// Package eval implements node and edge eligibility evaluation and the
// eligible-space construction. Evaluator failures never fail an instance:
// they block the owning evaluation and land in blockedReason.
package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

type RuleResult struct {
	RuleID      string         `json:"rule_id"`
	DecisionRef string         `json:"decision_ref"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Err         string         `json:"error,omitempty"`
}

// NodeEvaluation is the full record of one node's availability check.
// Policy results are collected past the first blocking one so traces stay
// readable.
type NodeEvaluation struct {
	NodeID              string               `json:"node_id"`
	Available           bool                 `json:"available"`
	PreconditionsPassed bool                 `json:"preconditions_passed"`
	PoliciesPassed      bool                 `json:"policies_passed"`
	PolicyResults       []ports.PolicyResult `json:"policy_results,omitempty"`
	RuleResults         []RuleResult         `json:"rule_results,omitempty"`
	RuleOutputs         map[string]any       `json:"rule_outputs,omitempty"`
	BlockedReason       string               `json:"blocked_reason,omitempty"`
}

// PolicyOutcomeFor returns the recorded outcome for a gate id, or
// NOT_APPLICABLE when the gate was never evaluated.
func (ev NodeEvaluation) PolicyOutcomeFor(gateID string) graph.PolicyOutcome {
	for _, r := range ev.PolicyResults {
		if r.GateID == gateID {
			return r.Outcome
		}
	}
	return graph.PolicyNotApplicable
}

type NodeEvaluator struct {
	Expressions ports.ExpressionEvaluator
	Rules       ports.RuleEvaluator
	Policies    ports.PolicyEvaluator
}

// EvaluateNode runs the short-circuit pipeline: client preconditions,
// domain preconditions, policy gates, business rules. Rule outputs from
// successful rules merge in declaration order; later writes win.
func (ne *NodeEvaluator) EvaluateNode(ctx context.Context, node *graph.Node, rc rtctx.RuntimeContext) NodeEvaluation {
	out := NodeEvaluation{NodeID: node.ID, RuleOutputs: map[string]any{}}
	bindings := rc.Bindings()

	if reason := ne.checkPreconditions(ctx, node.Preconditions.ClientContext, bindings, "client"); reason != "" {
		out.BlockedReason = reason
		return out
	}
	if reason := ne.checkPreconditions(ctx, node.Preconditions.DomainContext, bindings, "domain"); reason != "" {
		out.BlockedReason = reason
		return out
	}
	out.PreconditionsPassed = true

	out.PoliciesPassed = true
	for _, gate := range node.PolicyGates {
		res, err := ne.Policies.EvaluatePolicy(ctx, gate.DecisionRef, bindings)
		if err != nil {
			res = ports.PolicyResult{GateID: gate.ID, Outcome: graph.PolicyDenied, Reason: err.Error()}
		}
		res.GateID = gate.ID
		out.PolicyResults = append(out.PolicyResults, res)
		if res.Blocks(gate.RequiredOutcome) {
			out.PoliciesPassed = false
			if out.BlockedReason == "" {
				out.BlockedReason = fmt.Sprintf("policy gate %s: outcome %s, required %s", gate.ID, res.Outcome, gate.RequiredOutcome)
			}
		}
	}
	if !out.PoliciesPassed {
		return out
	}

	for _, rule := range node.BusinessRules {
		outputs, err := ne.Rules.EvaluateRule(ctx, rule.DecisionRef, bindings)
		rr := RuleResult{RuleID: rule.ID, DecisionRef: rule.DecisionRef, Outputs: outputs}
		if err != nil {
			rr.Err = err.Error()
			out.RuleResults = append(out.RuleResults, rr)
			out.BlockedReason = fmt.Sprintf("rule %s: %v", rule.ID, err)
			return out
		}
		out.RuleResults = append(out.RuleResults, rr)
		for k, v := range outputs {
			out.RuleOutputs[k] = v
		}
	}

	out.Available = true
	return out
}

func (ne *NodeEvaluator) checkPreconditions(ctx context.Context, exprs []graph.Expression, bindings map[string]any, scope string) string {
	for i, expr := range exprs {
		if expr.Empty() {
			continue
		}
		res := ne.Expressions.Evaluate(ctx, expr, bindings)
		if res.Err != nil {
			return fmt.Sprintf("%s precondition %d failed to evaluate: %v", scope, i, res.Err)
		}
		if !res.Truthy() {
			return fmt.Sprintf("%s precondition %d not satisfied: %s", scope, i, describe(expr))
		}
	}
	return ""
}

func describe(expr graph.Expression) string {
	if id := strings.TrimSpace(expr.ID); id != "" {
		return id
	}
	return expr.Source
}
