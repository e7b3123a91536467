package eval

import (
	"context"
	"fmt"
	"sort"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

// EdgeEvaluation records one edge's guard check. Traversable implies every
// sub-check passed.
type EdgeEvaluation struct {
	EdgeID         string `json:"edge_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Traversable    bool   `json:"traversable"`
	ContextPassed  bool   `json:"context_passed"`
	RulesPassed    bool   `json:"rules_passed"`
	PoliciesPassed bool   `json:"policies_passed"`
	EventsPassed   bool   `json:"events_passed"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

type EdgeEvaluator struct {
	Expressions ports.ExpressionEvaluator
}

// EvaluateEdge checks the four guard families in order: context conditions,
// rule-outcome conditions (with a ruleOutputs binding from the source node's
// evaluation), policy-outcome identity, event occurrence. Missing
// identifiers evaluate to null and any null comparison yields false.
func (ee *EdgeEvaluator) EvaluateEdge(ctx context.Context, edge *graph.Edge, rc rtctx.RuntimeContext, source NodeEvaluation) EdgeEvaluation {
	out := EdgeEvaluation{EdgeID: edge.ID, From: edge.From, To: edge.To}
	bindings := rc.Bindings()

	out.ContextPassed = true
	for i, cond := range edge.Guards.Context {
		if cond.Expression.Empty() {
			continue
		}
		res := ee.Expressions.Evaluate(ctx, cond.Expression, bindings)
		if res.Err != nil {
			out.ContextPassed = false
			out.BlockedReason = fmt.Sprintf("context condition %d: %v", i, res.Err)
			return out
		}
		if !res.Truthy() {
			out.ContextPassed = false
			out.BlockedReason = fmt.Sprintf("context condition %d not satisfied", i)
			return out
		}
	}

	out.RulesPassed = true
	if len(edge.Guards.RuleOutcomes) > 0 {
		enriched := make(map[string]any, len(bindings)+1)
		for k, v := range bindings {
			enriched[k] = v
		}
		enriched["ruleOutputs"] = source.RuleOutputs
		for _, cond := range edge.Guards.RuleOutcomes {
			res := ee.Expressions.Evaluate(ctx, cond.Expression, enriched)
			if res.Err != nil || !res.Truthy() {
				out.RulesPassed = false
				out.BlockedReason = fmt.Sprintf("rule-outcome condition for %s not satisfied", cond.RuleID)
				return out
			}
		}
	}

	out.PoliciesPassed = true
	for _, cond := range edge.Guards.PolicyOutcomes {
		actual := source.PolicyOutcomeFor(cond.PolicyGateID)
		if actual != cond.RequiredOutcome {
			out.PoliciesPassed = false
			out.BlockedReason = fmt.Sprintf("policy gate %s: outcome %s, edge requires %s", cond.PolicyGateID, actual, cond.RequiredOutcome)
			return out
		}
	}

	out.EventsPassed = true
	for _, cond := range edge.Guards.Events {
		occurred := rc.HasEvent(cond.EventType)
		if occurred != cond.MustHaveOccurred {
			out.EventsPassed = false
			out.BlockedReason = fmt.Sprintf("event %s: occurred=%v, required=%v", cond.EventType, occurred, cond.MustHaveOccurred)
			return out
		}
	}

	out.Traversable = true
	return out
}

// SelectEdges filters evaluations to traversable edges and applies priority:
// weight descending, rank ascending, declaration order as the stable
// tie-break. When any traversable edge is exclusive only the single
// highest-priority exclusive edge survives.
func SelectEdges(g *graph.Graph, evals []EdgeEvaluation) []*graph.Edge {
	var traversable []*graph.Edge
	for _, ev := range evals {
		if !ev.Traversable {
			continue
		}
		if e := g.FindEdge(ev.EdgeID); e != nil {
			traversable = append(traversable, e)
		}
	}
	sort.SliceStable(traversable, func(i, j int) bool {
		a, b := traversable[i], traversable[j]
		if a.Priority.Weight != b.Priority.Weight {
			return a.Priority.Weight > b.Priority.Weight
		}
		if a.Priority.Rank != b.Priority.Rank {
			return a.Priority.Rank < b.Priority.Rank
		}
		return a.Order < b.Order
	})
	for _, e := range traversable {
		if e.Priority.Exclusive {
			return []*graph.Edge{e}
		}
	}
	return traversable
}
