package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

// fakeExpr resolves expression sources from a fixed table. Unknown sources
// evaluate to nil, matching the missing-identifier contract.
type fakeExpr struct {
	results map[string]any
	errs    map[string]error
}

func (f fakeExpr) Evaluate(_ context.Context, expr graph.Expression, _ map[string]any) ports.EvalResult {
	if err, ok := f.errs[expr.Source]; ok {
		return ports.EvalResult{Err: err}
	}
	v, ok := f.results[expr.Source]
	if !ok {
		return ports.EvalResult{Success: true, Result: nil}
	}
	return ports.EvalResult{Success: true, Result: v}
}

type fakeRules struct{ tables map[string]map[string]any }

func (f fakeRules) EvaluateRule(_ context.Context, ref string, _ map[string]any) (map[string]any, error) {
	if t, ok := f.tables[ref]; ok {
		return t, nil
	}
	return nil, errors.New("unknown decision table " + ref)
}

type fakePolicies struct{ outcomes map[string]graph.PolicyOutcome }

func (f fakePolicies) EvaluatePolicy(_ context.Context, ref string, _ map[string]any) (ports.PolicyResult, error) {
	if o, ok := f.outcomes[ref]; ok {
		return ports.PolicyResult{Outcome: o}, nil
	}
	return ports.PolicyResult{Outcome: graph.PolicyNotApplicable}, nil
}

func nodeEvaluator(expr fakeExpr, rules fakeRules, policies fakePolicies) *NodeEvaluator {
	return &NodeEvaluator{Expressions: expr, Rules: rules, Policies: policies}
}

func TestNodePipelineShortCircuitsOnPreconditions(t *testing.T) {
	ne := nodeEvaluator(
		fakeExpr{results: map[string]any{"client_ok": false}},
		fakeRules{},
		fakePolicies{},
	)
	node := &graph.Node{
		ID: "n",
		Preconditions: graph.Preconditions{
			ClientContext: []graph.Expression{{Source: "client_ok"}},
		},
		PolicyGates: []graph.PolicyGate{{ID: "g1", DecisionRef: "p1", RequiredOutcome: graph.PolicyAllowed}},
	}
	ev := ne.EvaluateNode(context.Background(), node, rtctx.RuntimeContext{})
	if ev.Available || ev.PreconditionsPassed {
		t.Fatalf("node should be blocked: %+v", ev)
	}
	if len(ev.PolicyResults) != 0 {
		t.Fatalf("policy gates must not run after a failed precondition")
	}
	if ev.BlockedReason == "" {
		t.Fatalf("blockedReason empty")
	}
}

func TestNodeCollectsAllPolicyResults(t *testing.T) {
	ne := nodeEvaluator(
		fakeExpr{},
		fakeRules{},
		fakePolicies{outcomes: map[string]graph.PolicyOutcome{
			"deny-1":  graph.PolicyDenied,
			"allow-2": graph.PolicyAllowed,
		}},
	)
	node := &graph.Node{
		ID: "n",
		PolicyGates: []graph.PolicyGate{
			{ID: "g1", DecisionRef: "deny-1", RequiredOutcome: graph.PolicyAllowed},
			{ID: "g2", DecisionRef: "allow-2", RequiredOutcome: graph.PolicyAllowed},
		},
	}
	ev := ne.EvaluateNode(context.Background(), node, rtctx.RuntimeContext{})
	if ev.Available || ev.PoliciesPassed {
		t.Fatalf("denied gate should block")
	}
	if len(ev.PolicyResults) != 2 {
		t.Fatalf("all policy results should be collected, got %d", len(ev.PolicyResults))
	}
}

func TestRuleOutputsMergeInDeclarationOrder(t *testing.T) {
	ne := nodeEvaluator(
		fakeExpr{},
		fakeRules{tables: map[string]map[string]any{
			"t1": {"tier": "bronze", "limit": 10},
			"t2": {"tier": "gold"},
		}},
		fakePolicies{},
	)
	node := &graph.Node{
		ID: "n",
		BusinessRules: []graph.BusinessRule{
			{ID: "r1", DecisionRef: "t1"},
			{ID: "r2", DecisionRef: "t2"},
		},
	}
	ev := ne.EvaluateNode(context.Background(), node, rtctx.RuntimeContext{})
	if !ev.Available {
		t.Fatalf("node should be available: %+v", ev)
	}
	if ev.RuleOutputs["tier"] != "gold" {
		t.Fatalf("later rule must overwrite earlier output, got %v", ev.RuleOutputs["tier"])
	}
	if ev.RuleOutputs["limit"] != 10 {
		t.Fatalf("non-conflicting output lost: %v", ev.RuleOutputs)
	}
}

func TestEvaluationErrorBlocksNotFails(t *testing.T) {
	ne := nodeEvaluator(
		fakeExpr{errs: map[string]error{"boom": errors.New("parse failure")}},
		fakeRules{},
		fakePolicies{},
	)
	node := &graph.Node{
		ID:            "n",
		Preconditions: graph.Preconditions{DomainContext: []graph.Expression{{Source: "boom"}}},
	}
	ev := ne.EvaluateNode(context.Background(), node, rtctx.RuntimeContext{})
	if ev.Available {
		t.Fatalf("evaluation error must block the node")
	}
	if ev.BlockedReason == "" {
		t.Fatalf("evaluation error should be absorbed into blockedReason")
	}
}

func TestEdgeGuardFamilies(t *testing.T) {
	ee := &EdgeEvaluator{Expressions: fakeExpr{results: map[string]any{
		"signed":    true,
		"tier_gold": true,
	}}}
	source := NodeEvaluation{
		NodeID:        "a",
		RuleOutputs:   map[string]any{"tier": "gold"},
		PolicyResults: []ports.PolicyResult{{GateID: "g1", Outcome: graph.PolicyAllowed}},
	}
	rc := rtctx.RuntimeContext{Events: []instance.ReceivedEvent{{EventType: "OfferSigned"}}}

	edge := &graph.Edge{
		ID: "e", From: "a", To: "b",
		Guards: graph.GuardConditions{
			Context:      []graph.ContextCondition{{Expression: graph.Expression{Source: "signed"}}},
			RuleOutcomes: []graph.RuleOutcomeCondition{{RuleID: "r1", Expression: graph.Expression{Source: "tier_gold"}}},
			PolicyOutcomes: []graph.PolicyOutcomeCondition{
				{PolicyGateID: "g1", RequiredOutcome: graph.PolicyAllowed},
			},
			Events: []graph.EventCondition{{EventType: "OfferSigned", MustHaveOccurred: true}},
		},
	}
	ev := ee.EvaluateEdge(context.Background(), edge, rc, source)
	if !ev.Traversable {
		t.Fatalf("edge should traverse: %+v", ev)
	}
	if !ev.ContextPassed || !ev.RulesPassed || !ev.PoliciesPassed || !ev.EventsPassed {
		t.Fatalf("traversable edge must record every sub-check passed: %+v", ev)
	}
}

func TestEdgeNullComparisonIsFalse(t *testing.T) {
	ee := &EdgeEvaluator{Expressions: fakeExpr{}}
	edge := &graph.Edge{
		ID: "e", From: "a", To: "b",
		Guards: graph.GuardConditions{
			Context: []graph.ContextCondition{{Expression: graph.Expression{Source: "missing.identifier"}}},
		},
	}
	ev := ee.EvaluateEdge(context.Background(), edge, rtctx.RuntimeContext{}, NodeEvaluation{})
	if ev.Traversable {
		t.Fatalf("null guard must not traverse")
	}
}

func TestEdgeEventAbsenceCondition(t *testing.T) {
	ee := &EdgeEvaluator{Expressions: fakeExpr{}}
	edge := &graph.Edge{
		ID: "e", From: "a", To: "b",
		Guards: graph.GuardConditions{
			Events: []graph.EventCondition{{EventType: "Cancelled", MustHaveOccurred: false}},
		},
	}
	ev := ee.EvaluateEdge(context.Background(), edge, rtctx.RuntimeContext{}, NodeEvaluation{})
	if !ev.Traversable {
		t.Fatalf("absent event with mustHaveOccurred=false should pass")
	}

	rc := rtctx.RuntimeContext{Events: []instance.ReceivedEvent{{EventType: "Cancelled"}}}
	ev = ee.EvaluateEdge(context.Background(), edge, rc, NodeEvaluation{})
	if ev.Traversable {
		t.Fatalf("present event with mustHaveOccurred=false should block")
	}
}

func selectionGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, diags := graph.NewBuilder("sel", "1").
		AddNode(graph.Node{ID: "n1", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "n2", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "n3", Action: graph.Action{Type: graph.ActionWait}}).
		AddEdge(graph.Edge{ID: "e12", From: "n1", To: "n2", Priority: graph.Priority{Weight: 100}}).
		AddEdge(graph.Edge{ID: "e13", From: "n1", To: "n3", Priority: graph.Priority{Weight: 10, Exclusive: true}}).
		Entry("n1").
		Build()
	if graph.Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	return g
}

func TestSelectEdgesExclusiveWins(t *testing.T) {
	g := selectionGraph(t)
	evals := []EdgeEvaluation{
		{EdgeID: "e12", Traversable: true},
		{EdgeID: "e13", Traversable: true},
	}
	selected := SelectEdges(g, evals)
	if len(selected) != 1 || selected[0].ID != "e13" {
		t.Fatalf("exclusive edge must win regardless of weight: %v", selected)
	}
}

func TestSelectEdgesOrdering(t *testing.T) {
	g, diags := graph.NewBuilder("ord", "1").
		AddNode(graph.Node{ID: "a", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "b", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "c", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "d", Action: graph.Action{Type: graph.ActionWait}}).
		AddEdge(graph.Edge{ID: "ab", From: "a", To: "b", Priority: graph.Priority{Weight: 5, Rank: 2}}).
		AddEdge(graph.Edge{ID: "ac", From: "a", To: "c", Priority: graph.Priority{Weight: 5, Rank: 1}}).
		AddEdge(graph.Edge{ID: "ad", From: "a", To: "d", Priority: graph.Priority{Weight: 9}}).
		Entry("a").
		Build()
	if graph.Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	evals := []EdgeEvaluation{
		{EdgeID: "ab", Traversable: true},
		{EdgeID: "ac", Traversable: true},
		{EdgeID: "ad", Traversable: true},
	}
	selected := SelectEdges(g, evals)
	if len(selected) != 3 {
		t.Fatalf("all traversable edges selected, got %d", len(selected))
	}
	if selected[0].ID != "ad" || selected[1].ID != "ac" || selected[2].ID != "ab" {
		t.Fatalf("order = %s %s %s, want ad ac ab", selected[0].ID, selected[1].ID, selected[2].ID)
	}
}

func TestEligibilityForFreshInstance(t *testing.T) {
	g := selectionGraph(t)
	in := instance.New(g.ID, g.Version, "", instance.NewExecutionContext(nil, nil))
	ev := NewEligibilityEvaluator(
		nodeEvaluator(fakeExpr{}, fakeRules{}, fakePolicies{}),
		&EdgeEvaluator{Expressions: fakeExpr{}},
	)
	space := ev.Evaluate(context.Background(), g, in, rtctx.RuntimeContext{})
	if len(space.CandidateActions) != 1 {
		t.Fatalf("entry candidates = %d, want 1", len(space.CandidateActions))
	}
	ca := space.CandidateActions[0]
	if ca.Node.ID != "n1" || ca.IncomingEdge != nil {
		t.Fatalf("fresh instance should offer the entry node with no edge: %+v", ca)
	}
}

func TestEligibilityAfterCompletion(t *testing.T) {
	g := selectionGraph(t)
	in := instance.New(g.ID, g.Version, "", instance.NewExecutionContext(nil, nil))
	if err := in.StartNodeExecution("n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := in.CompleteNodeExecution("n1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ev := NewEligibilityEvaluator(
		nodeEvaluator(fakeExpr{}, fakeRules{}, fakePolicies{}),
		&EdgeEvaluator{Expressions: fakeExpr{}},
	)
	space := ev.Evaluate(context.Background(), g, in, rtctx.RuntimeContext{})
	if len(space.CandidateActions) != 1 {
		t.Fatalf("candidates = %+v, want only the exclusive target", space.CandidateActions)
	}
	if space.CandidateActions[0].Node.ID != "n3" {
		t.Fatalf("exclusive edge target not selected: %+v", space.CandidateActions[0])
	}
}

func TestEligibilityFromEventSubscription(t *testing.T) {
	g, diags := graph.NewBuilder("sub", "1").
		AddNode(graph.Node{ID: "a", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "w", Action: graph.Action{Type: graph.ActionWait},
			Events: graph.EventConfig{Subscriptions: []graph.EventSubscription{{EventType: "BackgroundCheckCompleted"}}}}).
		Entry("a").
		Build()
	if graph.Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	in := instance.New(g.ID, g.Version, "", instance.NewExecutionContext(nil, nil))
	_ = in.StartNodeExecution("a")
	_ = in.CompleteNodeExecution("a", nil)

	rc := rtctx.RuntimeContext{Events: []instance.ReceivedEvent{{EventType: "BackgroundCheckCompleted"}}}
	ev := NewEligibilityEvaluator(
		nodeEvaluator(fakeExpr{}, fakeRules{}, fakePolicies{}),
		&EdgeEvaluator{Expressions: fakeExpr{}},
	)
	space := ev.Evaluate(context.Background(), g, in, rc)
	found := false
	for _, ca := range space.CandidateActions {
		if ca.Node.ID == "w" {
			found = true
		}
	}
	if !found {
		t.Fatalf("event-subscribed node missing from candidates: %+v", space.CandidateActions)
	}
}
