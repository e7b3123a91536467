package compensate

import (
	"context"
	"testing"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
)

func transientRetryNode(max int) *graph.Node {
	return &graph.Node{
		ID:     "n",
		Action: graph.Action{Type: graph.ActionSystemInvocation, HandlerRef: "svc"},
		Exceptions: graph.ExceptionRoutes{
			Remediation: []graph.ExceptionRoute{
				{ExceptionType: "TRANSIENT", Strategy: graph.CompensationRetry, MaxRetries: max},
			},
		},
	}
}

func TestRetryUnderBudgetThenFallThrough(t *testing.T) {
	h := NewHandler()
	node := transientRetryNode(3)

	for i := 1; i <= 3; i++ {
		act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil)
		if act.Strategy != StrategyRetry {
			t.Fatalf("attempt %d: strategy = %s", i, act.Strategy)
		}
		if act.Attempt != i {
			t.Fatalf("attempt %d recorded as %d", i, act.Attempt)
		}
	}
	act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil)
	if act.Strategy != StrategyFail {
		t.Fatalf("exhausted budget should fall through to FAIL, got %s", act.Strategy)
	}
}

func TestClearNodeResetsCounter(t *testing.T) {
	h := NewHandler()
	node := transientRetryNode(1)
	if act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil); act.Strategy != StrategyRetry {
		t.Fatalf("first retry refused: %+v", act)
	}
	h.ClearNode("inst", "n")
	if got := h.RetryCount("inst", "n"); got != 0 {
		t.Fatalf("retryCount after clear = %d", got)
	}
	if act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil); act.Strategy != StrategyRetry {
		t.Fatalf("retry after clear refused: %+v", act)
	}
}

func TestWildcardAndContainsMatching(t *testing.T) {
	h := NewHandler()
	node := &graph.Node{
		ID: "n",
		Exceptions: graph.ExceptionRoutes{
			Remediation: []graph.ExceptionRoute{
				{ExceptionType: "TIMEOUT", Strategy: graph.CompensationAlternate, TargetNodeID: "slow-path"},
				{ExceptionType: "*", Strategy: graph.CompensationEscalate, TargetNodeID: "ops"},
			},
		},
	}

	// Substring containment: pattern TIMEOUT matches HTTP_TIMEOUT.
	act := h.Resolve(context.Background(), nil, "inst", node, nil, "HTTP_TIMEOUT", nil)
	if act.Strategy != StrategyAlternate || act.TargetNodeID != "slow-path" {
		t.Fatalf("contains match failed: %+v", act)
	}

	act = h.Resolve(context.Background(), nil, "inst", node, nil, "SOMETHING_ELSE", nil)
	if act.Strategy != StrategyEscalate || act.TargetNodeID != "ops" {
		t.Fatalf("wildcard route should catch everything: %+v", act)
	}
}

func TestExactMatchMode(t *testing.T) {
	route := graph.ExceptionRoute{ExceptionType: "TIMEOUT", MatchMode: graph.MatchExact}
	if matchRoute(route, "HTTP_TIMEOUT") {
		t.Fatalf("exact mode must not substring-match")
	}
	if !matchRoute(route, "TIMEOUT") {
		t.Fatalf("exact mode should match equal types")
	}
}

func TestGlobMatchMode(t *testing.T) {
	route := graph.ExceptionRoute{ExceptionType: "HTTP_*", MatchMode: graph.MatchGlob}
	if !matchRoute(route, "HTTP_TIMEOUT") {
		t.Fatalf("glob should match HTTP_TIMEOUT")
	}
	if matchRoute(route, "GRPC_TIMEOUT") {
		t.Fatalf("glob should not match GRPC_TIMEOUT")
	}
}

func TestEscalationRunsAfterRemediation(t *testing.T) {
	h := NewHandler()
	node := &graph.Node{
		ID: "n",
		Exceptions: graph.ExceptionRoutes{
			Remediation: []graph.ExceptionRoute{
				{ExceptionType: "TRANSIENT", Strategy: graph.CompensationRetry, MaxRetries: 1},
			},
			Escalation: []graph.ExceptionRoute{
				{ExceptionType: "ANY", Strategy: graph.CompensationEscalate, TargetNodeID: "manager"},
			},
		},
	}
	if act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil); act.Strategy != StrategyRetry {
		t.Fatalf("first resolve should retry: %+v", act)
	}
	act := h.Resolve(context.Background(), nil, "inst", node, nil, "TRANSIENT", nil)
	if act.Strategy != StrategyEscalate || act.TargetNodeID != "manager" {
		t.Fatalf("exhausted remediation should escalate: %+v", act)
	}
}

func TestEdgeCompensationAlternateWithoutTargetSkips(t *testing.T) {
	g, diags := graph.NewBuilder("g", "1").
		AddNode(graph.Node{ID: "a", Action: graph.Action{Type: graph.ActionWait}}).
		AddNode(graph.Node{ID: "b", Action: graph.Action{Type: graph.ActionWait}}).
		AddEdge(graph.Edge{ID: "ab", From: "a", To: "b",
			Compensation: graph.CompensationSemantics{Strategy: graph.CompensationAlternate}}).
		Entry("a").
		Build()
	if graph.Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	h := NewHandler()
	node := g.FindNode("b")
	act := h.Resolve(context.Background(), g, "inst", node, g.FindEdge("ab"), "ANY_ERROR", nil)
	if act.Strategy != StrategySkip {
		t.Fatalf("ALTERNATE without compensating edge should SKIP, got %+v", act)
	}
}

func TestActionRetryBudgetIsLastResortBeforeFail(t *testing.T) {
	h := NewHandler()
	node := &graph.Node{
		ID:     "n",
		Action: graph.Action{Type: graph.ActionSystemInvocation, Config: graph.ActionConfig{RetryCount: 2}},
	}
	act := h.Resolve(context.Background(), nil, "inst", node, nil, "WHATEVER", nil)
	if act.Strategy != StrategyRetry || act.Attempt != 1 {
		t.Fatalf("action retry budget not used: %+v", act)
	}
}

func TestBackoffIsDeterministicAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2, MaxDelayMS: 500, Jitter: true}

	a := DelayForAttempt(3, cfg, "inst:n:3")
	b := DelayForAttempt(3, cfg, "inst:n:3")
	if a != b {
		t.Fatalf("seeded jitter must be deterministic: %v vs %v", a, b)
	}
	if a > time.Duration(1.5*500)*time.Millisecond {
		t.Fatalf("delay exceeds jittered cap: %v", a)
	}

	noJitter := cfg
	noJitter.Jitter = false
	if got := DelayForAttempt(10, noJitter, ""); got != 500*time.Millisecond {
		t.Fatalf("cap not applied: %v", got)
	}
	if got := DelayForAttempt(1, noJitter, ""); got != 100*time.Millisecond {
		t.Fatalf("first attempt delay = %v", got)
	}
}
