package graph

import "testing"

func buildLinear(t *testing.T) *Graph {
	t.Helper()
	g, diags := NewBuilder("onboarding", "1.0.0").
		AddNode(Node{ID: "start", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "review", Action: Action{Type: ActionHumanTask, HandlerRef: "review-task"}}).
		AddNode(Node{ID: "done", Action: Action{Type: ActionNotification, HandlerRef: "notify"}}).
		AddEdge(Edge{ID: "e1", From: "start", To: "review"}).
		AddEdge(Edge{ID: "e2", From: "review", To: "done"}).
		Entry("start").
		Terminal("done").
		Build()
	if Invalid(diags) {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	return g
}

func TestIndicesAfterBuild(t *testing.T) {
	g := buildLinear(t)

	if g.FindNode("review") == nil {
		t.Fatalf("findNode(review) returned nil")
	}
	if g.FindNode("missing") != nil {
		t.Fatalf("findNode(missing) should be nil")
	}
	out := g.OutboundEdges("start")
	if len(out) != 1 || out[0].ID != "e1" {
		t.Fatalf("outbound(start) = %v", out)
	}
	in := g.InboundEdges("done")
	if len(in) != 1 || in[0].ID != "e2" {
		t.Fatalf("inbound(done) = %v", in)
	}
}

func TestEdgeOrderFollowsDeclaration(t *testing.T) {
	g, diags := NewBuilder("g", "1").
		AddNode(Node{ID: "a", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "b", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "c", Action: Action{Type: ActionWait}}).
		AddEdge(Edge{ID: "ab", From: "a", To: "b"}).
		AddEdge(Edge{ID: "ac", From: "a", To: "c"}).
		Entry("a").
		Build()
	if Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	out := g.OutboundEdges("a")
	if len(out) != 2 || out[0].Order != 0 || out[1].Order != 1 {
		t.Fatalf("declaration order not preserved: %+v", out)
	}
}

func TestValidateCatchesStructuralErrors(t *testing.T) {
	_, diags := NewBuilder("bad", "1").
		AddNode(Node{ID: "a", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "a", Action: Action{Type: ActionWait}}).
		AddEdge(Edge{ID: "e", From: "a", To: "ghost"}).
		AddEdge(Edge{ID: "loop", From: "a", To: "a"}).
		AddEdge(Edge{ID: "x", From: "a", To: "a", Semantics: ExecutionSemantics{Type: EdgeCompensating}, Priority: Priority{Exclusive: true}}).
		Build()

	want := map[string]bool{
		"node_id_duplicate":        false,
		"edge_target_missing":      false,
		"entry_missing":            false,
		"self_loop_not_compensating": false,
		"exclusive_without_weight": false,
	}
	for _, d := range diags {
		if _, ok := want[d.Rule]; ok {
			want[d.Rule] = true
		}
	}
	for rule, seen := range want {
		if !seen {
			t.Fatalf("expected diagnostic %s, got %v", rule, diags)
		}
	}
}

func TestTerminalReachability(t *testing.T) {
	_, diags := NewBuilder("g", "1").
		AddNode(Node{ID: "a", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "island", Action: Action{Type: ActionWait}}).
		Entry("a").
		Terminal("island").
		Build()
	found := false
	for _, d := range diags {
		if d.Rule == "terminal_unreachable" {
			found = true
		}
	}
	if !found {
		t.Fatalf("unreachable terminal not reported: %v", diags)
	}
}

func TestSubscriptionAndReevaluationIndices(t *testing.T) {
	g, diags := NewBuilder("g", "1").
		AddNode(Node{ID: "a", Action: Action{Type: ActionWait}}).
		AddNode(Node{ID: "w", Action: Action{Type: ActionWait},
			Events: EventConfig{Subscriptions: []EventSubscription{{EventType: "BackgroundCheckCompleted"}}}}).
		AddEdge(Edge{ID: "aw", From: "a", To: "w",
			Triggers: EventTriggers{Reevaluation: []string{"BackgroundCheckCompleted"}}}).
		Entry("a").
		Build()
	if Invalid(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	if nodes := g.NodesSubscribedTo("BackgroundCheckCompleted"); len(nodes) != 1 || nodes[0].ID != "w" {
		t.Fatalf("nodesSubscribedTo = %v", nodes)
	}
	if edges := g.EdgesReevaluatedBy("BackgroundCheckCompleted"); len(edges) != 1 || edges[0].ID != "aw" {
		t.Fatalf("edgesReevaluatedBy = %v", edges)
	}
}

func TestStatusTransitionsForwardOnly(t *testing.T) {
	if !StatusDraft.CanTransitionTo(StatusPublished) {
		t.Fatalf("DRAFT -> PUBLISHED should be allowed")
	}
	if !StatusPublished.CanTransitionTo(StatusArchived) {
		t.Fatalf("PUBLISHED -> ARCHIVED should be allowed")
	}
	if StatusPublished.CanTransitionTo(StatusDraft) {
		t.Fatalf("PUBLISHED -> DRAFT must be rejected")
	}
	if StatusArchived.CanTransitionTo(StatusArchived) {
		t.Fatalf("same-status transition must be rejected")
	}
}
