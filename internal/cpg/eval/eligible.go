package eval

import (
	"context"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

// CandidateAction pairs an eligible node with the edge that activates it.
// Entry nodes and event-subscribed nodes carry no incoming edge.
type CandidateAction struct {
	Node         *graph.Node
	IncomingEdge *graph.Edge
}

type EligibleSpace struct {
	EligibleNodes    []NodeEvaluation
	TraversableEdges []EdgeEvaluation
	CandidateActions []CandidateAction
	EvaluatedAt      time.Time
}

func (s EligibleSpace) Empty() bool { return len(s.CandidateActions) == 0 }

// EligibilityEvaluator builds the eligible space for one instance: the
// cross product of available nodes and the traversable edges that reach
// them. All iteration follows graph declaration order so the result is
// deterministic for identical inputs.
type EligibilityEvaluator struct {
	Nodes *NodeEvaluator
	Edges *EdgeEvaluator
	Now   func() time.Time
}

func NewEligibilityEvaluator(nodes *NodeEvaluator, edges *EdgeEvaluator) *EligibilityEvaluator {
	return &EligibilityEvaluator{
		Nodes: nodes,
		Edges: edges,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *EligibilityEvaluator) Evaluate(ctx context.Context, g *graph.Graph, in *instance.Instance, rc rtctx.RuntimeContext) EligibleSpace {
	space := EligibleSpace{EvaluatedAt: e.Now()}

	// Fresh instance: the entry set is the candidate set.
	if len(in.History) == 0 {
		for _, id := range g.EntryNodeIDs() {
			node := g.FindNode(id)
			if node == nil {
				continue
			}
			ev := e.Nodes.EvaluateNode(ctx, node, rc)
			if ev.Available {
				space.EligibleNodes = append(space.EligibleNodes, ev)
				space.CandidateActions = append(space.CandidateActions, CandidateAction{Node: node})
			}
		}
		return space
	}

	candidateEdge := map[string]*graph.Edge{}
	var candidateOrder []string
	addCandidate := func(nodeID string, edge *graph.Edge) {
		if _, seen := candidateEdge[nodeID]; seen {
			return
		}
		candidateEdge[nodeID] = edge
		candidateOrder = append(candidateOrder, nodeID)
	}

	// (a) Active nodes re-enter the candidate set; a WAITING node becomes
	// dispatchable again once its preconditions start holding.
	for _, node := range g.Nodes() {
		if in.IsActive(node.ID) {
			addCandidate(node.ID, nil)
		}
	}

	// (b) Targets of traversable edges leaving completed nodes. Edge
	// exclusivity applies per source during selection.
	for _, node := range g.Nodes() {
		if !in.HasCompletedNode(node.ID) {
			continue
		}
		outbound := g.OutboundEdges(node.ID)
		if len(outbound) == 0 {
			continue
		}
		sourceEval := e.Nodes.EvaluateNode(ctx, node, rc)
		var evals []EdgeEvaluation
		for _, edge := range outbound {
			if edge.IsCompensating() {
				continue
			}
			if in.HasExecutedNode(edge.To) || in.IsActive(edge.To) {
				continue
			}
			ev := e.Edges.EvaluateEdge(ctx, edge, rc, sourceEval)
			evals = append(evals, ev)
			space.TraversableEdges = append(space.TraversableEdges, ev)
		}
		for _, edge := range SelectEdges(g, evals) {
			addCandidate(edge.To, edge)
		}
	}

	// (c) Nodes subscribed to a received event type.
	for _, ev := range rc.Events {
		for _, node := range g.NodesSubscribedTo(ev.EventType) {
			if in.HasExecutedNode(node.ID) {
				continue
			}
			addCandidate(node.ID, nil)
		}
	}

	for _, nodeID := range candidateOrder {
		node := g.FindNode(nodeID)
		if node == nil {
			continue
		}
		ev := e.Nodes.EvaluateNode(ctx, node, rc)
		if !ev.Available {
			continue
		}
		space.EligibleNodes = append(space.EligibleNodes, ev)
		space.CandidateActions = append(space.CandidateActions, CandidateAction{Node: node, IncomingEdge: candidateEdge[nodeID]})
	}
	return space
}
