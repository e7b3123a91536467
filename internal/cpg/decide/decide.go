// Package decide turns an eligible space into a deterministic navigation
// decision. For identical inputs the selection is always identical; ties
// break by weight descending, rank ascending, then graph declaration order.
package decide

import (
	"fmt"
	"sort"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/eval"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
)

type DecisionType string

const (
	DecisionProceed  DecisionType = "PROCEED"
	DecisionWait     DecisionType = "WAIT"
	DecisionBlocked  DecisionType = "BLOCKED"
	DecisionComplete DecisionType = "COMPLETE"
)

type SelectionCriteria string

const (
	CriteriaSingleOption    SelectionCriteria = "SINGLE_OPTION"
	CriteriaExclusive       SelectionCriteria = "EXCLUSIVE"
	CriteriaHighestPriority SelectionCriteria = "HIGHEST_PRIORITY"
	CriteriaParallel        SelectionCriteria = "PARALLEL"
	CriteriaNoOptions       SelectionCriteria = "NO_OPTIONS"
)

type NavigationDecision struct {
	Type                   DecisionType
	SelectedActions        []eval.CandidateAction
	AlternativesConsidered []eval.CandidateAction
	SelectionCriteria      SelectionCriteria
	SelectionReason        string
	DecidedAt              time.Time
}

type Decider struct {
	Now func() time.Time
}

func New() *Decider {
	return &Decider{Now: func() time.Time { return time.Now().UTC() }}
}

func (d *Decider) Decide(g *graph.Graph, in *instance.Instance, space eval.EligibleSpace) NavigationDecision {
	dec := NavigationDecision{DecidedAt: d.Now()}

	if space.Empty() {
		dec.Type = DecisionWait
		dec.SelectionCriteria = CriteriaNoOptions
		dec.SelectionReason = "no eligible actions; waiting for events"
		return dec
	}

	candidates := append([]eval.CandidateAction(nil), space.CandidateActions...)
	dec.AlternativesConsidered = candidates

	if len(candidates) == 1 {
		only := candidates[0]
		dec.SelectedActions = []eval.CandidateAction{only}
		if g.IsTerminal(only.Node.ID) {
			dec.Type = DecisionComplete
			dec.SelectionCriteria = CriteriaSingleOption
			dec.SelectionReason = fmt.Sprintf("terminal node %s is the only option", only.Node.ID)
			return dec
		}
		dec.Type = DecisionProceed
		dec.SelectionCriteria = CriteriaSingleOption
		dec.SelectionReason = fmt.Sprintf("node %s is the only option", only.Node.ID)
		return dec
	}

	// An exclusive activating edge claims the whole decision.
	sortCandidates(g, candidates)
	for _, ca := range candidates {
		if ca.IncomingEdge != nil && ca.IncomingEdge.Priority.Exclusive {
			dec.Type = DecisionProceed
			dec.SelectedActions = []eval.CandidateAction{ca}
			dec.SelectionCriteria = CriteriaExclusive
			dec.SelectionReason = fmt.Sprintf("exclusive edge %s selected node %s", ca.IncomingEdge.ID, ca.Node.ID)
			return dec
		}
	}

	remaining := applyConstraints(g, in, candidates)
	if len(remaining) == 0 {
		dec.Type = DecisionWait
		dec.SelectionCriteria = CriteriaNoOptions
		dec.SelectionReason = "every candidate is held back by a dependency constraint"
		return dec
	}

	var parallel []eval.CandidateAction
	for _, ca := range remaining {
		if ca.IncomingEdge.IsParallel() {
			parallel = append(parallel, ca)
		}
	}
	if len(parallel) > 0 {
		dec.Type = DecisionProceed
		dec.SelectedActions = parallel
		dec.SelectionCriteria = CriteriaParallel
		dec.SelectionReason = fmt.Sprintf("%d parallel branches fan out", len(parallel))
		return dec
	}

	best := remaining[0]
	dec.Type = DecisionProceed
	dec.SelectedActions = []eval.CandidateAction{best}
	dec.SelectionCriteria = CriteriaHighestPriority
	dec.SelectionReason = fmt.Sprintf("node %s has the highest priority of %d candidates", best.Node.ID, len(remaining))
	if g.IsTerminal(best.Node.ID) {
		dec.Type = DecisionComplete
		dec.SelectionReason = fmt.Sprintf("terminal node %s won selection", best.Node.ID)
	}
	return dec
}

// applyConstraints drops candidates whose prerequisite node has not yet
// completed.
func applyConstraints(g *graph.Graph, in *instance.Instance, candidates []eval.CandidateAction) []eval.CandidateAction {
	constraints := g.Constraints()
	if len(constraints) == 0 {
		return candidates
	}
	var out []eval.CandidateAction
	for _, ca := range candidates {
		held := false
		for _, c := range constraints {
			if c.After == ca.Node.ID && !in.HasCompletedNode(c.Before) {
				held = true
				break
			}
		}
		if !held {
			out = append(out, ca)
		}
	}
	return out
}

func sortCandidates(g *graph.Graph, candidates []eval.CandidateAction) {
	weight := func(ca eval.CandidateAction) int {
		if ca.IncomingEdge != nil {
			return ca.IncomingEdge.Priority.Weight
		}
		return 0
	}
	rank := func(ca eval.CandidateAction) int {
		if ca.IncomingEdge != nil {
			return ca.IncomingEdge.Priority.Rank
		}
		return 0
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if weight(a) != weight(b) {
			return weight(a) > weight(b)
		}
		if rank(a) != rank(b) {
			return rank(a) < rank(b)
		}
		return g.NodeOrder(a.Node.ID) < g.NodeOrder(b.Node.ID)
	})
}
