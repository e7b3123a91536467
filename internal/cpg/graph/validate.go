package graph

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
}

// Validate runs every structural rule and returns the accumulated
// diagnostics. It never panics and never stops at the first problem.
func (g *Graph) Validate() []Diagnostic {
	var diags []Diagnostic
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	diags = append(diags, g.checkIDs()...)
	diags = append(diags, g.checkEndpoints()...)
	diags = append(diags, g.checkEntries()...)
	diags = append(diags, g.checkTerminals()...)
	diags = append(diags, g.checkSelfLoops()...)
	diags = append(diags, g.checkExclusiveWeights()...)
	diags = append(diags, g.checkJoinQuorum()...)
	diags = append(diags, g.checkConstraints()...)
	return diags
}

// Invalid reports whether any ERROR-severity diagnostic is present.
func Invalid(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidationSummary joins error diagnostics into one message for kinded errors.
func ValidationSummary(diags []Diagnostic) string {
	var parts []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			parts = append(parts, d.Rule+": "+d.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func (g *Graph) checkIDs() []Diagnostic {
	var diags []Diagnostic
	seenNodes := map[string]bool{}
	for _, n := range g.nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			diags = append(diags, Diagnostic{Rule: "node_id_empty", Severity: SeverityError, Message: "node has empty id"})
			continue
		}
		if seenNodes[id] {
			diags = append(diags, Diagnostic{Rule: "node_id_duplicate", Severity: SeverityError, NodeID: id, Message: fmt.Sprintf("duplicate node id %q", id)})
		}
		seenNodes[id] = true
	}
	seenEdges := map[string]bool{}
	for _, e := range g.edges {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			diags = append(diags, Diagnostic{Rule: "edge_id_empty", Severity: SeverityError, Message: fmt.Sprintf("edge %s -> %s has empty id", e.From, e.To)})
			continue
		}
		if seenEdges[id] {
			diags = append(diags, Diagnostic{Rule: "edge_id_duplicate", Severity: SeverityError, EdgeID: id, Message: fmt.Sprintf("duplicate edge id %q", id)})
		}
		seenEdges[id] = true
	}
	return diags
}

func (g *Graph) checkEndpoints() []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.edges {
		if g.FindNode(e.From) == nil {
			diags = append(diags, Diagnostic{Rule: "edge_source_missing", Severity: SeverityError, EdgeID: e.ID, Message: fmt.Sprintf("edge %q source %q does not resolve", e.ID, e.From)})
		}
		if g.FindNode(e.To) == nil {
			diags = append(diags, Diagnostic{Rule: "edge_target_missing", Severity: SeverityError, EdgeID: e.ID, Message: fmt.Sprintf("edge %q target %q does not resolve", e.ID, e.To)})
		}
	}
	return diags
}

func (g *Graph) checkEntries() []Diagnostic {
	var diags []Diagnostic
	if len(g.entryIDs) == 0 {
		diags = append(diags, Diagnostic{Rule: "entry_missing", Severity: SeverityError, Message: "graph declares no entry node"})
	}
	for _, id := range g.entryIDs {
		if g.FindNode(id) == nil {
			diags = append(diags, Diagnostic{Rule: "entry_unresolved", Severity: SeverityError, NodeID: id, Message: fmt.Sprintf("entry node %q does not resolve", id)})
		}
	}
	return diags
}

func (g *Graph) checkTerminals() []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.terminalIDs {
		if g.FindNode(id) == nil {
			diags = append(diags, Diagnostic{Rule: "terminal_unresolved", Severity: SeverityError, NodeID: id, Message: fmt.Sprintf("terminal node %q does not resolve", id)})
		}
	}
	if len(g.terminalIDs) == 0 {
		return diags
	}

	// Forward reachability from the entry set. Compensating edges do not
	// count toward forward progress.
	reached := map[string]bool{}
	queue := append([]string(nil), g.entryIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		for _, e := range g.OutboundEdges(id) {
			if e.IsCompensating() {
				continue
			}
			queue = append(queue, e.To)
		}
	}
	for _, id := range g.terminalIDs {
		if g.FindNode(id) != nil && !reached[id] {
			diags = append(diags, Diagnostic{Rule: "terminal_unreachable", Severity: SeverityError, NodeID: id, Message: fmt.Sprintf("terminal node %q is not reachable from any entry", id)})
		}
	}
	return diags
}

func (g *Graph) checkSelfLoops() []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.edges {
		if e.From == e.To && !e.IsCompensating() {
			diags = append(diags, Diagnostic{Rule: "self_loop_not_compensating", Severity: SeverityError, EdgeID: e.ID, Message: fmt.Sprintf("edge %q loops %q to itself without COMPENSATING semantics", e.ID, e.From)})
		}
	}
	return diags
}

func (g *Graph) checkExclusiveWeights() []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.edges {
		if e.Priority.Exclusive && e.Priority.Weight == 0 {
			diags = append(diags, Diagnostic{Rule: "exclusive_without_weight", Severity: SeverityError, EdgeID: e.ID, Message: fmt.Sprintf("exclusive edge %q carries no weight", e.ID)})
		}
	}
	return diags
}

func (g *Graph) checkJoinQuorum() []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.edges {
		if e.Semantics.JoinType == JoinNOfM && e.Semantics.JoinQuorum < 0 {
			diags = append(diags, Diagnostic{Rule: "join_quorum_negative", Severity: SeverityError, EdgeID: e.ID, Message: fmt.Sprintf("edge %q has negative join quorum", e.ID)})
		}
		if e.Semantics.JoinQuorum > 0 && e.Semantics.JoinType != JoinNOfM {
			diags = append(diags, Diagnostic{Rule: "join_quorum_ignored", Severity: SeverityWarning, EdgeID: e.ID, Message: fmt.Sprintf("edge %q sets a join quorum but join type is %s", e.ID, e.Semantics.JoinType)})
		}
	}
	return diags
}

func (g *Graph) checkConstraints() []Diagnostic {
	var diags []Diagnostic
	for _, c := range g.constraints {
		if g.FindNode(c.Before) == nil || g.FindNode(c.After) == nil {
			diags = append(diags, Diagnostic{Rule: "constraint_unresolved", Severity: SeverityError, Message: fmt.Sprintf("dependency constraint %q before %q references an unknown node", c.Before, c.After)})
		}
	}
	return diags
}
