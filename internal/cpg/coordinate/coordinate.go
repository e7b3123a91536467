// Package coordinate tracks parallel branches per instance and evaluates
// join synchronization at fan-in nodes.
package coordinate

import (
	"fmt"
	"sync"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
)

type BranchStatus string

const (
	BranchPending   BranchStatus = "PENDING"
	BranchRunning   BranchStatus = "RUNNING"
	BranchCompleted BranchStatus = "COMPLETED"
	BranchFailed    BranchStatus = "FAILED"
	BranchCancelled BranchStatus = "CANCELLED"
)

type ParallelBranch struct {
	BranchID      string       `json:"branch_id"`
	OriginEdgeID  string       `json:"origin_edge_id"`
	CurrentNodeID string       `json:"current_node_id"`
	Status        BranchStatus `json:"status"`
}

// JoinStatus is the result of evaluating a join target.
type JoinStatus struct {
	CanProceed bool
	Completed  int
	Pending    int
	Relevant   int
	JoinType   graph.JoinType
}

// Coordinator keeps an append-only branch list per instance. Branch ids are
// <instanceId>:<counter>.
type Coordinator struct {
	mu       sync.Mutex
	branches map[string][]*ParallelBranch
	counters map[string]int
}

func New() *Coordinator {
	return &Coordinator{
		branches: map[string][]*ParallelBranch{},
		counters: map[string]int{},
	}
}

// StartBranch allocates a RUNNING branch for one PARALLEL edge activation.
func (c *Coordinator) StartBranch(instanceID string, edge *graph.Edge) ParallelBranch {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[instanceID]++
	b := &ParallelBranch{
		BranchID:      fmt.Sprintf("%s:%d", instanceID, c.counters[instanceID]),
		OriginEdgeID:  edge.ID,
		CurrentNodeID: edge.To,
		Status:        BranchRunning,
	}
	c.branches[instanceID] = append(c.branches[instanceID], b)
	return *b
}

// Branches returns a copy of the instance's branch list.
func (c *Coordinator) Branches(instanceID string) []ParallelBranch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ParallelBranch, 0, len(c.branches[instanceID]))
	for _, b := range c.branches[instanceID] {
		out = append(out, *b)
	}
	return out
}

// NodeCompleted settles every branch currently parked at nodeID. A branch
// completes when its node reaches a fan-in target or has nowhere further to
// go; otherwise it advances to the next hop and stays RUNNING.
func (c *Coordinator) NodeCompleted(g *graph.Graph, instanceID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.Status != BranchRunning || b.CurrentNodeID != nodeID {
			continue
		}
		outbound := g.OutboundEdges(nodeID)
		if len(outbound) == 0 || reachesJoin(g, outbound) {
			b.Status = BranchCompleted
		}
	}
}

// NodeFailed marks every branch parked at nodeID FAILED.
func (c *Coordinator) NodeFailed(instanceID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.Status == BranchRunning && b.CurrentNodeID == nodeID {
			b.Status = BranchFailed
		}
	}
}

// Advance moves a RUNNING branch from one node to the next along its path.
func (c *Coordinator) Advance(instanceID, fromNodeID, toNodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.Status == BranchRunning && b.CurrentNodeID == fromNodeID {
			b.CurrentNodeID = toNodeID
			return
		}
	}
}

// EvaluateJoin checks whether targetNodeID may activate. The join type
// comes from the first inbound edge declaring one; relevant branches are
// those whose path feeds the target. When no branches are relevant the join
// trivially proceeds.
func (c *Coordinator) EvaluateJoin(g *graph.Graph, instanceID, targetNodeID string) JoinStatus {
	joinType, quorum := joinSpec(g, targetNodeID)

	c.mu.Lock()
	defer c.mu.Unlock()
	status := JoinStatus{JoinType: joinType}
	for _, b := range c.branches[instanceID] {
		if b.Status == BranchCancelled {
			continue
		}
		if !feedsTarget(g, b, targetNodeID) {
			continue
		}
		status.Relevant++
		switch b.Status {
		case BranchCompleted:
			status.Completed++
		case BranchFailed:
		default:
			status.Pending++
		}
	}
	if status.Relevant == 0 {
		status.CanProceed = true
		return status
	}
	switch joinType {
	case graph.JoinAny:
		status.CanProceed = status.Completed >= 1
	case graph.JoinNOfM:
		if quorum <= 0 {
			quorum = status.Relevant/2 + 1
		}
		status.CanProceed = status.Completed >= quorum
	default:
		status.CanProceed = status.Completed == status.Relevant
	}
	return status
}

// HasLiveBranches reports whether any branch is still PENDING or RUNNING.
func (c *Coordinator) HasLiveBranches(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.Status == BranchPending || b.Status == BranchRunning {
			return true
		}
	}
	return false
}

// CancelInstance marks every live branch CANCELLED.
func (c *Coordinator) CancelInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.Status == BranchPending || b.Status == BranchRunning {
			b.Status = BranchCancelled
		}
	}
}

// CleanupInstance drops branch tracking for a terminated instance.
func (c *Coordinator) CleanupInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.branches, instanceID)
	delete(c.counters, instanceID)
}

// IsJoinTarget reports whether nodeID declares join semantics on any
// inbound edge.
func IsJoinTarget(g *graph.Graph, nodeID string) bool {
	for _, e := range g.InboundEdges(nodeID) {
		if e.Semantics.JoinType != "" {
			return true
		}
	}
	return false
}

func joinSpec(g *graph.Graph, targetNodeID string) (graph.JoinType, int) {
	for _, e := range g.InboundEdges(targetNodeID) {
		if e.Semantics.JoinType != "" {
			return e.Semantics.JoinType, e.Semantics.JoinQuorum
		}
	}
	return graph.JoinAll, 0
}

// feedsTarget reports whether the branch's position can reach the target in
// one hop, or its origin edge points straight at it.
func feedsTarget(g *graph.Graph, b *ParallelBranch, targetNodeID string) bool {
	if b.CurrentNodeID == targetNodeID {
		return true
	}
	if origin := g.FindEdge(b.OriginEdgeID); origin != nil && origin.To == targetNodeID {
		return true
	}
	for _, e := range g.OutboundEdges(b.CurrentNodeID) {
		if e.To == targetNodeID {
			return true
		}
	}
	return false
}

func reachesJoin(g *graph.Graph, outbound []*graph.Edge) bool {
	for _, e := range outbound {
		if IsJoinTarget(g, e.To) {
			return true
		}
	}
	return false
}
