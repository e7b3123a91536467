// Package instance holds the mutable runtime state of one process-graph
// occurrence: status, execution history, active nodes, pending edges, and
// the immutable context snapshot. All mutators enforce the instance
// invariants and reject writes once a terminal status is reached.
package instance

import (
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ExecutionStatus string

const (
	ExecInProgress ExecutionStatus = "IN_PROGRESS"
	ExecWaiting    ExecutionStatus = "WAITING"
	ExecPending    ExecutionStatus = "PENDING"
	ExecCompleted  ExecutionStatus = "COMPLETED"
	ExecFailed     ExecutionStatus = "FAILED"
	ExecSkipped    ExecutionStatus = "SKIPPED"
)

// Active reports whether the status keeps the node in activeNodeIds.
func (s ExecutionStatus) Active() bool {
	return s == ExecInProgress || s == ExecWaiting || s == ExecPending
}

type NodeExecution struct {
	NodeID      string          `json:"node_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Instance is one running occurrence of a process graph. Not safe for
// concurrent use; the process orchestrator serializes access per instance.
type Instance struct {
	ID            string
	GraphID       string
	GraphVersion  string
	CorrelationID string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        Status
	Context       ExecutionContext

	// History is append-only; the latest entry per node id is authoritative.
	History []NodeExecution

	activeNodeIDs  map[string]bool
	pendingEdgeIDs map[string]bool

	// Revision increments on every mutation, for optimistic concurrency in
	// the repositories.
	Revision uint64
}

func NewID() string { return strings.ToLower(ulid.Make().String()) }

func New(graphID, graphVersion, correlationID string, ctx ExecutionContext) *Instance {
	return &Instance{
		ID:             NewID(),
		GraphID:        graphID,
		GraphVersion:   graphVersion,
		CorrelationID:  strings.TrimSpace(correlationID),
		StartedAt:      time.Now().UTC(),
		Status:         StatusRunning,
		Context:        ctx,
		activeNodeIDs:  map[string]bool{},
		pendingEdgeIDs: map[string]bool{},
	}
}

// Rehydrate rebuilds the derived active-node and pending-edge sets from a
// persisted snapshot. Repositories call it after loading.
func Rehydrate(inst *Instance, pendingEdgeIDs []string) *Instance {
	inst.activeNodeIDs = map[string]bool{}
	inst.pendingEdgeIDs = map[string]bool{}
	for _, id := range pendingEdgeIDs {
		inst.pendingEdgeIDs[id] = true
	}
	seen := map[string]bool{}
	for i := len(inst.History) - 1; i >= 0; i-- {
		ex := inst.History[i]
		if seen[ex.NodeID] {
			continue
		}
		seen[ex.NodeID] = true
		if ex.Status.Active() {
			inst.activeNodeIDs[ex.NodeID] = true
		}
	}
	return inst
}

func (in *Instance) ActiveNodeIDs() []string  { return sortedKeys(in.activeNodeIDs) }
func (in *Instance) PendingEdgeIDs() []string { return sortedKeys(in.pendingEdgeIDs) }

func (in *Instance) IsActive(nodeID string) bool { return in.activeNodeIDs[nodeID] }

// LatestExecution returns the most recent execution record for nodeID, or nil.
func (in *Instance) LatestExecution(nodeID string) *NodeExecution {
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].NodeID == nodeID {
			return &in.History[i]
		}
	}
	return nil
}

// ExecutionCount counts how many executions of nodeID have been started.
func (in *Instance) ExecutionCount(nodeID string) int {
	n := 0
	for _, ex := range in.History {
		if ex.NodeID == nodeID {
			n++
		}
	}
	return n
}

// HasExecutedNode reports whether nodeID has a latest execution in a settled
// status (COMPLETED, FAILED, or SKIPPED).
func (in *Instance) HasExecutedNode(nodeID string) bool {
	ex := in.LatestExecution(nodeID)
	return ex != nil && !ex.Status.Active()
}

// HasCompletedNode reports whether nodeID's latest execution is COMPLETED.
func (in *Instance) HasCompletedNode(nodeID string) bool {
	ex := in.LatestExecution(nodeID)
	return ex != nil && ex.Status == ExecCompleted
}

func (in *Instance) guardMutable(op string) error {
	if in.Status.Terminal() {
		return cpgerr.New(cpgerr.KindInvalidState, "%s: instance %s is %s", op, in.ID, in.Status)
	}
	return nil
}

// StartNodeExecution appends an IN_PROGRESS record and marks the node active.
func (in *Instance) StartNodeExecution(nodeID string) error {
	if err := in.guardMutable("startNodeExecution"); err != nil {
		return err
	}
	in.History = append(in.History, NodeExecution{
		NodeID:    nodeID,
		Status:    ExecInProgress,
		StartedAt: time.Now().UTC(),
	})
	in.activeNodeIDs[nodeID] = true
	in.Revision++
	return nil
}

// MarkNodeWaiting moves the latest execution of nodeID to WAITING or
// PENDING. The node stays active.
func (in *Instance) MarkNodeWaiting(nodeID string, status ExecutionStatus) error {
	if err := in.guardMutable("markNodeWaiting"); err != nil {
		return err
	}
	if status != ExecWaiting && status != ExecPending {
		return cpgerr.New(cpgerr.KindInvalidInput, "markNodeWaiting: status %s is not WAITING or PENDING", status)
	}
	ex := in.LatestExecution(nodeID)
	if ex == nil || !ex.Status.Active() {
		return cpgerr.New(cpgerr.KindInvalidState, "markNodeWaiting: node %s has no active execution", nodeID)
	}
	ex.Status = status
	in.Revision++
	return nil
}

// CompleteNodeExecution settles the latest execution of nodeID as COMPLETED
// and removes it from the active set.
func (in *Instance) CompleteNodeExecution(nodeID string, output map[string]any) error {
	return in.settle(nodeID, ExecCompleted, output, "")
}

// FailNodeExecution settles the latest execution of nodeID as FAILED.
func (in *Instance) FailNodeExecution(nodeID string, errMsg string) error {
	return in.settle(nodeID, ExecFailed, nil, errMsg)
}

// SkipNodeExecution settles the latest execution of nodeID as SKIPPED.
func (in *Instance) SkipNodeExecution(nodeID string, reason string) error {
	return in.settle(nodeID, ExecSkipped, nil, reason)
}

func (in *Instance) settle(nodeID string, status ExecutionStatus, output map[string]any, errMsg string) error {
	if err := in.guardMutable("settle"); err != nil {
		return err
	}
	ex := in.LatestExecution(nodeID)
	if ex == nil || !ex.Status.Active() {
		return cpgerr.New(cpgerr.KindInvalidState, "node %s has no active execution to settle", nodeID)
	}
	ex.Status = status
	ex.CompletedAt = time.Now().UTC()
	ex.Result = output
	ex.Error = errMsg
	delete(in.activeNodeIDs, nodeID)
	in.Revision++
	return nil
}

// UpdateContext replaces the context snapshot atomically.
func (in *Instance) UpdateContext(ctx ExecutionContext) error {
	if err := in.guardMutable("updateContext"); err != nil {
		return err
	}
	in.Context = ctx
	in.Revision++
	return nil
}

func (in *Instance) ActivatePendingEdge(edgeID string) error {
	if err := in.guardMutable("activatePendingEdge"); err != nil {
		return err
	}
	in.pendingEdgeIDs[edgeID] = true
	in.Revision++
	return nil
}

func (in *Instance) ClearPendingEdge(edgeID string) {
	delete(in.pendingEdgeIDs, edgeID)
	in.Revision++
}

func (in *Instance) Suspend() error {
	if err := in.guardMutable("suspend"); err != nil {
		return err
	}
	in.Status = StatusSuspended
	in.Revision++
	return nil
}

func (in *Instance) Resume() error {
	if in.Status != StatusSuspended {
		return cpgerr.New(cpgerr.KindInvalidState, "resume: instance %s is %s, not SUSPENDED", in.ID, in.Status)
	}
	in.Status = StatusRunning
	in.Revision++
	return nil
}

func (in *Instance) Complete() error {
	if err := in.guardMutable("complete"); err != nil {
		return err
	}
	in.Status = StatusCompleted
	in.CompletedAt = time.Now().UTC()
	in.Revision++
	return nil
}

func (in *Instance) Fail(reason string) error {
	if err := in.guardMutable("fail"); err != nil {
		return err
	}
	in.Status = StatusFailed
	in.CompletedAt = time.Now().UTC()
	if reason != "" {
		in.Context = in.Context.WithObligation("failed: " + reason)
	}
	in.Revision++
	return nil
}

// Cancel is idempotent: cancelling an already-cancelled instance succeeds.
func (in *Instance) Cancel() error {
	if in.Status == StatusCancelled {
		return nil
	}
	if in.Status.Terminal() {
		return cpgerr.New(cpgerr.KindInvalidState, "cancel: instance %s is %s", in.ID, in.Status)
	}
	in.Status = StatusCancelled
	in.CompletedAt = time.Now().UTC()
	in.Revision++
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
