// Package trace records the immutable decision log: one record per
// navigation choice, executed action, waiting cycle, or governance block.
// The trace store is the system of record for "why did X happen?".
package trace

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openprocess/cpgraph/internal/cpg/decide"
	"github.com/openprocess/cpgraph/internal/cpg/eval"
	"github.com/openprocess/cpgraph/internal/cpg/govern"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
)

type Type string

const (
	TypeNavigation Type = "NAVIGATION"
	TypeExecution  Type = "EXECUTION"
	TypeWait       Type = "WAIT"
	TypeBlocked    Type = "BLOCKED"
)

// Trace is append-only: once written it is never modified.
type Trace struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	Type       Type           `json:"type"`
	Context    map[string]any `json:"context_snapshot,omitempty"`
	Evaluation map[string]any `json:"evaluation_snapshot,omitempty"`
	Decision   map[string]any `json:"decision_snapshot,omitempty"`
	Governance map[string]any `json:"governance_snapshot,omitempty"`
	Outcome    map[string]any `json:"outcome_snapshot,omitempty"`
}

// Repository persists traces. Append must preserve insertion order per
// instance.
type Repository interface {
	Append(ctx context.Context, tr Trace) error
	FindByID(ctx context.Context, id string) (*Trace, error)
	FindByInstance(ctx context.Context, instanceID string) ([]Trace, error)
	FindByType(ctx context.Context, t Type) ([]Trace, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type Tracer struct {
	Enabled bool
	repo    Repository
	now     func() time.Time
}

func NewTracer(repo Repository) *Tracer {
	return &Tracer{
		Enabled: true,
		repo:    repo,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func NewID() string { return strings.ToLower(ulid.Make().String()) }

func (t *Tracer) record(ctx context.Context, tr Trace) (Trace, error) {
	tr.ID = NewID()
	tr.Timestamp = t.now()
	if !t.Enabled {
		return tr, nil
	}
	return tr, t.repo.Append(ctx, tr)
}

func (t *Tracer) RecordNavigation(ctx context.Context, instanceID string, rc rtctx.RuntimeContext, space eval.EligibleSpace, dec decide.NavigationDecision) (Trace, error) {
	return t.record(ctx, Trace{
		InstanceID: instanceID,
		Type:       TypeNavigation,
		Context:    contextSnapshot(rc),
		Evaluation: evaluationSnapshot(space),
		Decision:   decisionSnapshot(dec),
	})
}

func (t *Tracer) RecordExecution(ctx context.Context, instanceID, nodeID string, rc rtctx.RuntimeContext, gov govern.Result, outcome map[string]any) (Trace, error) {
	return t.record(ctx, Trace{
		InstanceID: instanceID,
		Type:       TypeExecution,
		Context:    contextSnapshot(rc),
		Governance: governanceSnapshot(gov),
		Outcome:    withNode(nodeID, outcome),
	})
}

func (t *Tracer) RecordWait(ctx context.Context, instanceID string, rc rtctx.RuntimeContext, dec decide.NavigationDecision) (Trace, error) {
	return t.record(ctx, Trace{
		InstanceID: instanceID,
		Type:       TypeWait,
		Context:    contextSnapshot(rc),
		Decision:   decisionSnapshot(dec),
	})
}

func (t *Tracer) RecordBlocked(ctx context.Context, instanceID, nodeID string, rc rtctx.RuntimeContext, gov govern.Result) (Trace, error) {
	return t.record(ctx, Trace{
		InstanceID: instanceID,
		Type:       TypeBlocked,
		Context:    contextSnapshot(rc),
		Governance: governanceSnapshot(gov),
		Outcome:    withNode(nodeID, map[string]any{"reasons": gov.Reasons}),
	})
}

func (t *Tracer) FindByID(ctx context.Context, id string) (*Trace, error) {
	return t.repo.FindByID(ctx, id)
}

func (t *Tracer) FindByInstance(ctx context.Context, instanceID string) ([]Trace, error) {
	return t.repo.FindByInstance(ctx, instanceID)
}

func (t *Tracer) FindByType(ctx context.Context, typ Type) ([]Trace, error) {
	return t.repo.FindByType(ctx, typ)
}

func (t *Tracer) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return t.repo.DeleteOlderThan(ctx, cutoff)
}

func contextSnapshot(rc rtctx.RuntimeContext) map[string]any {
	return map[string]any{
		"assembled_at": rc.AssembledAt.Format(time.RFC3339Nano),
		"principal":    rc.Principal.ID,
		"client":       rc.ClientContext,
		"domain":       rc.DomainContext,
		"state":        rc.AccumulatedState,
		"event_count":  len(rc.Events),
	}
}

func evaluationSnapshot(space eval.EligibleSpace) map[string]any {
	nodes := make([]any, 0, len(space.EligibleNodes))
	for _, n := range space.EligibleNodes {
		nodes = append(nodes, map[string]any{
			"node_id":   n.NodeID,
			"available": n.Available,
			"blocked":   n.BlockedReason,
		})
	}
	edges := make([]any, 0, len(space.TraversableEdges))
	for _, e := range space.TraversableEdges {
		edges = append(edges, map[string]any{
			"edge_id":     e.EdgeID,
			"traversable": e.Traversable,
			"blocked":     e.BlockedReason,
		})
	}
	return map[string]any{
		"eligible_nodes":    nodes,
		"traversable_edges": edges,
		"evaluated_at":      space.EvaluatedAt.Format(time.RFC3339Nano),
	}
}

func decisionSnapshot(dec decide.NavigationDecision) map[string]any {
	selected := make([]any, 0, len(dec.SelectedActions))
	for _, ca := range dec.SelectedActions {
		selected = append(selected, candidateSnapshot(ca))
	}
	alternatives := make([]any, 0, len(dec.AlternativesConsidered))
	for _, ca := range dec.AlternativesConsidered {
		alternatives = append(alternatives, candidateSnapshot(ca))
	}
	return map[string]any{
		"type":         string(dec.Type),
		"criteria":     string(dec.SelectionCriteria),
		"reason":       dec.SelectionReason,
		"selected":     selected,
		"alternatives": alternatives,
	}
}

func candidateSnapshot(ca eval.CandidateAction) map[string]any {
	out := map[string]any{"node_id": ca.Node.ID}
	if ca.IncomingEdge != nil {
		out["edge_id"] = ca.IncomingEdge.ID
	}
	return out
}

func governanceSnapshot(gov govern.Result) map[string]any {
	return map[string]any{
		"approved":        gov.Approved,
		"idempotency":     string(gov.Idempotency),
		"authorization":   string(gov.Authorization),
		"policy_gate":     string(gov.PolicyGate),
		"idempotency_key": gov.IdempotencyKey,
		"reasons":         gov.Reasons,
	}
}

func withNode(nodeID string, outcome map[string]any) map[string]any {
	out := map[string]any{"node_id": nodeID}
	for k, v := range outcome {
		out[k] = v
	}
	return out
}
