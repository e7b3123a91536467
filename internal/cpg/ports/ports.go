// Package ports declares the abstract capabilities the orchestration core
// consumes: expression, rule, and policy engines, action handlers, the
// repositories, and the event publisher. The core never depends on a
// concrete engine; hosts bind these at wiring time.
package ports

import (
	"context"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
)

// EvalResult is the outcome of a single expression evaluation. Missing
// identifiers evaluate to nil, never to an error.
type EvalResult struct {
	Success bool
	Result  any
	Err     error
}

// Truthy reports whether the result is a successful boolean true.
func (r EvalResult) Truthy() bool {
	if !r.Success {
		return false
	}
	b, ok := r.Result.(bool)
	return ok && b
}

// ExpressionEvaluator evaluates one expression against a flat keyed context.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expr graph.Expression, bindings map[string]any) EvalResult
}

// RuleEvaluator evaluates a referenced decision table, returning its named
// outputs.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, decisionRef string, bindings map[string]any) (map[string]any, error)
}

// PolicyResult is one policy-gate decision.
type PolicyResult struct {
	GateID  string
	Outcome graph.PolicyOutcome
	Details map[string]any
	Reason  string
}

// Blocks reports whether this result prevents the node from being available
// given the gate's required outcome.
func (r PolicyResult) Blocks(required graph.PolicyOutcome) bool {
	if r.Outcome == graph.PolicyDenied {
		return true
	}
	return r.Outcome == graph.PolicyReviewRequired && required != graph.PolicyReviewRequired
}

// PolicyEvaluator evaluates a referenced policy decision.
type PolicyEvaluator interface {
	EvaluatePolicy(ctx context.Context, decisionRef string, bindings map[string]any) (PolicyResult, error)
}

// Principal is the identity bound to a runtime context for authorization.
type Principal struct {
	ID          string
	Permissions []string
}

func (p Principal) Has(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission || perm == "*" {
			return true
		}
	}
	return false
}

// ActionContext is everything a handler receives for one dispatch.
type ActionContext struct {
	InstanceID     string
	NodeID         string
	Action         graph.Action
	ExecutionCount int
	Bindings       map[string]any
	Principal      Principal

	// SubscribedEvents lists the node's event subscriptions; OccurredEvents
	// the event types already received by the instance.
	SubscribedEvents []string
	OccurredEvents   []string
}

type ActionStatus string

const (
	ActionCompleted ActionStatus = "COMPLETED"
	ActionPending   ActionStatus = "PENDING"
	ActionWaiting   ActionStatus = "WAITING"
	ActionFailed    ActionStatus = "FAILED"
)

// ActionResult is the handler's report. ErrorType carries the failure class
// used for exception-route matching (TIMEOUT, TRANSIENT, ...).
type ActionResult struct {
	Status    ActionStatus
	Output    map[string]any
	ErrorType string
	Err       error
}

// ActionHandler executes a node's action. Execute must honor ctx deadlines;
// the coordinator treats a deadline overrun as a TIMEOUT failure.
type ActionHandler interface {
	Execute(ctx context.Context, ac ActionContext) (ActionResult, error)
}

// AsyncActionHandler is an optional interface a handler implements to
// declare that completion arrives later as an event. ExecuteAsync returns
// once the work is accepted; the step leaves the node PENDING.
type AsyncActionHandler interface {
	ActionHandler
	SupportsAsync() bool
	ExecuteAsync(ctx context.Context, ac ActionContext) error
}

// GraphRepository stores immutable graphs keyed by (id, version).
type GraphRepository interface {
	SaveGraph(ctx context.Context, g *graph.Graph) error
	FindGraph(ctx context.Context, id, version string) (*graph.Graph, error)
	ListGraphs(ctx context.Context) ([]*graph.Graph, error)
}

// InstanceRepository stores instances keyed by id. Save must reject writes
// whose revision is not strictly greater than the stored one.
type InstanceRepository interface {
	SaveInstance(ctx context.Context, in *instance.Instance) error
	FindInstance(ctx context.Context, id string) (*instance.Instance, error)
	ListInstances(ctx context.Context, status instance.Status) ([]*instance.Instance, error)
}

// ProcessEvent is a low-level lifecycle notification emitted out of the core.
type ProcessEvent struct {
	Type       string
	InstanceID string
	NodeID     string
	Timestamp  time.Time
	Payload    map[string]any
}

// EventPublisher emits process events. Implementations may be in-memory, a
// log, or a broker; Publish must not block on downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev ProcessEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ProcessEvent) error { return nil }
