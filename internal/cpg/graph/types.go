// Package graph holds the immutable process-graph template: nodes (governed
// decision points with attached actions) and edges (guarded transitions).
// Graphs are built once, validated, and never mutated in place; new versions
// supersede old ones.
package graph

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPublished  Status = "PUBLISHED"
	StatusDeprecated Status = "DEPRECATED"
	StatusArchived   Status = "ARCHIVED"
)

var statusOrder = map[Status]int{
	StatusDraft:      0,
	StatusPublished:  1,
	StatusDeprecated: 2,
	StatusArchived:   3,
}

// CanTransitionTo reports whether s may move to next. Status only moves
// forward along the enum order.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	return to > from
}

type ActionType string

const (
	ActionSystemInvocation ActionType = "SYSTEM_INVOCATION"
	ActionHumanTask        ActionType = "HUMAN_TASK"
	ActionAgentAssisted    ActionType = "AGENT_ASSISTED"
	ActionDecision         ActionType = "DECISION"
	ActionNotification     ActionType = "NOTIFICATION"
	ActionWait             ActionType = "WAIT"
)

type EmissionTiming string

const (
	EmitOnStart    EmissionTiming = "ON_START"
	EmitOnComplete EmissionTiming = "ON_COMPLETE"
)

type EdgeType string

const (
	EdgeSequential   EdgeType = "SEQUENTIAL"
	EdgeParallel     EdgeType = "PARALLEL"
	EdgeCompensating EdgeType = "COMPENSATING"
)

type JoinType string

const (
	JoinAll JoinType = "ALL"
	JoinAny JoinType = "ANY"
	JoinNOfM JoinType = "N_OF_M"
)

type CompensationStrategy string

const (
	CompensationRetry    CompensationStrategy = "RETRY"
	CompensationRollback CompensationStrategy = "ROLLBACK"
	CompensationAlternate CompensationStrategy = "ALTERNATE"
	CompensationEscalate CompensationStrategy = "ESCALATE"
)

type PolicyOutcome string

const (
	PolicyAllowed        PolicyOutcome = "ALLOWED"
	PolicyDenied         PolicyOutcome = "DENIED"
	PolicyReviewRequired PolicyOutcome = "REVIEW_REQUIRED"
	PolicyNotApplicable  PolicyOutcome = "NOT_APPLICABLE"
)

// Expression is a single guard/precondition expression evaluated by the
// injected expression engine. The language is opaque to the core.
type Expression struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
}

func (e Expression) Empty() bool { return strings.TrimSpace(e.Source) == "" }

// Preconditions gate node availability. Client-context expressions run
// first, then domain-context expressions; all must hold.
type Preconditions struct {
	ClientContext []Expression `json:"client_context,omitempty" yaml:"client_context,omitempty"`
	DomainContext []Expression `json:"domain_context,omitempty" yaml:"domain_context,omitempty"`
}

// PolicyGate references an external policy decision and the outcome required
// for the node to remain available.
type PolicyGate struct {
	ID              string        `json:"id" yaml:"id"`
	DecisionRef     string        `json:"decision_ref" yaml:"decision_ref"`
	RequiredOutcome PolicyOutcome `json:"required_outcome" yaml:"required_outcome"`
}

// BusinessRule references an external decision table by id.
type BusinessRule struct {
	ID          string `json:"id" yaml:"id"`
	DecisionRef string `json:"decision_ref" yaml:"decision_ref"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
}

type ActionConfig struct {
	Async              bool       `json:"async,omitempty" yaml:"async,omitempty"`
	TimeoutSeconds     int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryCount         int        `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	AssigneeExpression Expression `json:"assignee_expression,omitempty" yaml:"assignee_expression,omitempty"`
	FormRef            string     `json:"form_ref,omitempty" yaml:"form_ref,omitempty"`
}

func (c ActionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Action is the side-effectful work a node dispatches when selected.
type Action struct {
	Type       ActionType   `json:"type" yaml:"type"`
	HandlerRef string       `json:"handler_ref" yaml:"handler_ref"`
	Config     ActionConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

type EventSubscription struct {
	EventType   string     `json:"event_type" yaml:"event_type"`
	Correlation Expression `json:"correlation,omitempty" yaml:"correlation,omitempty"`
}

type EventEmission struct {
	EventType string         `json:"event_type" yaml:"event_type"`
	Timing    EmissionTiming `json:"timing" yaml:"timing"`
	Payload   Expression     `json:"payload,omitempty" yaml:"payload,omitempty"`
}

type EventConfig struct {
	Subscriptions []EventSubscription `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`
	Emissions     []EventEmission     `json:"emissions,omitempty" yaml:"emissions,omitempty"`
}

// ExceptionMatchMode selects how an ExceptionRoute pattern is compared to the
// actual exception type. The default, contains, matches when the pattern
// equals or is contained in the actual type; "*" and "ANY" match everything.
type ExceptionMatchMode string

const (
	MatchContains ExceptionMatchMode = "contains"
	MatchExact    ExceptionMatchMode = "exact"
	MatchGlob     ExceptionMatchMode = "glob"
)

type ExceptionRoute struct {
	ExceptionType string               `json:"exception_type" yaml:"exception_type"`
	MatchMode     ExceptionMatchMode   `json:"match_mode,omitempty" yaml:"match_mode,omitempty"`
	Strategy      CompensationStrategy `json:"strategy" yaml:"strategy"`
	MaxRetries    int                  `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TargetNodeID  string               `json:"target_node_id,omitempty" yaml:"target_node_id,omitempty"`
}

type ExceptionRoutes struct {
	Remediation []ExceptionRoute `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	Escalation  []ExceptionRoute `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// Node is a governed decision point.
type Node struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version       string          `json:"version,omitempty" yaml:"version,omitempty"`
	Preconditions Preconditions   `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	PolicyGates   []PolicyGate    `json:"policy_gates,omitempty" yaml:"policy_gates,omitempty"`
	BusinessRules []BusinessRule  `json:"business_rules,omitempty" yaml:"business_rules,omitempty"`
	Action        Action          `json:"action" yaml:"action"`
	Events        EventConfig     `json:"events,omitempty" yaml:"events,omitempty"`
	Exceptions    ExceptionRoutes `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
}

type ContextCondition struct {
	Expression Expression `json:"expression" yaml:"expression"`
}

// RuleOutcomeCondition compares the source node's merged rule outputs against
// an expected-outcome expression, evaluated with a `ruleOutputs` binding.
type RuleOutcomeCondition struct {
	RuleID     string     `json:"rule_id" yaml:"rule_id"`
	Expression Expression `json:"expression" yaml:"expression"`
}

type PolicyOutcomeCondition struct {
	PolicyGateID    string        `json:"policy_gate_id" yaml:"policy_gate_id"`
	RequiredOutcome PolicyOutcome `json:"required_outcome" yaml:"required_outcome"`
}

type EventCondition struct {
	EventType       string     `json:"event_type" yaml:"event_type"`
	MustHaveOccurred bool      `json:"must_have_occurred" yaml:"must_have_occurred"`
	Correlation     Expression `json:"correlation,omitempty" yaml:"correlation,omitempty"`
}

type GuardConditions struct {
	Context       []ContextCondition       `json:"context,omitempty" yaml:"context,omitempty"`
	RuleOutcomes  []RuleOutcomeCondition   `json:"rule_outcomes,omitempty" yaml:"rule_outcomes,omitempty"`
	PolicyOutcomes []PolicyOutcomeCondition `json:"policy_outcomes,omitempty" yaml:"policy_outcomes,omitempty"`
	Events        []EventCondition         `json:"events,omitempty" yaml:"events,omitempty"`
}

type ExecutionSemantics struct {
	Type            EdgeType `json:"type,omitempty" yaml:"type,omitempty"`
	JoinType        JoinType `json:"join_type,omitempty" yaml:"join_type,omitempty"`
	// JoinQuorum applies to N_OF_M joins; zero means majority of the
	// relevant branches.
	JoinQuorum      int      `json:"join_quorum,omitempty" yaml:"join_quorum,omitempty"`
	CompensationRef string   `json:"compensation_ref,omitempty" yaml:"compensation_ref,omitempty"`
}

type Priority struct {
	Weight    int  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Rank      int  `json:"rank,omitempty" yaml:"rank,omitempty"`
	Exclusive bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

type EventTriggers struct {
	Activating   []string `json:"activating,omitempty" yaml:"activating,omitempty"`
	Reevaluation []string `json:"reevaluation,omitempty" yaml:"reevaluation,omitempty"`
}

type CompensationSemantics struct {
	Strategy           CompensationStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	MaxRetries         int                  `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	CompensatingEdgeID string               `json:"compensating_edge_id,omitempty" yaml:"compensating_edge_id,omitempty"`
	Condition          Expression           `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Edge is a guarded transition between two nodes.
type Edge struct {
	ID           string                `json:"id" yaml:"id"`
	Name         string                `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string                `json:"description,omitempty" yaml:"description,omitempty"`
	From         string                `json:"from" yaml:"from"`
	To           string                `json:"to" yaml:"to"`
	Guards       GuardConditions       `json:"guards,omitempty" yaml:"guards,omitempty"`
	Semantics    ExecutionSemantics    `json:"semantics,omitempty" yaml:"semantics,omitempty"`
	Priority     Priority              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Triggers     EventTriggers         `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Compensation CompensationSemantics `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	// Order is the declaration index within the graph, used for
	// deterministic tie-breaks.
	Order int `json:"-" yaml:"-"`
}

func (e *Edge) IsParallel() bool     { return e != nil && e.Semantics.Type == EdgeParallel }
func (e *Edge) IsCompensating() bool { return e != nil && e.Semantics.Type == EdgeCompensating }

// DependencyConstraint records a "must execute Before before After" ordering
// restriction consulted by the navigation decider.
type DependencyConstraint struct {
	Before string `json:"before" yaml:"before"`
	After  string `json:"after" yaml:"after"`
}

// Graph is the immutable process template, keyed by (ID, Version).
type Graph struct {
	ID          string
	Version     string
	Name        string
	Description string
	Status      Status

	nodes     []*Node
	edges     []*Edge
	entryIDs  []string
	terminalIDs []string
	constraints []DependencyConstraint
	metadata  map[string]string

	// Read-only indices built at construction.
	nodeByID    map[string]*Node
	edgeByID    map[string]*Edge
	outbound    map[string][]*Edge
	inbound     map[string][]*Edge
	subscribed  map[string][]*Node
	reevaluated map[string][]*Edge
	nodeOrder   map[string]int
}

func (g *Graph) Key() string { return g.ID + "@" + g.Version }

// FindNode returns the node with the given id, or nil.
func (g *Graph) FindNode(id string) *Node { return g.nodeByID[strings.TrimSpace(id)] }

// FindEdge returns the edge with the given id, or nil.
func (g *Graph) FindEdge(id string) *Edge { return g.edgeByID[strings.TrimSpace(id)] }

// OutboundEdges returns the edges leaving nodeID in declaration order.
func (g *Graph) OutboundEdges(nodeID string) []*Edge { return g.outbound[nodeID] }

// InboundEdges returns the edges entering nodeID in declaration order.
func (g *Graph) InboundEdges(nodeID string) []*Edge { return g.inbound[nodeID] }

// NodesSubscribedTo returns the nodes whose event config subscribes to eventType.
func (g *Graph) NodesSubscribedTo(eventType string) []*Node { return g.subscribed[eventType] }

// EdgesReevaluatedBy returns edges listing eventType as a reevaluation trigger.
func (g *Graph) EdgesReevaluatedBy(eventType string) []*Edge { return g.reevaluated[eventType] }

func (g *Graph) Nodes() []*Node { return g.nodes }
func (g *Graph) Edges() []*Edge { return g.edges }

func (g *Graph) EntryNodeIDs() []string    { return g.entryIDs }
func (g *Graph) TerminalNodeIDs() []string { return g.terminalIDs }

func (g *Graph) Constraints() []DependencyConstraint { return g.constraints }

func (g *Graph) Metadata(key string) string { return g.metadata[key] }

func (g *Graph) IsEntry(nodeID string) bool {
	for _, id := range g.entryIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (g *Graph) IsTerminal(nodeID string) bool {
	for _, id := range g.terminalIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// NodeOrder returns the declaration index of nodeID, used as the final
// deterministic tie-break during navigation. Unknown nodes sort last.
func (g *Graph) NodeOrder(nodeID string) int {
	if i, ok := g.nodeOrder[nodeID]; ok {
		return i
	}
	return int(^uint(0) >> 1)
}

func (g *Graph) buildIndices() {
	g.nodeByID = make(map[string]*Node, len(g.nodes))
	g.edgeByID = make(map[string]*Edge, len(g.edges))
	g.outbound = map[string][]*Edge{}
	g.inbound = map[string][]*Edge{}
	g.subscribed = map[string][]*Node{}
	g.reevaluated = map[string][]*Edge{}
	g.nodeOrder = make(map[string]int, len(g.nodes))

	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		g.nodeByID[n.ID] = n
		g.nodeOrder[n.ID] = i
		for _, sub := range n.Events.Subscriptions {
			if t := strings.TrimSpace(sub.EventType); t != "" {
				g.subscribed[t] = append(g.subscribed[t], n)
			}
		}
	}
	for i, e := range g.edges {
		if e == nil {
			continue
		}
		e.Order = i
		g.edgeByID[e.ID] = e
		g.outbound[e.From] = append(g.outbound[e.From], e)
		g.inbound[e.To] = append(g.inbound[e.To], e)
		for _, t := range e.Triggers.Reevaluation {
			if t = strings.TrimSpace(t); t != "" {
				g.reevaluated[t] = append(g.reevaluated[t], e)
			}
		}
	}
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph %s (%d nodes, %d edges)", g.Key(), len(g.nodes), len(g.edges))
}
