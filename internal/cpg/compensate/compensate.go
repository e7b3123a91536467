// Package compensate selects what happens after an action fails: retry,
// rollback, alternate, escalate, skip, or fail. Resolution walks the node's
// remediation routes, then its escalation routes, then the inbound edge's
// compensation semantics, then the action's retry budget, and finally FAIL.
package compensate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
)

type Strategy string

const (
	StrategyRetry     Strategy = "RETRY"
	StrategyRollback  Strategy = "ROLLBACK"
	StrategyAlternate Strategy = "ALTERNATE"
	StrategyEscalate  Strategy = "ESCALATE"
	StrategySkip      Strategy = "SKIP"
	StrategyFail      Strategy = "FAIL"
)

// Action is the chosen compensation, carried into the execution trace.
type Action struct {
	Strategy     Strategy      `json:"strategy"`
	TargetNodeID string        `json:"target_node_id,omitempty"`
	EdgeID       string        `json:"edge_id,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Reason       string        `json:"reason"`
}

// Handler keeps per-(instance, node) retry counters. Counters clear on
// successful node completion and on instance termination.
type Handler struct {
	mu      sync.Mutex
	retries map[string]map[string]int

	Backoff     BackoffConfig
	Expressions ports.ExpressionEvaluator
}

func NewHandler() *Handler {
	return &Handler{
		retries: map[string]map[string]int{},
		Backoff: DefaultBackoffConfig(),
	}
}

// Resolve picks the compensation for a failed execution of node on in.
// errorType is the handler-reported failure class (TIMEOUT, TRANSIENT, ...).
func (h *Handler) Resolve(ctx context.Context, g *graph.Graph, instanceID string, node *graph.Node, inbound *graph.Edge, errorType string, bindings map[string]any) Action {
	if act, ok := h.resolveRoutes(instanceID, node, node.Exceptions.Remediation, errorType, "remediation"); ok {
		return act
	}
	if act, ok := h.resolveRoutes(instanceID, node, node.Exceptions.Escalation, errorType, "escalation"); ok {
		return act
	}
	if inbound != nil {
		if act, ok := h.resolveEdge(ctx, g, instanceID, node, inbound, bindings); ok {
			return act
		}
	}
	if max := node.Action.Config.RetryCount; max > 0 {
		if act, ok := h.tryRetry(instanceID, node.ID, max, "action retry budget"); ok {
			return act
		}
	}
	return Action{Strategy: StrategyFail, Reason: fmt.Sprintf("no compensation route matches error type %q", errorType)}
}

func (h *Handler) resolveRoutes(instanceID string, node *graph.Node, routes []graph.ExceptionRoute, errorType, stage string) (Action, bool) {
	for _, route := range routes {
		if !matchRoute(route, errorType) {
			continue
		}
		reason := fmt.Sprintf("%s route %q matched error type %q", stage, route.ExceptionType, errorType)
		switch route.Strategy {
		case graph.CompensationRetry:
			if act, ok := h.tryRetry(instanceID, node.ID, route.MaxRetries, reason); ok {
				return act, true
			}
			// Budget exhausted; keep walking the chain.
		case graph.CompensationRollback:
			return Action{Strategy: StrategyRollback, TargetNodeID: route.TargetNodeID, Reason: reason}, true
		case graph.CompensationAlternate:
			if strings.TrimSpace(route.TargetNodeID) == "" {
				return Action{Strategy: StrategySkip, Reason: reason + "; ALTERNATE without target resolves to SKIP"}, true
			}
			return Action{Strategy: StrategyAlternate, TargetNodeID: route.TargetNodeID, Reason: reason}, true
		case graph.CompensationEscalate:
			return Action{Strategy: StrategyEscalate, TargetNodeID: route.TargetNodeID, Reason: reason}, true
		}
	}
	return Action{}, false
}

func (h *Handler) resolveEdge(ctx context.Context, g *graph.Graph, instanceID string, node *graph.Node, edge *graph.Edge, bindings map[string]any) (Action, bool) {
	sem := edge.Compensation
	if sem.Strategy == "" {
		return Action{}, false
	}
	if !sem.Condition.Empty() {
		if h.Expressions == nil {
			return Action{}, false
		}
		if !h.Expressions.Evaluate(ctx, sem.Condition, bindings).Truthy() {
			return Action{}, false
		}
	}
	reason := fmt.Sprintf("edge %s compensation semantics", edge.ID)
	switch sem.Strategy {
	case graph.CompensationRetry:
		return h.tryRetry(instanceID, node.ID, sem.MaxRetries, reason)
	case graph.CompensationRollback:
		return Action{Strategy: StrategyRollback, EdgeID: edge.ID, TargetNodeID: edge.From, Reason: reason}, true
	case graph.CompensationAlternate:
		if comp := g.FindEdge(sem.CompensatingEdgeID); comp != nil {
			return Action{Strategy: StrategyAlternate, EdgeID: comp.ID, TargetNodeID: comp.To, Reason: reason}, true
		}
		return Action{Strategy: StrategySkip, EdgeID: edge.ID, Reason: reason + "; ALTERNATE without a compensating edge resolves to SKIP"}, true
	case graph.CompensationEscalate:
		return Action{Strategy: StrategyEscalate, EdgeID: edge.ID, Reason: reason}, true
	}
	return Action{}, false
}

// tryRetry increments the counter and returns RETRY while under max.
func (h *Handler) tryRetry(instanceID, nodeID string, max int, reason string) (Action, bool) {
	if max <= 0 {
		return Action{}, false
	}
	h.mu.Lock()
	bucket := h.retries[instanceID]
	if bucket == nil {
		bucket = map[string]int{}
		h.retries[instanceID] = bucket
	}
	attempt := bucket[nodeID] + 1
	if attempt > max {
		h.mu.Unlock()
		return Action{}, false
	}
	bucket[nodeID] = attempt
	h.mu.Unlock()

	delay := DelayForAttempt(attempt, h.Backoff, retrySeed(instanceID, nodeID, attempt))
	return Action{
		Strategy: StrategyRetry,
		Attempt:  attempt,
		Delay:    delay,
		Reason:   fmt.Sprintf("%s; retry %d of %d", reason, attempt, max),
	}, true
}

// RetryCount returns the recorded retries for (instance, node).
func (h *Handler) RetryCount(instanceID, nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[instanceID][nodeID]
}

// ClearNode resets the counter after a successful completion.
func (h *Handler) ClearNode(instanceID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket := h.retries[instanceID]; bucket != nil {
		delete(bucket, nodeID)
	}
}

// CleanupInstance drops every counter for a terminated instance.
func (h *Handler) CleanupInstance(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.retries, instanceID)
}

// matchRoute applies the route's match mode. The default mode matches when
// the pattern equals or is contained in the actual type; "*" and "ANY"
// match everything.
func matchRoute(route graph.ExceptionRoute, errorType string) bool {
	pattern := strings.TrimSpace(route.ExceptionType)
	if pattern == "" || pattern == "*" || strings.EqualFold(pattern, "ANY") {
		return true
	}
	actual := strings.TrimSpace(errorType)
	switch route.MatchMode {
	case graph.MatchExact:
		return actual == pattern
	case graph.MatchGlob:
		ok, err := doublestar.Match(pattern, actual)
		return err == nil && ok
	default:
		return actual == pattern || strings.Contains(actual, pattern)
	}
}
