package ports

import (
	"context"
	"strings"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
)

// ActionHandlerRegistry resolves (action type, handler ref) to a bound
// handler. Keys are "TYPE" or "TYPE:ref"; the ref-qualified binding wins.
type ActionHandlerRegistry struct {
	handlers map[string]ActionHandler
}

func NewRegistry() *ActionHandlerRegistry {
	reg := &ActionHandlerRegistry{handlers: map[string]ActionHandler{}}
	reg.Register(graph.ActionWait, "", &WaitHandler{})
	reg.Register(graph.ActionDecision, "", &DecisionHandler{})
	return reg
}

func (r *ActionHandlerRegistry) Register(t graph.ActionType, handlerRef string, h ActionHandler) {
	if r.handlers == nil {
		r.handlers = map[string]ActionHandler{}
	}
	r.handlers[registryKey(t, handlerRef)] = h
}

// Resolve returns the handler bound to the action, preferring the
// ref-qualified binding over the type-wide one.
func (r *ActionHandlerRegistry) Resolve(a graph.Action) (ActionHandler, error) {
	if r != nil && r.handlers != nil {
		if h, ok := r.handlers[registryKey(a.Type, a.HandlerRef)]; ok {
			return h, nil
		}
		if h, ok := r.handlers[registryKey(a.Type, "")]; ok {
			return h, nil
		}
	}
	return nil, cpgerr.New(cpgerr.KindNotFound, "no handler bound for action %s handlerRef=%q", a.Type, a.HandlerRef)
}

// KnownBindings returns the registered keys, for diagnostics.
func (r *ActionHandlerRegistry) KnownBindings() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

func registryKey(t graph.ActionType, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return string(t)
	}
	return string(t) + ":" + ref
}

// WaitHandler parks the node until one of its subscribed events arrives. A
// wait node with no subscriptions is a pure barrier: eligibility already
// held it back, so reaching it completes it.
type WaitHandler struct{}

func (WaitHandler) Execute(_ context.Context, ac ActionContext) (ActionResult, error) {
	if len(ac.SubscribedEvents) == 0 {
		return ActionResult{Status: ActionCompleted}, nil
	}
	occurred := map[string]bool{}
	for _, t := range ac.OccurredEvents {
		occurred[t] = true
	}
	for _, t := range ac.SubscribedEvents {
		if occurred[t] {
			return ActionResult{Status: ActionCompleted, Output: map[string]any{"unblocked_by": t}}, nil
		}
	}
	return ActionResult{Status: ActionWaiting}, nil
}

// DecisionHandler is a pass-through routing point: the interesting work
// happened in guard evaluation before this node was selected.
type DecisionHandler struct{}

func (DecisionHandler) Execute(_ context.Context, ac ActionContext) (ActionResult, error) {
	return ActionResult{Status: ActionCompleted, Output: map[string]any{"decision_node": ac.NodeID}}, nil
}
