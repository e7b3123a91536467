// Package rtctx assembles the authoritative evaluation input for every
// orchestration decision. Assembled contexts are immutable; the derivative
// helpers return new values.
package rtctx

import (
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
)

// RuntimeContext is the snapshot every evaluator sees for one cycle.
type RuntimeContext struct {
	ClientContext      map[string]any
	DomainContext      map[string]any
	AccumulatedState   map[string]any
	OperationalSignals map[string]any
	Events             []instance.ReceivedEvent
	Obligations        []string
	AssembledAt        time.Time
	Principal          ports.Principal
}

// Assembler builds runtime contexts. Now is injectable for tests.
type Assembler struct {
	Now func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{Now: func() time.Time { return time.Now().UTC() }}
}

// Assemble copies the instance's context maps, appends operational signals,
// stamps assembledAt, and binds the principal.
func (a *Assembler) Assemble(in *instance.Instance, principal ports.Principal) RuntimeContext {
	now := a.Now()
	snap := in.Context.Clone()

	signals := snap.OperationalSignals
	signals["current_time"] = now.Format(time.RFC3339)
	signals["instance_status"] = string(in.Status)
	signals["active_node_count"] = len(in.ActiveNodeIDs())

	return RuntimeContext{
		ClientContext:      snap.ClientContext,
		DomainContext:      snap.DomainContext,
		AccumulatedState:   snap.AccumulatedState,
		OperationalSignals: signals,
		Events:             snap.Events,
		Obligations:        snap.Obligations,
		AssembledAt:        now,
		Principal:          principal,
	}
}

// AddEvent returns a copy of rc with ev appended.
func (a *Assembler) AddEvent(rc RuntimeContext, ev instance.ReceivedEvent) RuntimeContext {
	out := rc
	out.Events = append(append([]instance.ReceivedEvent(nil), rc.Events...), ev)
	return out
}

// UpdateEntityState returns a copy of rc with the node's output recorded
// under its id in accumulated state.
func (a *Assembler) UpdateEntityState(rc RuntimeContext, nodeID string, output map[string]any) RuntimeContext {
	out := rc
	state := make(map[string]any, len(rc.AccumulatedState)+1)
	for k, v := range rc.AccumulatedState {
		state[k] = v
	}
	state[nodeID] = output
	out.AccumulatedState = state
	return out
}

// Bindings flattens the context for expression evaluation. Client keys come
// first, then domain, then accumulated state and signals; later sources
// overwrite earlier ones on key collision. Reserved keys: "events",
// "state", "signals", "principal".
func (rc RuntimeContext) Bindings() map[string]any {
	out := map[string]any{}
	for k, v := range rc.ClientContext {
		out[k] = v
	}
	for k, v := range rc.DomainContext {
		out[k] = v
	}
	out["state"] = rc.AccumulatedState
	out["signals"] = rc.OperationalSignals

	events := make([]any, 0, len(rc.Events))
	for _, ev := range rc.Events {
		events = append(events, map[string]any{
			"event_type": ev.EventType,
			"event_id":   ev.EventID,
			"payload":    ev.Payload,
		})
	}
	out["events"] = events
	out["principal"] = rc.Principal.ID
	return out
}

// HasEvent reports whether an event of the given type is present.
func (rc RuntimeContext) HasEvent(eventType string) bool {
	for _, ev := range rc.Events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}
