package instance

import (
	"time"
)

// ReceivedEvent is one correlated event appended to an instance's context.
type ReceivedEvent struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ExecutionContext is an immutable snapshot of everything an instance knows.
// Mutation helpers return a new snapshot; the tracer retains references to
// old ones, so in-place writes would corrupt history.
type ExecutionContext struct {
	ClientContext      map[string]any  `json:"client_context,omitempty"`
	DomainContext      map[string]any  `json:"domain_context,omitempty"`
	AccumulatedState   map[string]any  `json:"accumulated_state,omitempty"`
	OperationalSignals map[string]any  `json:"operational_signals,omitempty"`
	Events             []ReceivedEvent `json:"events,omitempty"`
	Obligations        []string        `json:"obligations,omitempty"`
}

func NewExecutionContext(client, domain map[string]any) ExecutionContext {
	return ExecutionContext{
		ClientContext:      copyMap(client),
		DomainContext:      copyMap(domain),
		AccumulatedState:   map[string]any{},
		OperationalSignals: map[string]any{},
	}
}

// Clone returns a deep-enough copy: the four maps and both slices are fresh,
// payload maps inside events are shared (events are never mutated).
func (c ExecutionContext) Clone() ExecutionContext {
	return ExecutionContext{
		ClientContext:      copyMap(c.ClientContext),
		DomainContext:      copyMap(c.DomainContext),
		AccumulatedState:   copyMap(c.AccumulatedState),
		OperationalSignals: copyMap(c.OperationalSignals),
		Events:             append([]ReceivedEvent(nil), c.Events...),
		Obligations:        append([]string(nil), c.Obligations...),
	}
}

// WithEvent returns a copy with ev appended to the received-events sequence.
func (c ExecutionContext) WithEvent(ev ReceivedEvent) ExecutionContext {
	out := c.Clone()
	out.Events = append(out.Events, ev)
	return out
}

// WithAccumulated returns a copy with the node's output merged into
// accumulated state under the node id.
func (c ExecutionContext) WithAccumulated(nodeID string, output map[string]any) ExecutionContext {
	out := c.Clone()
	out.AccumulatedState[nodeID] = copyMap(output)
	return out
}

// WithObligation returns a copy carrying one more governance obligation.
func (c ExecutionContext) WithObligation(obligation string) ExecutionContext {
	out := c.Clone()
	out.Obligations = append(out.Obligations, obligation)
	return out
}

// HasEvent reports whether an event of the given type has been received.
func (c ExecutionContext) HasEvent(eventType string) bool {
	for _, ev := range c.Events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}

// LatestEvent returns the most recent event of the given type, or nil.
func (c ExecutionContext) LatestEvent(eventType string) *ReceivedEvent {
	for i := len(c.Events) - 1; i >= 0; i-- {
		if c.Events[i].EventType == eventType {
			ev := c.Events[i]
			return &ev
		}
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
