// Package events defines the orchestration event variants, the domain
// event catalog, and the bridge that turns low-level process events into
// queue entries.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDataChange    Kind = "DATA_CHANGE"
	KindApproval      Kind = "APPROVAL"
	KindFailure       Kind = "FAILURE"
	KindTimerExpired  Kind = "TIMER_EXPIRED"
	KindPolicyUpdate  Kind = "POLICY_UPDATE"
	KindNodeCompleted Kind = "NODE_COMPLETED"
	KindNodeFailed    Kind = "NODE_FAILED"
	KindDomainEvent   Kind = "DOMAIN_EVENT"
)

// OrchestrationEvent is one entry in the process orchestrator's queue.
// CorrelationID matches an instance id or an instance's correlation id; a
// DomainEvent with neither set broadcasts to all RUNNING instances,
// narrowed by GraphID when present.
type OrchestrationEvent struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	EventType     string         `json:"event_type,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	GraphID       string         `json:"graph_id,omitempty"`
	InstanceID    string         `json:"instance_id,omitempty"`
	NodeID        string         `json:"node_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func NewEventID() string { return uuid.NewString() }

func NewDomainEvent(eventType, correlationID string, payload map[string]any) OrchestrationEvent {
	return OrchestrationEvent{
		ID:            NewEventID(),
		Kind:          KindDomainEvent,
		EventType:     eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

func NewNodeCompleted(instanceID, nodeID string, output map[string]any) OrchestrationEvent {
	return OrchestrationEvent{
		ID:         NewEventID(),
		Kind:       KindNodeCompleted,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Timestamp:  time.Now().UTC(),
		Payload:    output,
	}
}

func NewNodeFailed(instanceID, nodeID, errorType string) OrchestrationEvent {
	return OrchestrationEvent{
		ID:         NewEventID(),
		Kind:       KindNodeFailed,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Timestamp:  time.Now().UTC(),
		Payload:    map[string]any{"error_type": errorType},
	}
}

func NewTimerExpired(instanceID, nodeID string) OrchestrationEvent {
	return OrchestrationEvent{
		ID:         NewEventID(),
		Kind:       KindTimerExpired,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Timestamp:  time.Now().UTC(),
	}
}

// Broadcast reports whether the event carries no correlation at all.
func (ev OrchestrationEvent) Broadcast() bool {
	return ev.Kind == KindDomainEvent && ev.CorrelationID == "" && ev.InstanceID == ""
}
