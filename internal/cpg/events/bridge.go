package events

import (
	"strings"

	"github.com/openprocess/cpgraph/internal/cpg/ports"
)

// Bridge translates low-level process events emitted by action handlers
// into orchestration events for the queue.
type Bridge struct {
	catalog *Catalog
}

func NewBridge(catalog *Catalog) *Bridge {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Bridge{catalog: catalog}
}

func (b *Bridge) Catalog() *Catalog { return b.catalog }

// Translate maps a process event to its orchestration variant. Unknown
// process event types become domain events carrying the original type.
func (b *Bridge) Translate(pe ports.ProcessEvent) OrchestrationEvent {
	switch strings.ToLower(strings.TrimSpace(pe.Type)) {
	case "node.completed", "action.completed":
		ev := NewNodeCompleted(pe.InstanceID, pe.NodeID, pe.Payload)
		ev.Timestamp = pe.Timestamp
		return ev
	case "node.failed", "action.failed":
		errorType := ""
		if v, ok := pe.Payload["error_type"].(string); ok {
			errorType = v
		}
		ev := NewNodeFailed(pe.InstanceID, pe.NodeID, errorType)
		ev.Timestamp = pe.Timestamp
		return ev
	case "timer.expired":
		ev := NewTimerExpired(pe.InstanceID, pe.NodeID)
		ev.Timestamp = pe.Timestamp
		return ev
	default:
		ev := NewDomainEvent(pe.Type, pe.InstanceID, pe.Payload)
		ev.NodeID = pe.NodeID
		ev.Timestamp = pe.Timestamp
		return ev
	}
}
