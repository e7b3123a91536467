package rtctx

import (
	"testing"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/ports"
)

func fixedAssembler(t time.Time) *Assembler {
	return &Assembler{Now: func() time.Time { return t }}
}

func TestAssembleCopiesInstanceContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := instance.New("g", "1", "", instance.NewExecutionContext(
		map[string]any{"offer": map[string]any{"signed": true}}, nil))

	rc := fixedAssembler(now).Assemble(in, ports.Principal{ID: "p1"})
	if !rc.AssembledAt.Equal(now) {
		t.Fatalf("assembledAt = %v", rc.AssembledAt)
	}
	if rc.Principal.ID != "p1" {
		t.Fatalf("principal not bound")
	}
	if rc.OperationalSignals["instance_status"] != "RUNNING" {
		t.Fatalf("signals = %v", rc.OperationalSignals)
	}

	// Writing into the assembled maps must not touch the instance.
	rc.ClientContext["offer"] = nil
	if in.Context.ClientContext["offer"] == nil {
		t.Fatalf("assembled context aliases the instance context")
	}
}

func TestBindingsFlattening(t *testing.T) {
	rc := RuntimeContext{
		ClientContext: map[string]any{"offer": map[string]any{"signed": true}},
		DomainContext: map[string]any{"region": "emea"},
		AccumulatedState: map[string]any{
			"score-node": map[string]any{"score": 9},
		},
		Principal: ports.Principal{ID: "u1"},
	}
	b := rc.Bindings()
	if b["offer"].(map[string]any)["signed"] != true {
		t.Fatalf("client key missing: %v", b)
	}
	if b["region"] != "emea" {
		t.Fatalf("domain key missing")
	}
	if b["state"].(map[string]any)["score-node"] == nil {
		t.Fatalf("accumulated state missing")
	}
	if b["principal"] != "u1" {
		t.Fatalf("principal binding missing")
	}
}

func TestDerivativesArePure(t *testing.T) {
	a := NewAssembler()
	base := RuntimeContext{AccumulatedState: map[string]any{}}

	withEvent := a.AddEvent(base, instance.ReceivedEvent{EventType: "BackgroundCheckCompleted"})
	if len(base.Events) != 0 {
		t.Fatalf("addEvent mutated the parent")
	}
	if !withEvent.HasEvent("BackgroundCheckCompleted") {
		t.Fatalf("event missing in derivative")
	}

	withState := a.UpdateEntityState(withEvent, "n1", map[string]any{"ok": true})
	if len(withEvent.AccumulatedState) != 0 {
		t.Fatalf("updateEntityState mutated the parent")
	}
	if withState.AccumulatedState["n1"] == nil {
		t.Fatalf("entity state missing in derivative")
	}
}
