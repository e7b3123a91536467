package instance

import (
	"testing"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

func TestActiveSetTracksHistory(t *testing.T) {
	in := New("g", "1", "", NewExecutionContext(nil, nil))

	if err := in.StartNodeExecution("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !in.IsActive("a") {
		t.Fatalf("a should be active after start")
	}
	if in.HasExecutedNode("a") {
		t.Fatalf("a is still IN_PROGRESS, not executed")
	}
	if err := in.CompleteNodeExecution("a", map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if in.IsActive("a") {
		t.Fatalf("a should leave the active set on completion")
	}
	if !in.HasExecutedNode("a") || !in.HasCompletedNode("a") {
		t.Fatalf("a should count as executed and completed")
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	in := New("g", "1", "", NewExecutionContext(nil, nil))
	if err := in.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if in.CompletedAt.IsZero() {
		t.Fatalf("completedAt must be set on terminal transition")
	}
	err := in.StartNodeExecution("a")
	if !cpgerr.Is(err, cpgerr.KindInvalidState) {
		t.Fatalf("mutating a COMPLETED instance: want InvalidState, got %v", err)
	}
	if err := in.Fail("late"); !cpgerr.Is(err, cpgerr.KindInvalidState) {
		t.Fatalf("fail after complete: want InvalidState, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	in := New("g", "1", "", NewExecutionContext(nil, nil))
	if err := in.Cancel(); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := in.Cancel(); err != nil {
		t.Fatalf("repeated cancel must succeed: %v", err)
	}
	if in.Status != StatusCancelled {
		t.Fatalf("status = %s", in.Status)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	in := New("g", "1", "corr-1", NewExecutionContext(nil, nil))
	if err := in.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := in.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if in.Status != StatusRunning {
		t.Fatalf("status = %s after resume", in.Status)
	}
	if err := in.Resume(); !cpgerr.Is(err, cpgerr.KindInvalidState) {
		t.Fatalf("resume of RUNNING instance: want InvalidState, got %v", err)
	}
}

func TestExecutionCountPerNode(t *testing.T) {
	in := New("g", "1", "", NewExecutionContext(nil, nil))
	for i := 0; i < 3; i++ {
		if err := in.StartNodeExecution("retry-me"); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := in.FailNodeExecution("retry-me", "transient"); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}
	if got := in.ExecutionCount("retry-me"); got != 3 {
		t.Fatalf("executionCount = %d, want 3", got)
	}
}

func TestContextSnapshotsAreIndependent(t *testing.T) {
	base := NewExecutionContext(map[string]any{"user": "u1"}, nil)
	withEvent := base.WithEvent(ReceivedEvent{EventType: "OfferSigned", EventID: "e1"})

	if base.HasEvent("OfferSigned") {
		t.Fatalf("base snapshot must not see the appended event")
	}
	if !withEvent.HasEvent("OfferSigned") {
		t.Fatalf("derived snapshot should carry the event")
	}

	withState := withEvent.WithAccumulated("n1", map[string]any{"score": 7})
	if _, ok := withEvent.AccumulatedState["n1"]; ok {
		t.Fatalf("accumulated-state write leaked into the parent snapshot")
	}
	if withState.AccumulatedState["n1"].(map[string]any)["score"] != 7 {
		t.Fatalf("accumulated output missing in derived snapshot")
	}
}

func TestRehydrateRebuildsActiveSet(t *testing.T) {
	in := New("g", "1", "", NewExecutionContext(nil, nil))
	_ = in.StartNodeExecution("a")
	_ = in.CompleteNodeExecution("a", nil)
	_ = in.StartNodeExecution("b")
	_ = in.MarkNodeWaiting("b", ExecWaiting)

	clone := &Instance{
		ID: in.ID, GraphID: in.GraphID, GraphVersion: in.GraphVersion,
		Status: in.Status, Context: in.Context,
		History: append([]NodeExecution(nil), in.History...),
	}
	Rehydrate(clone, []string{"e9"})

	if got := clone.ActiveNodeIDs(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("rehydrated active set = %v", got)
	}
	if got := clone.PendingEdgeIDs(); len(got) != 1 || got[0] != "e9" {
		t.Fatalf("rehydrated pending edges = %v", got)
	}
}
