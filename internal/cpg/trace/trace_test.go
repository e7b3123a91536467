package trace_test

import (
	"context"
	"testing"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/decide"
	"github.com/openprocess/cpgraph/internal/cpg/eval"
	"github.com/openprocess/cpgraph/internal/cpg/govern"
	"github.com/openprocess/cpgraph/internal/cpg/rtctx"
	"github.com/openprocess/cpgraph/internal/cpg/store"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

func TestTracerWritesOrderedRecords(t *testing.T) {
	repo := store.NewMemoryTraceRepository()
	tracer := trace.NewTracer(repo)
	ctx := context.Background()
	rc := rtctx.RuntimeContext{AssembledAt: time.Now().UTC()}

	if _, err := tracer.RecordWait(ctx, "inst-1", rc, decide.NavigationDecision{
		Type: decide.DecisionWait, SelectionCriteria: decide.CriteriaNoOptions,
	}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := tracer.RecordNavigation(ctx, "inst-1", rc, eval.EligibleSpace{}, decide.NavigationDecision{
		Type: decide.DecisionProceed, SelectionCriteria: decide.CriteriaSingleOption,
	}); err != nil {
		t.Fatalf("navigation: %v", err)
	}
	if _, err := tracer.RecordExecution(ctx, "inst-1", "n1", rc, govern.Result{Approved: true},
		map[string]any{"status": "COMPLETED"}); err != nil {
		t.Fatalf("execution: %v", err)
	}

	traces, err := tracer.FindByInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("findByInstance: %v", err)
	}
	if len(traces) != 3 {
		t.Fatalf("trace count = %d", len(traces))
	}
	wantTypes := []trace.Type{trace.TypeWait, trace.TypeNavigation, trace.TypeExecution}
	for i, tr := range traces {
		if tr.Type != wantTypes[i] {
			t.Fatalf("trace %d type = %s, want %s", i, tr.Type, wantTypes[i])
		}
		if tr.ID == "" {
			t.Fatalf("trace %d has no id", i)
		}
		if i > 0 && tr.Timestamp.Before(traces[i-1].Timestamp) {
			t.Fatalf("timestamps regress at %d", i)
		}
	}
}

func TestBlockedTraceCarriesGovernance(t *testing.T) {
	repo := store.NewMemoryTraceRepository()
	tracer := trace.NewTracer(repo)
	ctx := context.Background()

	gov := govern.Result{
		Authorization: govern.CheckUnauthorized,
		Reasons:       []string{"UNAUTHORIZED: principal intern lacks execute:SYSTEM_INVOCATION"},
	}
	tr, err := tracer.RecordBlocked(ctx, "inst-1", "invoke", rtctx.RuntimeContext{}, gov)
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if tr.Governance["approved"] != false {
		t.Fatalf("governance snapshot = %v", tr.Governance)
	}
	if tr.Outcome["node_id"] != "invoke" {
		t.Fatalf("outcome snapshot = %v", tr.Outcome)
	}
}

func TestDisabledTracerWritesNothing(t *testing.T) {
	repo := store.NewMemoryTraceRepository()
	tracer := trace.NewTracer(repo)
	tracer.Enabled = false

	if _, err := tracer.RecordWait(context.Background(), "inst-1", rtctx.RuntimeContext{}, decide.NavigationDecision{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	traces, err := tracer.FindByInstance(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(traces) != 0 {
		t.Fatalf("disabled tracer persisted %d traces", len(traces))
	}
}
