package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

func runningInstance(t *testing.T) *instance.Instance {
	t.Helper()
	in := instance.New("g", "1.0.0", "corr-1", instance.NewExecutionContext(
		map[string]any{"offer": map[string]any{"signed": true}}, nil))
	require.NoError(t, in.StartNodeExecution("a"))
	require.NoError(t, in.CompleteNodeExecution("a", map[string]any{"ok": true}))
	require.NoError(t, in.StartNodeExecution("b"))
	require.NoError(t, in.MarkNodeWaiting("b", instance.ExecWaiting))
	require.NoError(t, in.ActivatePendingEdge("ab"))
	return in
}

type instanceRepo interface {
	SaveInstance(ctx context.Context, in *instance.Instance) error
	FindInstance(ctx context.Context, id string) (*instance.Instance, error)
	ListInstances(ctx context.Context, status instance.Status) ([]*instance.Instance, error)
}

func testInstanceRoundTrip(t *testing.T, repo instanceRepo) {
	ctx := context.Background()
	in := runningInstance(t)
	require.NoError(t, repo.SaveInstance(ctx, in))

	loaded, err := repo.FindInstance(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, loaded.ID)
	assert.Equal(t, in.Status, loaded.Status)
	assert.Equal(t, in.Revision, loaded.Revision)
	assert.Equal(t, []string{"b"}, loaded.ActiveNodeIDs())
	assert.Equal(t, []string{"ab"}, loaded.PendingEdgeIDs())
	assert.Len(t, loaded.History, 2)
	assert.True(t, loaded.HasCompletedNode("a"))

	// Stale write is rejected.
	stale := runningInstance(t)
	stale.ID = in.ID
	stale.Revision = in.Revision
	err = repo.SaveInstance(ctx, stale)
	assert.True(t, cpgerr.Is(err, cpgerr.KindInvalidState), "stale save: %v", err)

	// Status filter.
	running, err := repo.ListInstances(ctx, instance.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	completed, err := repo.ListInstances(ctx, instance.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, completed)

	_, err = repo.FindInstance(ctx, "missing")
	assert.True(t, cpgerr.Is(err, cpgerr.KindNotFound))
}

func TestMemoryInstanceRepository(t *testing.T) {
	testInstanceRoundTrip(t, NewMemoryInstanceRepository())
}

func TestSQLiteInstanceRepository(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo, err := NewSQLiteInstanceRepository(db)
	require.NoError(t, err)
	testInstanceRoundTrip(t, repo)
}

func sampleTrace(instanceID string, typ trace.Type, at time.Time) trace.Trace {
	return trace.Trace{
		ID:         trace.NewID(),
		Timestamp:  at,
		InstanceID: instanceID,
		Type:       typ,
		Decision:   map[string]any{"type": "PROCEED"},
	}
}

func testTraceRepo(t *testing.T, repo trace.Repository) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := sampleTrace("inst-1", trace.TypeExecution, base)
	second := sampleTrace("inst-1", trace.TypeNavigation, base.Add(time.Second))
	other := sampleTrace("inst-2", trace.TypeWait, base.Add(2*time.Second))
	for _, tr := range []trace.Trace{first, second, other} {
		require.NoError(t, repo.Append(ctx, tr))
	}

	got, err := repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, trace.TypeExecution, got.Type)

	byInstance, err := repo.FindByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, byInstance, 2)
	assert.Equal(t, first.ID, byInstance[0].ID, "insertion order preserved")
	assert.Equal(t, second.ID, byInstance[1].ID)

	waits, err := repo.FindByType(ctx, trace.TypeWait)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, "inst-2", waits[0].InstanceID)

	n, err := repo.DeleteOlderThan(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.FindByID(ctx, first.ID)
	assert.Error(t, err)
	remaining, err := repo.FindByInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestMemoryTraceRepository(t *testing.T) {
	testTraceRepo(t, NewMemoryTraceRepository())
}

func TestSQLiteTraceRepository(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo, err := NewSQLiteTraceRepository(db)
	require.NoError(t, err)
	testTraceRepo(t, repo)
}

func TestMemoryGraphRepository(t *testing.T) {
	repo := NewMemoryGraphRepository()
	ctx := context.Background()

	_, err := repo.FindGraph(ctx, "g", "1")
	assert.True(t, cpgerr.Is(err, cpgerr.KindNotFound))

	g, diags := graph.NewBuilder("g", "1").
		AddNode(graph.Node{ID: "a", Action: graph.Action{Type: graph.ActionWait}}).
		Entry("a").
		Build()
	require.False(t, graph.Invalid(diags), "diagnostics: %v", diags)
	require.NoError(t, repo.SaveGraph(ctx, g))

	found, err := repo.FindGraph(ctx, "g", "1")
	require.NoError(t, err)
	assert.Same(t, g, found)

	all, err := repo.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
