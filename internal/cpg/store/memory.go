// Package store ships the reference repository implementations: in-memory
// for tests and embedded deployments, SQLite for durable single-node use.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
	"github.com/openprocess/cpgraph/internal/cpg/instance"
	"github.com/openprocess/cpgraph/internal/cpg/trace"
)

type MemoryGraphRepository struct {
	mu     sync.RWMutex
	graphs map[string]*graph.Graph
}

func NewMemoryGraphRepository() *MemoryGraphRepository {
	return &MemoryGraphRepository{graphs: map[string]*graph.Graph{}}
}

func (r *MemoryGraphRepository) SaveGraph(_ context.Context, g *graph.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Key()] = g
	return nil
}

func (r *MemoryGraphRepository) FindGraph(_ context.Context, id, version string) (*graph.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id+"@"+version]
	if !ok {
		return nil, cpgerr.New(cpgerr.KindNotFound, "graph %s@%s", id, version)
	}
	return g, nil
}

func (r *MemoryGraphRepository) ListGraphs(_ context.Context) ([]*graph.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.graphs))
	for k := range r.graphs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*graph.Graph, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.graphs[k])
	}
	return out, nil
}

// MemoryInstanceRepository deep-copies on save and load so callers never
// share mutable state with the store. Saves enforce the revision check.
type MemoryInstanceRepository struct {
	mu        sync.RWMutex
	instances map[string][]byte
	revisions map[string]uint64
	pending   map[string][]string
}

func NewMemoryInstanceRepository() *MemoryInstanceRepository {
	return &MemoryInstanceRepository{
		instances: map[string][]byte{},
		revisions: map[string]uint64{},
		pending:   map[string][]string{},
	}
}

type instanceSnapshot struct {
	ID            string                     `json:"id"`
	GraphID       string                     `json:"graph_id"`
	GraphVersion  string                     `json:"graph_version"`
	CorrelationID string                     `json:"correlation_id"`
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   time.Time                  `json:"completed_at"`
	Status        instance.Status            `json:"status"`
	Context       instance.ExecutionContext  `json:"context"`
	History       []instance.NodeExecution   `json:"history"`
	Revision      uint64                     `json:"revision"`
}

func snapshotOf(in *instance.Instance) instanceSnapshot {
	return instanceSnapshot{
		ID:            in.ID,
		GraphID:       in.GraphID,
		GraphVersion:  in.GraphVersion,
		CorrelationID: in.CorrelationID,
		StartedAt:     in.StartedAt,
		CompletedAt:   in.CompletedAt,
		Status:        in.Status,
		Context:       in.Context,
		History:       in.History,
		Revision:      in.Revision,
	}
}

func restore(snap instanceSnapshot, pendingEdges []string) *instance.Instance {
	in := &instance.Instance{
		ID:            snap.ID,
		GraphID:       snap.GraphID,
		GraphVersion:  snap.GraphVersion,
		CorrelationID: snap.CorrelationID,
		StartedAt:     snap.StartedAt,
		CompletedAt:   snap.CompletedAt,
		Status:        snap.Status,
		Context:       snap.Context,
		History:       snap.History,
		Revision:      snap.Revision,
	}
	return instance.Rehydrate(in, pendingEdges)
}

func (r *MemoryInstanceRepository) SaveInstance(_ context.Context, in *instance.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.revisions[in.ID]; ok && in.Revision <= prev {
		return cpgerr.New(cpgerr.KindInvalidState, "stale write for instance %s: revision %d <= %d", in.ID, in.Revision, prev)
	}
	blob, err := json.Marshal(snapshotOf(in))
	if err != nil {
		return err
	}
	r.instances[in.ID] = blob
	r.revisions[in.ID] = in.Revision
	r.pending[in.ID] = append([]string(nil), in.PendingEdgeIDs()...)
	return nil
}

func (r *MemoryInstanceRepository) FindInstance(_ context.Context, id string) (*instance.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blob, ok := r.instances[id]
	if !ok {
		return nil, cpgerr.New(cpgerr.KindNotFound, "instance %s", id)
	}
	var snap instanceSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	return restore(snap, r.pending[id]), nil
}

func (r *MemoryInstanceRepository) ListInstances(_ context.Context, status instance.Status) ([]*instance.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*instance.Instance
	for _, id := range ids {
		var snap instanceSnapshot
		if err := json.Unmarshal(r.instances[id], &snap); err != nil {
			return nil, err
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, restore(snap, r.pending[id]))
	}
	return out, nil
}

// MemoryTraceRepository keeps the append-only trace log with a per-instance
// index.
type MemoryTraceRepository struct {
	mu         sync.RWMutex
	traces     []trace.Trace
	byID       map[string]int
	byInstance map[string][]int
}

func NewMemoryTraceRepository() *MemoryTraceRepository {
	return &MemoryTraceRepository{
		byID:       map[string]int{},
		byInstance: map[string][]int{},
	}
}

func (r *MemoryTraceRepository) Append(_ context.Context, tr trace.Trace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.traces)
	r.traces = append(r.traces, tr)
	r.byID[tr.ID] = idx
	r.byInstance[tr.InstanceID] = append(r.byInstance[tr.InstanceID], idx)
	return nil
}

func (r *MemoryTraceRepository) FindByID(_ context.Context, id string) (*trace.Trace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return nil, cpgerr.New(cpgerr.KindNotFound, "trace %s", id)
	}
	tr := r.traces[idx]
	return &tr, nil
}

func (r *MemoryTraceRepository) FindByInstance(_ context.Context, instanceID string) ([]trace.Trace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []trace.Trace
	for _, idx := range r.byInstance[instanceID] {
		if r.traces[idx].ID != "" {
			out = append(out, r.traces[idx])
		}
	}
	return out, nil
}

func (r *MemoryTraceRepository) FindByType(_ context.Context, t trace.Type) ([]trace.Trace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []trace.Trace
	for _, tr := range r.traces {
		if tr.ID != "" && tr.Type == t {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (r *MemoryTraceRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.traces {
		if r.traces[i].ID != "" && r.traces[i].Timestamp.Before(cutoff) {
			delete(r.byID, r.traces[i].ID)
			r.traces[i] = trace.Trace{}
			n++
		}
	}
	return n, nil
}
