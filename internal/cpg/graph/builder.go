package graph

import (
	"strings"
)

// Builder assembles an immutable Graph. Build runs validation and returns
// the diagnostics alongside the graph; callers decide whether warnings are
// acceptable.
type Builder struct {
	id          string
	version     string
	name        string
	description string
	status      Status
	nodes       []*Node
	edges       []*Edge
	entries     []string
	terminals   []string
	constraints []DependencyConstraint
	metadata    map[string]string
}

func NewBuilder(id, version string) *Builder {
	return &Builder{
		id:       strings.TrimSpace(id),
		version:  strings.TrimSpace(version),
		status:   StatusDraft,
		metadata: map[string]string{},
	}
}

func (b *Builder) Name(name string) *Builder               { b.name = name; return b }
func (b *Builder) Description(desc string) *Builder        { b.description = desc; return b }
func (b *Builder) WithStatus(s Status) *Builder            { b.status = s; return b }
func (b *Builder) Metadata(key, value string) *Builder     { b.metadata[key] = value; return b }

func (b *Builder) AddNode(n Node) *Builder {
	n.ID = strings.TrimSpace(n.ID)
	b.nodes = append(b.nodes, &n)
	return b
}

func (b *Builder) AddEdge(e Edge) *Builder {
	e.ID = strings.TrimSpace(e.ID)
	e.From = strings.TrimSpace(e.From)
	e.To = strings.TrimSpace(e.To)
	if e.Semantics.Type == "" {
		e.Semantics.Type = EdgeSequential
	}
	b.edges = append(b.edges, &e)
	return b
}

func (b *Builder) Entry(nodeIDs ...string) *Builder {
	for _, id := range nodeIDs {
		if id = strings.TrimSpace(id); id != "" {
			b.entries = append(b.entries, id)
		}
	}
	return b
}

func (b *Builder) Terminal(nodeIDs ...string) *Builder {
	for _, id := range nodeIDs {
		if id = strings.TrimSpace(id); id != "" {
			b.terminals = append(b.terminals, id)
		}
	}
	return b
}

// Constrain records that before must execute ahead of after.
func (b *Builder) Constrain(before, after string) *Builder {
	b.constraints = append(b.constraints, DependencyConstraint{
		Before: strings.TrimSpace(before),
		After:  strings.TrimSpace(after),
	})
	return b
}

// Build constructs the graph, builds its read-only indices, and validates.
// The returned graph is usable even when diagnostics contain errors; callers
// that require a valid graph should check with Invalid.
func (b *Builder) Build() (*Graph, []Diagnostic) {
	g := &Graph{
		ID:          b.id,
		Version:     b.version,
		Name:        b.name,
		Description: b.description,
		Status:      b.status,
		nodes:       b.nodes,
		edges:       b.edges,
		entryIDs:    append([]string(nil), b.entries...),
		terminalIDs: append([]string(nil), b.terminals...),
		constraints: append([]DependencyConstraint(nil), b.constraints...),
		metadata:    b.metadata,
	}
	g.buildIndices()
	return g, g.Validate()
}
