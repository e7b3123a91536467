// Package graphfile loads process graph definitions from YAML documents.
// A document is schema-validated, its version is checked against semver,
// and the result goes through the graph builder so structural validation
// diagnostics come back alongside the graph.
package graphfile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
	"github.com/openprocess/cpgraph/internal/cpg/graph"
)

// Document is the YAML shape of one graph definition.
type Document struct {
	ID          string            `yaml:"id"`
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Status      string            `yaml:"status,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	Nodes []graph.Node `yaml:"nodes"`
	Edges []graph.Edge `yaml:"edges,omitempty"`

	EntryNodes    []string                     `yaml:"entry_nodes"`
	TerminalNodes []string                     `yaml:"terminal_nodes"`
	Constraints   []graph.DependencyConstraint `yaml:"constraints,omitempty"`
}

const documentSchema = `{
  "type": "object",
  "required": ["id", "version", "nodes", "entry_nodes", "terminal_nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "status": {"enum": ["DRAFT", "PUBLISHED", "DEPRECATED", "ARCHIVED"]},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "action"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": {"enum": ["SYSTEM_INVOCATION", "HUMAN_TASK", "AGENT_ASSISTED", "DECISION", "NOTIFICATION", "WAIT"]}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "from", "to"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    },
    "entry_nodes": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "terminal_nodes": {"type": "array", "minItems": 1, "items": {"type": "string"}}
  }
}`

var compiledSchema = jsonschema.MustCompileString("graphfile.json", documentSchema)

// Load reads one YAML graph document and builds the graph. Structural
// diagnostics come from the builder; schema and version problems are
// returned as errors.
func Load(r io.Reader) (*graph.Graph, []graph.Diagnostic, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return Parse(raw)
}

// LoadFile loads a graph document from disk.
func LoadFile(path string) (*graph.Graph, []graph.Diagnostic, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(raw)
}

// Parse validates the document against the schema, checks the version is
// semver, and runs the builder.
func Parse(raw []byte) (*graph.Graph, []graph.Diagnostic, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, nil, cpgerr.Wrap(cpgerr.KindInvalidInput, err, "parse graph document")
	}
	if err := compiledSchema.Validate(normalize(generic)); err != nil {
		return nil, nil, cpgerr.Wrap(cpgerr.KindInvalidInput, err, "graph document violates schema")
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, cpgerr.Wrap(cpgerr.KindInvalidInput, err, "decode graph document")
	}
	return doc.Build()
}

// Build turns a decoded document into a graph.
func (doc Document) Build() (*graph.Graph, []graph.Diagnostic, error) {
	if _, err := semver.NewVersion(doc.Version); err != nil {
		return nil, nil, cpgerr.Wrap(cpgerr.KindInvalidInput, err, "graph %s: version %q is not semver", doc.ID, doc.Version)
	}

	b := graph.NewBuilder(doc.ID, doc.Version).
		Name(doc.Name).
		Description(doc.Description)
	if s := strings.TrimSpace(doc.Status); s != "" {
		b.WithStatus(graph.Status(s))
	}
	for k, v := range doc.Metadata {
		b.Metadata(k, v)
	}
	for _, n := range doc.Nodes {
		b.AddNode(n)
	}
	for _, e := range doc.Edges {
		b.AddEdge(e)
	}
	b.Entry(doc.EntryNodes...)
	b.Terminal(doc.TerminalNodes...)
	for _, c := range doc.Constraints {
		b.Constrain(c.Before, c.After)
	}

	g, diags := b.Build()
	return g, diags, nil
}

// LatestVersion picks the highest semver from a version list.
func LatestVersion(versions []string) (string, error) {
	if len(versions) == 0 {
		return "", cpgerr.New(cpgerr.KindInvalidInput, "no versions given")
	}
	var best *semver.Version
	bestRaw := ""
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			return "", cpgerr.Wrap(cpgerr.KindInvalidInput, err, "version %q is not semver", raw)
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	return bestRaw, nil
}

// normalize rewrites YAML maps so the JSON schema validator can walk them.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
