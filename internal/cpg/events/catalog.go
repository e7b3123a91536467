package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

// CatalogEntry describes one well-known domain event type: what it means,
// what its payload must look like, and how to fabricate a realistic payload
// when a caller sends the event by type alone.
type CatalogEntry struct {
	EventType   string
	Description string
	Schema      *jsonschema.Schema
	Generate    func() map[string]any
}

type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: map[string]CatalogEntry{}}
}

// Register adds an entry. schemaJSON may be empty for schemaless events.
func (c *Catalog) Register(eventType, description, schemaJSON string, generate func() map[string]any) error {
	entry := CatalogEntry{EventType: eventType, Description: description, Generate: generate}
	if schemaJSON != "" {
		schema, err := jsonschema.CompileString(eventType+".json", schemaJSON)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		entry.Schema = schema
	}
	c.mu.Lock()
	c.entries[eventType] = entry
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Lookup(eventType string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[eventType]
	return e, ok
}

// KnownTypes lists registered event types sorted for stable output.
func (c *Catalog) KnownTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks the payload against the registered schema. Unknown
// event types pass: the catalog enumerates well-known events, it does not
// gate custom ones.
func (c *Catalog) ValidatePayload(eventType string, payload map[string]any) error {
	entry, ok := c.Lookup(eventType)
	if !ok || entry.Schema == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return cpgerr.Wrap(cpgerr.KindInvalidInput, err, "encode payload for %s", eventType)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return cpgerr.Wrap(cpgerr.KindInvalidInput, err, "decode payload for %s", eventType)
	}
	if err := entry.Schema.Validate(decoded); err != nil {
		return cpgerr.Wrap(cpgerr.KindInvalidInput, err, "payload for %s violates schema", eventType)
	}
	return nil
}

// GeneratePayload fabricates a payload for send-by-type-only callers.
func (c *Catalog) GeneratePayload(eventType string) (map[string]any, error) {
	entry, ok := c.Lookup(eventType)
	if !ok {
		return nil, cpgerr.New(cpgerr.KindNotFound, "event type %s is not in the catalog", eventType)
	}
	if entry.Generate == nil {
		return map[string]any{}, nil
	}
	return entry.Generate(), nil
}

// DefaultCatalog registers the event types the reference workflows use.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(c.Register("BackgroundCheckCompleted", "A candidate background check finished.",
		`{"type":"object","required":["passed"],"properties":{"passed":{"type":"boolean"},"provider":{"type":"string"}}}`,
		func() map[string]any { return map[string]any{"passed": true, "provider": "checkr"} }))
	must(c.Register("OfferSigned", "The candidate signed the offer document.",
		`{"type":"object","required":["signed"],"properties":{"signed":{"type":"boolean"},"signed_at":{"type":"string"}}}`,
		func() map[string]any { return map[string]any{"signed": true} }))
	must(c.Register("PaymentReceived", "A payment cleared for the order.",
		`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"},"currency":{"type":"string"}}}`,
		func() map[string]any { return map[string]any{"amount": 100.0, "currency": "USD"} }))
	must(c.Register("DocumentUploaded", "A required document was uploaded.",
		`{"type":"object","required":["document_id"],"properties":{"document_id":{"type":"string"},"kind":{"type":"string"}}}`,
		func() map[string]any { return map[string]any{"document_id": NewEventID(), "kind": "contract"} }))
	must(c.Register("ApprovalGranted", "A human approver granted the pending approval.",
		`{"type":"object","required":["approver"],"properties":{"approver":{"type":"string"},"comment":{"type":"string"}}}`,
		func() map[string]any { return map[string]any{"approver": "manager"} }))
	return c
}
