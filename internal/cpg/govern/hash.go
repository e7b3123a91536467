package govern

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// ContextHash produces a stable digest of the evaluation bindings: the maps
// are serialized to RFC 8785 canonical JSON and hashed with BLAKE3, so two
// semantically equal contexts always agree.
func ContextHash(bindings map[string]any) (string, error) {
	raw, err := json.Marshal(sanitize(bindings))
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize context: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyKey identifies one attempt of one node execution against one
// exact context.
func IdempotencyKey(instanceID, nodeID string, executionCount int, contextHash string) string {
	h := blake3.New()
	h.Write([]byte(instanceID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(executionCount)))
	h.Write([]byte{0})
	h.Write([]byte(contextHash))
	return hex.EncodeToString(h.Sum(nil))
}

// sanitize replaces values json.Marshal cannot encode with their string
// form, keeping map iteration irrelevant to the digest.
func sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sanitize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitize(e)
		}
		return out
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
