package mapping

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/graphloom-io/graphloom/internal/jsonpath"
)

// Fingerprint computes a stable structural hash of a JSON payload: the
// combination of its key paths and the coarse types of the values at them.
//
// Every leaf dot-path is enumerated with "[]" standing in for any array
// position, paired with a type tag, deduplicated, sorted, and digested with
// SHA-256 (base64-encoded). Two payloads with the same key structure and
// value types fingerprint identically regardless of key emission order or
// array contents; structural differences change the digest.
func Fingerprint(payload any) string {
	tokens := make(map[string]struct{})
	collectShapeTokens(payload, "", tokens)

	sorted := make([]string, 0, len(tokens))
	for token := range tokens {
		sorted = append(sorted, token)
	}

	sort.Strings(sorted)

	digest := sha256.Sum256([]byte(strings.Join(sorted, "")))

	return base64.StdEncoding.EncodeToString(digest[:])
}

func collectShapeTokens(value any, path string, tokens map[string]struct{}) {
	switch v := value.(type) {
	case map[string]any:
		// an empty map contributes its own token, root included, so an
		// empty object and an empty array never hash alike
		if len(v) == 0 {
			tokens[path+":object"] = struct{}{}

			return
		}

		for key, child := range v {
			collectShapeTokens(child, joinShapePath(path, key), tokens)
		}
	case []any:
		// the array contributes its own token so that retyping a scalar
		// field into a list changes the fingerprint even when empty
		tokens[path+":array"] = struct{}{}

		for _, element := range v {
			collectShapeTokens(element, joinShapePath(path, jsonpath.ArraySegment), tokens)
		}
	default:
		tokens[path+":"+shapeTypeTag(v)] = struct{}{}
	}
}

func joinShapePath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}

	return prefix + "." + segment
}

func shapeTypeTag(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case nil:
		return "null"
	default:
		return "object"
	}
}
