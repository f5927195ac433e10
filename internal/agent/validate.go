package agent

import (
	"encoding/json"
	"strings"
)

// IsStructurallyValid applies the stage-agnostic shape check to a raw agent
// response. Invalid: null, empty or whitespace-only bodies, the literal
// "{}", empty objects/arrays, and objects whose every value is itself
// null or empty. It never inspects domain semantics.
func IsStructurallyValid(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]" {
		return false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return nonEmptyValue(v)
}

func nonEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case map[string]any:
		for _, inner := range val {
			if nonEmptyValue(inner) {
				return true
			}
		}
		return false
	case []any:
		for _, inner := range val {
			if nonEmptyValue(inner) {
				return true
			}
		}
		return false
	default:
		// Numbers and booleans carry information even when zero-valued.
		return true
	}
}
