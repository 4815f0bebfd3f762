package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lookup resolves a dotted path against the variable bag. Each segment is
// matched exactly first, then case-insensitively. Containers are maps or
// decoded JSON trees; other structured values are normalised through one JSON
// round trip so nested fields stay addressable without reflection.
func Lookup(path string, vars map[string]any) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var current any = vars
	for _, segment := range strings.Split(path, ".") {
		next, ok := fieldValue(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func fieldValue(container any, name string) (any, bool) {
	switch m := container.(type) {
	case map[string]any:
		if v, ok := m[name]; ok {
			return v, true
		}
		for k, v := range m {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return nil, false
	case map[string]string:
		if v, ok := m[name]; ok {
			return v, true
		}
		for k, v := range m {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return nil, false
	case string:
		// a serialized object stored as a string still supports path access
		var decoded map[string]any
		if err := json.Unmarshal([]byte(m), &decoded); err != nil {
			return nil, false
		}
		return fieldValue(decoded, name)
	case nil:
		return nil, false
	default:
		b, err := json.Marshal(container)
		if err != nil {
			return nil, false
		}
		var decoded map[string]any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, false
		}
		return fieldValue(decoded, name)
	}
}

// ToNumber attempts a numeric reading of a value.
func ToNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FormatValue renders a value for template substitution. Structured values
// render as JSON, numbers without a trailing exponent or spurious decimals.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Truthy maps a value to a boolean: non-nil, non-zero, non-empty and not the
// literal string "false".
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "false") || s == "0" {
			return false
		}
		return true
	default:
		if n, ok := ToNumber(v); ok {
			return n != 0
		}
		return true
	}
}
