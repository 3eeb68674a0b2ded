package conditions

import (
	"strconv"
	"strings"
)

// Resolve walks a dotted path against a trigger context and returns the value
// at that path. Numeric segments index into arrays ("items.0.name").
// A missing segment returns found=false, never an error; that is the canonical
// "empty" signal consumed by is_empty/is_not_empty and default-to-false
// matching.
func Resolve(context map[string]any, path string) (any, bool) {
	if path == "" || context == nil {
		return nil, false
	}

	var current any = context
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			// Scalar reached before the path was consumed.
			return nil, false
		}
	}
	return current, true
}
