package parser

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type object = map[string]any

func asObject(v any) object {
	obj, _ := v.(map[string]any)
	return obj
}

// readPath walks a dotted key path ("payload.status") through nested
// objects. Arrays are not traversed.
func readPath(v any, path string) (any, bool) {
	cursor := v
	for _, segment := range strings.Split(path, ".") {
		obj := asObject(cursor)
		if obj == nil {
			return nil, false
		}
		next, ok := obj[segment]
		if !ok {
			return nil, false
		}
		cursor = next
	}
	return cursor, true
}

// pickString returns the first non-blank string found at any of paths,
// trimmed.
func pickString(v any, paths ...string) string {
	for _, p := range paths {
		raw, ok := readPath(v, p)
		if !ok {
			continue
		}
		if s, ok := raw.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// pickNumber returns the first finite number found at any of paths.
// Numeric strings are accepted.
func pickNumber(v any, paths ...string) (float64, bool) {
	for _, p := range paths {
		raw, ok := readPath(v, p)
		if !ok {
			continue
		}
		if n, ok := toNumber(raw); ok {
			return n, true
		}
	}
	return 0, false
}

func toNumber(raw any) (float64, bool) {
	var n float64
	switch x := raw.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case float64:
		n = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// pickBool returns the first boolean (or "true"/"false" string) found at
// any of paths.
func pickBool(v any, paths ...string) (bool, bool) {
	for _, p := range paths {
		raw, ok := readPath(v, p)
		if !ok {
			continue
		}
		switch x := raw.(type) {
		case bool:
			return x, true
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true":
				return true, true
			case "false":
				return false, true
			}
		}
	}
	return false, false
}

func isString(v any, path string) bool {
	raw, ok := readPath(v, path)
	if !ok {
		return false
	}
	_, ok = raw.(string)
	return ok
}
