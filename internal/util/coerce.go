package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoerceBool interprets loose payload values as booleans.
// Strings are true only for 1/true/yes/y/on (case-insensitive), numbers when non-zero,
// native booleans as-is. Everything else is false.
func CoerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true
		}
		return false
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float32:
		return t != 0 && !math.IsNaN(float64(t))
	case float64:
		return t != 0 && !math.IsNaN(t)
	}
	return false
}

// CoerceInt converts v to an int, falling back to def on any parse failure.
func CoerceInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float32:
		return CoerceInt(float64(t), def)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return def
		}
		return int(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int(f)
		}
	}
	return def
}

// CoerceFloat converts v to a float64, falling back to def on any parse failure.
func CoerceFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) {
			return def
		}
		return t
	case float32:
		return CoerceFloat(float64(t), def)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil && !math.IsNaN(f) {
			return f
		}
	}
	return def
}

// CoerceString renders scalars as trimmed strings. nil and composite values yield "".
func CoerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool, int, int32, int64:
		return fmt.Sprint(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return ""
}

// CoerceStringSlice accepts []string, []any or a single string and returns the
// non-empty trimmed entries.
func CoerceStringSlice(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			if s := CoerceString(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// CoerceMap returns v as a map when it is one, or an empty map otherwise.
func CoerceMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && m != nil {
		return m
	}
	return map[string]any{}
}
