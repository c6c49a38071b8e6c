package llm

import "encoding/json"

// ExtractFirstJSONObject returns the first balanced {...} block in text that
// decodes as a JSON object. Braces inside string literals are ignored, so
// prose, code fences or trailing commentary around the object are tolerated.
func ExtractFirstJSONObject(text string) (map[string]any, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end, ok := matchObject(text, start)
		if !ok {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[start:end]), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// matchObject returns the index just past the brace closing the one at start.
func matchObject(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
