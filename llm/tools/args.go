package tools

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// kvPattern matches key:value or key=value pairs with optionally quoted keys
// and values.
var kvPattern = regexp.MustCompile(`["']?([A-Za-z_][\w-]*)["']?\s*[:=]\s*("(?:[^"\\]|\\.)*"|'[^']*'|[^,}\n]+)`)

// RecoverArguments turns an argument fragment into a JSON object. It tries a
// direct parse first and falls back to permissive key:value extraction.
// ok is false when nothing could be recovered.
func RecoverArguments(fragment string) (json.RawMessage, bool) {
	s := strings.TrimSpace(fragment)
	if s == "" || s == "null" {
		return json.RawMessage(`{}`), true
	}
	if json.Valid([]byte(s)) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return json.RawMessage(s), true
		}
		// a JSON string holding an object, as some models emit
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return RecoverArguments(inner)
		}
	}

	matches := kvPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, false
	}
	obj := make(map[string]any, len(matches))
	for _, m := range matches {
		obj[m[1]] = scalarValue(m[2])
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

// scalarValue interprets a loosely-written value.
func scalarValue(raw string) any {
	v := strings.TrimSpace(raw)
	switch {
	case len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"':
		if s, err := strconv.Unquote(v); err == nil {
			return s
		}
		return v[1 : len(v)-1]
	case len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1]
	case v == "true":
		return true
	case v == "false":
		return false
	case v == "null":
		return nil
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return strings.Trim(v, " \t\"'")
}

// markupValue decodes a value found between XML-ish tags: JSON literals keep
// their type, anything else is a string.
func markupValue(raw string) any {
	v := strings.TrimSpace(raw)
	var out any
	if v != "" && json.Unmarshal([]byte(v), &out) == nil {
		return out
	}
	return v
}
