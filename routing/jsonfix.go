package routing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)(?:```|$)")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyPattern       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	lineCommentPattern   = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// extractJSON isolates the JSON object in a model response: fenced block
// first, then the span from the first '{' to the last '}', or to the end of
// input when the object was truncated.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil && strings.Contains(m[1], "{") {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	// Keep the tail when braces are unbalanced, the object may be cut off.
	if strings.Count(s[start:end+1], "{") > strings.Count(s[start:end+1], "}") {
		return s[start:]
	}
	return s[start : end+1]
}

// RepairJSON applies deterministic repairs in order and returns the first
// candidate that parses. The strategy names are returned for logging.
func RepairJSON(raw string) (string, []string, error) {
	if json.Valid([]byte(raw)) {
		return raw, nil, nil
	}
	var applied []string
	s := raw

	if lineCommentPattern.MatchString(s) {
		s = lineCommentPattern.ReplaceAllString(s, "")
		applied = append(applied, "comments")
	}
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
		applied = append(applied, "single_quotes")
	}
	if fixed := bareKeyPattern.ReplaceAllString(s, `$1"$2"$3`); fixed != s {
		s = fixed
		applied = append(applied, "key_quotes")
	}
	if completed := completeJSON(s); completed != s {
		s = completed
		applied = append(applied, "completion")
	}
	if fixed := trailingCommaPattern.ReplaceAllString(s, "$1"); fixed != s {
		s = fixed
		applied = append(applied, "trailing_commas")
	}
	if json.Valid([]byte(s)) {
		return s, applied, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil && json.Valid([]byte(repaired)) {
		return repaired, append(applied, "jsonrepair"), nil
	}
	return s, applied, fmt.Errorf("JSON repair failed after %d strategies", len(applied))
}

// completeJSON closes an unterminated string and any open brackets, last
// opened first. A dangling key or separator at the cut is dropped.
func completeJSON(s string) string {
	var (
		stack   []byte
		inStr   bool
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inStr && len(stack) == 0 {
		return s
	}
	out := strings.TrimRight(s, " \t\r\n")
	if inStr {
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// decodeResponse extracts, repairs and unmarshals a model response into v.
func decodeResponse(raw string, v any) (repaired bool, err error) {
	candidate := extractJSON(raw)
	if !strings.Contains(candidate, "{") {
		return false, formatErrorf("response contains no JSON object")
	}
	fixed, strategies, err := RepairJSON(candidate)
	if err != nil {
		return len(strategies) > 0, formatErrorf("response is not valid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return len(strategies) > 0, formatErrorf("response does not match the expected shape: %v", err)
	}
	return len(strategies) > 0, nil
}
