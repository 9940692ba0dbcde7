package tools

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/convoflow/types"
)

// Source records which syntax a call was recognised from, in precedence order.
type Source int

const (
	SourceStructured Source = iota + 1
	SourceInlineJSON
	SourceFenced
	SourceCallSyntax
	SourceIntent
)

func (s Source) String() string {
	switch s {
	case SourceStructured:
		return "structured"
	case SourceInlineJSON:
		return "inline_json"
	case SourceFenced:
		return "fenced"
	case SourceCallSyntax:
		return "call_syntax"
	case SourceIntent:
		return "intent"
	default:
		return "unknown"
	}
}

// ParsedCall is a tool call recognised in model text. Start and End delimit
// the matched span in the original text.
type ParsedCall struct {
	Name      string
	Arguments json.RawMessage
	Source    Source
	Start     int
	End       int
}

// ToolCall converts the parsed call into a dispatchable call with a fresh id.
func (c ParsedCall) ToolCall() types.ToolCall {
	return types.ToolCall{ID: "call_" + uuid.NewString(), Name: c.Name, Arguments: c.Arguments}
}

var (
	toolUseBlock  = regexp.MustCompile(`(?s)<tool_use>\s*<name>\s*(.*?)\s*</name>\s*(?:<parameters>(.*?)</parameters>)?\s*</tool_use>`)
	invokeBlock   = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	paramElement  = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
	nestedElement = regexp.MustCompile(`(?s)<([A-Za-z_][\w-]*)>(.*?)</([A-Za-z_][\w-]*)>`)
	fencedBlock   = regexp.MustCompile("(?s)```[A-Za-z_]*[ \t]*\n?(.*?)```")
	functionKey   = regexp.MustCompile(`\{\s*"function"\s*:`)
	functionName  = regexp.MustCompile(`"function"\s*:\s*"([^"]+)"`)
	argumentsKey  = regexp.MustCompile(`"arguments"\s*:\s*`)
)

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithIntents replaces the natural-language fallback rules.
func WithIntents(rules ...IntentRule) ParserOption {
	return func(p *Parser) { p.intents = rules }
}

// Parser extracts tool calls from free-form model output.
//
// Recognised syntaxes, highest precedence first:
//
//  1. <tool_use><name>..</name><parameters>..</parameters></tool_use> and
//     <invoke name=".."><parameter name="k">v</parameter></invoke> blocks
//  2. inline {"function": name, "arguments": {...}} objects
//  3. the same object inside a fenced code block
//  4. name(key=value, ...) for registered tool names
//  5. natural-language intent rules, run once over the whole text
//
// Syntaxes are tried in order and each call is kept from the highest one
// that recognises it: a match inside the span of a higher syntax, or naming
// a tool a higher syntax already called, is dropped. Calls of one syntax may
// coexist, and calls of different tools in different syntaxes are all
// returned in text order. Intents run only when nothing else matched. Text
// without calls yields nil.
type Parser struct {
	known      map[string]bool
	callSyntax *regexp.Regexp
	intents    []IntentRule
}

// NewParser creates a parser. toolNames limits call syntax and intents to
// tools that exist.
func NewParser(toolNames []string, opts ...ParserOption) *Parser {
	p := &Parser{
		known:   make(map[string]bool, len(toolNames)),
		intents: DefaultIntents(),
	}
	quoted := make([]string, 0, len(toolNames))
	for _, n := range toolNames {
		if n == "" || p.known[n] {
			continue
		}
		p.known[n] = true
		quoted = append(quoted, regexp.QuoteMeta(n))
	}
	if len(quoted) > 0 {
		// longest names first so overlapping prefixes resolve to the full name
		sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
		p.callSyntax = regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\(([^()]*)\)`)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse returns the tool calls found in text.
func (p *Parser) Parse(text string) []ParsedCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tiers := []func(string) []ParsedCall{
		parseStructured,
		parseInlineJSON,
		parseFenced,
		p.parseCallSyntax,
	}
	var calls []ParsedCall
	claimed := make(map[string]bool)
	for _, tier := range tiers {
		var kept []ParsedCall
		for _, c := range tier(text) {
			if claimed[c.Name] || overlaps(calls, c) {
				continue
			}
			kept = append(kept, c)
		}
		for _, c := range kept {
			claimed[c.Name] = true
		}
		calls = append(calls, kept...)
	}
	if len(calls) > 0 {
		sortByStart(calls)
		return calls
	}
	for _, rule := range p.intents {
		call, ok := rule.Match(text)
		if !ok {
			continue
		}
		if len(p.known) > 0 && !p.known[call.Name] {
			continue
		}
		call.Source = SourceIntent
		call.Start, call.End = 0, len(text)
		return []ParsedCall{call}
	}
	return nil
}

func parseStructured(text string) []ParsedCall {
	var calls []ParsedCall
	for _, m := range toolUseBlock.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[m[2]:m[3]])
		if name == "" {
			continue
		}
		params := ""
		if m[4] >= 0 {
			params = text[m[4]:m[5]]
		}
		calls = append(calls, ParsedCall{
			Name:      name,
			Arguments: structuredArguments(params),
			Source:    SourceStructured,
			Start:     m[0],
			End:       m[1],
		})
	}
	for _, m := range invokeBlock.FindAllStringSubmatchIndex(text, -1) {
		args := make(map[string]any)
		for _, pm := range paramElement.FindAllStringSubmatch(text[m[4]:m[5]], -1) {
			args[pm[1]] = markupValue(pm[2])
		}
		raw, _ := json.Marshal(args)
		calls = append(calls, ParsedCall{
			Name:      strings.TrimSpace(text[m[2]:m[3]]),
			Arguments: raw,
			Source:    SourceStructured,
			Start:     m[0],
			End:       m[1],
		})
	}
	sortByStart(calls)
	return calls
}

// structuredArguments accepts either a JSON body or nested <key>value</key>
// elements.
func structuredArguments(params string) json.RawMessage {
	s := strings.TrimSpace(params)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(s, "{") {
		if args, ok := RecoverArguments(s); ok {
			return args
		}
	}
	args := make(map[string]any)
	for _, m := range nestedElement.FindAllStringSubmatch(s, -1) {
		if m[1] != m[3] {
			continue
		}
		args[m[1]] = markupValue(m[2])
	}
	if len(args) == 0 {
		if recovered, ok := RecoverArguments(s); ok {
			return recovered
		}
	}
	raw, _ := json.Marshal(args)
	return raw
}

func parseInlineJSON(text string) []ParsedCall {
	// fenced blocks belong to the next tier
	masked := []byte(text)
	for _, m := range fencedBlock.FindAllStringIndex(text, -1) {
		for i := m[0]; i < m[1]; i++ {
			if masked[i] != '\n' {
				masked[i] = ' '
			}
		}
	}
	return functionObjects(string(masked), 0, SourceInlineJSON)
}

func parseFenced(text string) []ParsedCall {
	var calls []ParsedCall
	for _, m := range fencedBlock.FindAllStringSubmatchIndex(text, -1) {
		body := text[m[2]:m[3]]
		for _, c := range functionObjects(body, m[2], SourceFenced) {
			c.Start, c.End = m[0], m[1]
			calls = append(calls, c)
		}
	}
	return calls
}

// functionObjects finds {"function": ..., "arguments": ...} objects in s.
// offset is added to reported positions.
func functionObjects(s string, offset int, src Source) []ParsedCall {
	var calls []ParsedCall
	pos := 0
	for pos < len(s) {
		loc := functionKey.FindStringIndex(s[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		end, complete := objectEnd(s, start)
		fragment := s[start:end]
		if call, ok := decodeFunctionObject(fragment, complete); ok {
			call.Source = src
			call.Start, call.End = offset+start, offset+end
			calls = append(calls, call)
		}
		pos = end
	}
	return calls
}

func decodeFunctionObject(fragment string, complete bool) (ParsedCall, bool) {
	if complete {
		var obj struct {
			Function  string          `json:"function"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(fragment), &obj); err == nil && obj.Function != "" {
			args, ok := RecoverArguments(string(obj.Arguments))
			if !ok {
				args = json.RawMessage(`{}`)
			}
			return ParsedCall{Name: obj.Function, Arguments: args}, true
		}
	}

	// malformed or truncated object: salvage the name and whatever arguments parse
	nm := functionName.FindStringSubmatch(fragment)
	if nm == nil {
		return ParsedCall{}, false
	}
	args := json.RawMessage(`{}`)
	if loc := argumentsKey.FindStringIndex(fragment); loc != nil {
		rest := fragment[loc[1]:]
		if strings.HasPrefix(rest, "{") {
			if e, _ := objectEnd(rest, 0); e > 0 {
				rest = rest[:e]
			}
		}
		if recovered, ok := RecoverArguments(rest); ok {
			args = recovered
		}
	}
	return ParsedCall{Name: nm[1], Arguments: args}, true
}

// objectEnd returns the index just past the object starting at s[start] and
// whether its braces balanced. String literals are skipped.
func objectEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
	return len(s), false
}

func (p *Parser) parseCallSyntax(text string) []ParsedCall {
	if p.callSyntax == nil {
		return nil
	}
	var calls []ParsedCall
	for _, m := range p.callSyntax.FindAllStringSubmatchIndex(text, -1) {
		args, ok := RecoverArguments(text[m[4]:m[5]])
		if !ok {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ParsedCall{
			Name:      text[m[2]:m[3]],
			Arguments: args,
			Source:    SourceCallSyntax,
			Start:     m[0],
			End:       m[1],
		})
	}
	return calls
}

func overlaps(calls []ParsedCall, c ParsedCall) bool {
	for _, o := range calls {
		if c.Start < o.End && o.Start < c.End {
			return true
		}
	}
	return false
}

func sortByStart(calls []ParsedCall) {
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Start < calls[j].Start })
}
