package tools

import (
	"fmt"
	"strings"

	"github.com/BaSui01/convoflow/types"
)

// Enhance returns text with every parsed call replaced by its result. Calls
// that span the whole text (intent matches) get the result appended instead.
// results[i] belongs to calls[i].
func Enhance(text string, calls []ParsedCall, results []ExecutionResult) string {
	if len(calls) == 0 || len(calls) != len(results) {
		return text
	}
	var b strings.Builder
	var trailing []string
	last := 0
	for i, c := range calls {
		block := formatResult(results[i])
		if c.Source == SourceIntent || c.Start < last || c.End > len(text) {
			trailing = append(trailing, block)
			continue
		}
		b.WriteString(text[last:c.Start])
		b.WriteString(block)
		last = c.End
	}
	b.WriteString(text[last:])
	for _, t := range trailing {
		b.WriteString("\n\n")
		b.WriteString(t)
	}
	return b.String()
}

func formatResult(r ExecutionResult) string {
	return fmt.Sprintf("[%s] %s", r.ToolName, r.Text())
}

// ToolMessages renders results as tool messages for the next model call.
func ToolMessages(results []ExecutionResult) []types.Message {
	msgs := make([]types.Message, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, types.NewToolMessage(r.CallID, r.ToolName, r.Text()))
	}
	return msgs
}
