package conversation

import (
	"fmt"
	"sort"
	"strings"
)

const maxSummaryContent = 500

// Summary renders the newest maxEvents history entries, the phase and the
// metadata for routing and agent prompts. nameOf maps a pubkey to a display
// name; unknown authors are shown as "user".
func Summary(c *Conversation, maxEvents int, nameOf func(pubkey string) (string, bool)) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	fmt.Fprintf(&b, "Phase: %s\n", c.Phase)

	if len(c.Metadata) > 0 {
		keys := make([]string, 0, len(c.Metadata))
		for k := range c.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, truncate(c.Metadata[k], maxSummaryContent))
		}
	}

	history := c.History
	if maxEvents > 0 && len(history) > maxEvents {
		history = history[len(history)-maxEvents:]
	}
	if len(history) > 0 {
		b.WriteString("Recent messages:\n")
		for _, ev := range history {
			author := "user"
			if nameOf != nil {
				if name, ok := nameOf(ev.PubKey); ok {
					author = name
				}
			}
			fmt.Fprintf(&b, "[%s]: %s\n", author, truncate(strings.TrimSpace(ev.Content), maxSummaryContent))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
