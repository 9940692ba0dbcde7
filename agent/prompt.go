package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/types"
)

// promptBuilder renders the message list for one turn.
type promptBuilder struct {
	project       *project.Project
	historyEvents int
}

func (b promptBuilder) build(req TurnRequest, schemas []types.ToolSchema, native bool) []types.Message {
	msgs := []types.Message{types.NewSystemMessage(b.systemPrompt(req, schemas, native))}
	msgs = append(msgs, b.history(req.Agent, req.Conversation)...)
	if note := strings.TrimSpace(req.Note); note != "" {
		msgs = append(msgs, types.NewUserMessage("[routing note] "+note))
	}
	return msgs
}

func (b promptBuilder) systemPrompt(req TurnRequest, schemas []types.ToolSchema, native bool) string {
	a := req.Agent
	phase := req.phase()

	var s strings.Builder
	fmt.Fprintf(&s, "You are %s", a.Name)
	if a.Role != "" {
		fmt.Fprintf(&s, ", %s", a.Role)
	}
	fmt.Fprintf(&s, ", working on the project %q.\n", b.project.Name())
	if a.Expertise != "" {
		fmt.Fprintf(&s, "Expertise: %s\n", a.Expertise)
	}
	if a.Instructions != "" {
		s.WriteString("\n")
		s.WriteString(strings.TrimSpace(a.Instructions))
		s.WriteString("\n")
	}

	fmt.Fprintf(&s, "\nConversation: %s\nCurrent phase: %s\n", req.Conversation.Title, phase)
	if len(req.Conversation.Metadata) > 0 {
		s.WriteString("\n")
		s.WriteString(contextSection(req.Conversation))
	}

	if a.IsOrchestrator {
		s.WriteString("\nYou coordinate these agents:\n")
		for _, other := range b.project.Agents.All() {
			if other.PubKey == a.PubKey {
				continue
			}
			fmt.Fprintf(&s, "- %s", other.Name)
			if other.Role != "" {
				fmt.Fprintf(&s, ": %s", other.Role)
			}
			s.WriteString("\n")
		}
	}

	if enforcementApplies(phase) {
		required := tools.TerminationTools(a.IsOrchestrator)
		fmt.Fprintf(&s, "\nEvery turn in this phase must end with a call to one of: %s.\n", strings.Join(required, ", "))
	}

	if !native && len(schemas) > 0 {
		s.WriteString("\nYou can use these tools:\n")
		for _, t := range schemas {
			fmt.Fprintf(&s, "- %s: %s\n  parameters: %s\n", t.Name, t.Description, string(t.Parameters))
		}
		s.WriteString("\nTo call a tool, write:\n<tool_use><name>TOOL_NAME</name><parameters>{\"key\": \"value\"}</parameters></tool_use>\n")
	}
	return strings.TrimRight(s.String(), "\n")
}

// contextSection renders the phase summaries and other metadata.
func contextSection(c *conversation.Conversation) string {
	// Summary already renders metadata in a stable order; reuse it without history.
	stub := &conversation.Conversation{Title: c.Title, Phase: c.Phase, Metadata: c.Metadata}
	out := conversation.Summary(stub, 0, nil)
	if i := strings.Index(out, "Context:\n"); i >= 0 {
		return out[i:]
	}
	return ""
}

// history maps conversation events to chat messages: the agent's own events
// become assistant messages, everyone else's become user messages prefixed
// with the author.
func (b promptBuilder) history(a *types.Agent, c *conversation.Conversation) []types.Message {
	events := c.History
	if b.historyEvents > 0 && len(events) > b.historyEvents {
		events = events[len(events)-b.historyEvents:]
	}
	msgs := make([]types.Message, 0, len(events))
	for _, ev := range events {
		content := strings.TrimSpace(ev.Content)
		if content == "" {
			continue
		}
		if ev.PubKey == a.PubKey {
			msgs = append(msgs, types.NewAssistantMessage(content))
			continue
		}
		author := "user"
		if name, ok := b.project.Agents.DisplayName(ev.PubKey); ok {
			author = name
		}
		msgs = append(msgs, types.NewUserMessage(fmt.Sprintf("[%s]: %s", author, content)))
	}
	return msgs
}
