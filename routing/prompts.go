package routing

import (
	"fmt"
	"strings"

	"github.com/BaSui01/convoflow/types"
)

const decisionSystemPrompt = `You route messages in a multi-agent software conversation.
Decide which phase the conversation should be in and which agent should answer next.

Phases: chat, plan, execute, review, chores.
Prefer staying in the current phase unless the message clearly asks to move on.
Prefer a single agent. Name more than one agent only when the request needs several specialists.

Answer with a single JSON object and nothing else:
{"phase": "<phase>", "agents": ["<agent name>"], "reason": "<one sentence>", "message": "<optional note for the agent>"}`

const teamSystemPrompt = `You assemble the smallest team of agents able to handle a request.
Prefer a single agent for simple requests. The lead must also be listed in members.
Plan the conversation as ordered stages; every stage needs at least one participant from the team.

Answer with a single JSON object and nothing else:
{"team": {"lead": "<agent name>", "members": ["<agent name>"]},
 "conversationPlan": {"stages": [{"participants": ["<agent name>"], "purpose": "", "expectedOutcome": "", "transitionCriteria": "", "primarySpeaker": "<agent name>"}]},
 "reasoning": "<why this team>"}`

func agentRoster(agents []*types.Agent) string {
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s", a.Name)
		if a.Role != "" {
			fmt.Fprintf(&b, " (%s)", a.Role)
		}
		if a.Expertise != "" {
			fmt.Fprintf(&b, ": %s", a.Expertise)
		}
		if a.IsOrchestrator {
			b.WriteString(" [orchestrator]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func decisionUserPrompt(content, summary string, current types.Phase, agents []*types.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current phase: %s (may move to: %s)\n\n", current, phaseList(types.NextPhases(current)))
	b.WriteString("Available agents:\n")
	b.WriteString(agentRoster(agents))
	if summary != "" {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(summary)
		b.WriteByte('\n')
	}
	b.WriteString("\nNew message:\n")
	b.WriteString(content)
	return b.String()
}

func teamUserPrompt(request, summary string, agents []*types.Agent) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	b.WriteString(agentRoster(agents))
	if summary != "" {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(summary)
		b.WriteByte('\n')
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(request)
	return b.String()
}

// retryGuidance gets stricter with every failed attempt.
func retryGuidance(attempt int, err error) string {
	switch attempt {
	case 1:
		return fmt.Sprintf("Your previous answer could not be used: %v. Reply again with only the JSON object.", err)
	case 2:
		return fmt.Sprintf("Your previous answer could not be used: %v. Output exactly one complete JSON object. "+
			"No markdown, no code fences, no text before or after it. Close every string, array and object.", err)
	default:
		return fmt.Sprintf("Still invalid: %v. Output ONLY raw JSON starting with { and ending with }. "+
			"Use double quotes for every key and string value. Do not add comments or trailing commas.", err)
	}
}

func phaseList(phases []types.Phase) string {
	if len(phases) == 0 {
		return "none"
	}
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
