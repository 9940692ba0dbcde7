package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/types"
)

const maxSynthesizedSummary = 1000

// enforcementApplies reports whether a turn in phase must end with a
// termination tool.
func enforcementApplies(phase types.Phase) bool {
	return phase != types.PhaseChat && phase != types.PhaseBrainstorm
}

// compliant reports whether t is a termination the agent is allowed to end
// its turn with.
func compliant(a *types.Agent, t tools.Termination) bool {
	if t == nil {
		return false
	}
	for _, name := range tools.TerminationTools(a.IsOrchestrator) {
		if string(t.Kind()) == name {
			return true
		}
	}
	return false
}

func correctiveMessage(a *types.Agent, phase types.Phase) string {
	if a.IsOrchestrator {
		return fmt.Sprintf("You are in the %s phase and your turn has not ended. "+
			"You must now call the `%s` tool to route the conversation to the next agent, "+
			"or the `%s` tool if the work is finished. Do not reply with text only.",
			phase, tools.ToolContinue, tools.ToolEndConversation)
	}
	return fmt.Sprintf("You are in the %s phase and your turn has not ended. "+
		"You must now call the `%s` tool with a summary of what you did, so the orchestrator can decide the next step. "+
		"Do not reply with text only.",
		phase, tools.ToolComplete)
}

// synthesize builds the termination for an agent that never called one.
// Specialists hand back to the orchestrator; orchestrators end the
// conversation.
func synthesize(a *types.Agent, lastText string, attempts int, orchestrator *types.Agent) tools.Termination {
	text := strings.TrimSpace(lastText)
	if r := []rune(text); len(r) > maxSynthesizedSummary {
		text = string(r[:maxSynthesizedSummary]) + "..."
	}
	if a.IsOrchestrator {
		summary := fmt.Sprintf("[system] %s did not route the conversation after %d attempts; ending it.", a.Name, attempts)
		if text != "" {
			summary += " Last response: " + text
		}
		return tools.EndConversation{Summary: summary}
	}
	summary := fmt.Sprintf("[system] %s did not call %s after %d attempts; completing automatically.", a.Name, tools.ToolComplete, attempts)
	if text != "" {
		summary += " Last response: " + text
	}
	next := ""
	if orchestrator != nil {
		next = orchestrator.PubKey
	}
	return tools.Complete{Summary: summary, NextAgent: next}
}
