package agent

import (
	"time"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/types"
)

// TurnRequest describes one agent turn.
type TurnRequest struct {
	Agent        *types.Agent
	Conversation *conversation.Conversation
	// Phase overrides the conversation phase, e.g. when routing has just
	// decided a transition.
	Phase types.Phase
	// Note is the routing message addressed to the agent, if any.
	Note string
	Sink Sink
}

func (r TurnRequest) phase() types.Phase {
	if r.Phase != "" {
		return r.Phase
	}
	return r.Conversation.Phase
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Content     string
	ToolResults []tools.ExecutionResult
	// Termination is nil only for chat and brainstorm turns that did not
	// call a termination tool.
	Termination tools.Termination
	Usage       types.TokenUsage
	Model       string
	Attempts    int
	// Synthesized is set when the termination was produced by the runner
	// after the attempts ran out.
	Synthesized bool
	Duration    time.Duration
}

// FailedTools returns the results of failed tool calls.
func (r *TurnResult) FailedTools() []tools.ExecutionResult {
	var out []tools.ExecutionResult
	for _, res := range r.ToolResults {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}
