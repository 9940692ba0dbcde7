package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/routing"
	"github.com/BaSui01/convoflow/types"
)

// noticeAuthor is the orchestrator agent, else the project signer.
func (o *Orchestrator) noticeAuthor() string {
	if orc, ok := o.project.Agents.Orchestrator(); ok {
		return orc.PubKey
	}
	return o.project.SignerPubKey
}

// notify publishes a user-facing notice for err into the thread of trigger.
func (o *Orchestrator) notify(ctx context.Context, trigger *types.Event, err error, log *zap.Logger) {
	author := o.noticeAuthor()
	if author == "" {
		log.Warn("no author for error notice", zap.Error(err))
		return
	}
	o.publish(ctx, nostr.NewNotice(author, trigger, noticeText(err)), log)
}

// noticeText maps an error to the message shown to the user. Quota
// exhaustion is reported separately from other model failures.
func noticeText(err error) string {
	var (
		unknown    *routing.UnknownAgentError
		transition *conversation.InvalidTransitionError
		decision   *routing.RoutingDecisionError
	)
	switch {
	case errors.As(err, &unknown):
		return fmt.Sprintf("I could not route this message: there is no agent named %q. Available agents: %s.",
			unknown.Name, strings.Join(unknown.Valid, ", "))
	case errors.As(err, &transition):
		return fmt.Sprintf("I could not move this conversation from %s to %s.", transition.From, transition.To)
	case types.IsErrorCode(err, types.ErrQuotaExceeded):
		return "The language model quota is exhausted, so I cannot answer right now. Please try again later."
	case types.IsErrorCode(err, types.ErrTransport):
		return "Something went wrong while contacting the language model. Please try again."
	case errors.As(err, &decision):
		return "I could not decide who should handle this message. Mention an agent directly to continue."
	case types.IsErrorCode(err, types.ErrValidation):
		return "I could not route this message: " + validationMessage(err)
	}
	return "Something went wrong while handling this message."
}

func validationMessage(err error) string {
	var te *types.Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}

// toolFailureText lists the failed tool calls of a turn, one per line.
func toolFailureText(failed []tools.ExecutionResult) string {
	var b strings.Builder
	b.WriteString("Some tool calls failed during this turn:")
	for _, r := range failed {
		b.WriteString("\n- ")
		b.WriteString(r.ToolName)
		if r.Error != nil {
			fmt.Fprintf(&b, " (%s): %s", r.Error.Kind, r.Error.Message)
		}
	}
	return b.String()
}
