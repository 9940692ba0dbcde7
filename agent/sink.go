package agent

import (
	"context"

	"github.com/BaSui01/convoflow/llm"
)

// Sink receives the live output of a turn.
type Sink interface {
	// Delta is called for every streamed text chunk.
	Delta(ctx context.Context, text string)
	// ToolStarted is called when the provider starts a tool call.
	ToolStarted(ctx context.Context, call llm.ToolStart)
	// Flush publishes the buffered content of a failed turn.
	Flush(ctx context.Context, content string)
}

type nopSink struct{}

func (nopSink) Delta(context.Context, string)             {}
func (nopSink) ToolStarted(context.Context, llm.ToolStart) {}
func (nopSink) Flush(context.Context, string)             {}
