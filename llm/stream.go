package llm

import (
	"encoding/json"
	"fmt"
)

// StreamEvent is the closed set of events a provider stream can emit.
// The unexported marker method keeps the set closed to this package.
type StreamEvent interface {
	streamEvent()
}

// ContentDelta carries an incremental chunk of assistant text.
type ContentDelta struct {
	Text string
}

// ToolStart is emitted when the provider begins executing a tool call.
type ToolStart struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// ToolComplete is emitted when a tool call finishes. Payload is the
// serialized tool result.
type ToolComplete struct {
	CallID  string
	Name    string
	Payload json.RawMessage
}

// Done terminates a successful stream.
type Done struct {
	Model        string
	FinishReason string
	Usage        *Usage
}

// StreamError terminates a failed stream.
type StreamError struct {
	Err error
}

func (ContentDelta) streamEvent() {}
func (ToolStart) streamEvent()    {}
func (ToolComplete) streamEvent() {}
func (Done) streamEvent()         {}
func (StreamError) streamEvent()  {}

// Error implements error so a StreamError can be returned directly.
func (e StreamError) Error() string {
	if e.Err == nil {
		return "stream error"
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped transport error.
func (e StreamError) Unwrap() error { return e.Err }

// DescribeEvent returns a short label for logging.
func DescribeEvent(ev StreamEvent) string {
	switch e := ev.(type) {
	case ContentDelta:
		return fmt.Sprintf("content(%d)", len(e.Text))
	case ToolStart:
		return "tool_start:" + e.Name
	case ToolComplete:
		return "tool_complete:" + e.Name
	case Done:
		return "done"
	case StreamError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%T)", ev)
	}
}
