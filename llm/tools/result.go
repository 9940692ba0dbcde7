package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/convoflow/types"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	ErrorKindNotAvailable     ErrorKind = "ToolNotAvailable"
	ErrorKindExecution        ErrorKind = "ToolExecutionError"
	ErrorKindInvalidArguments ErrorKind = "InvalidArguments"
	ErrorKindTimeout          ErrorKind = "Timeout"
	ErrorKindRateLimited      ErrorKind = "RateLimited"
)

// Code maps the kind onto the shared error taxonomy.
func (k ErrorKind) Code() types.ErrorCode {
	if k == ErrorKindNotAvailable {
		return types.ErrToolNotAvailable
	}
	return types.ErrToolExecution
}

// ResultError describes why a tool call failed.
type ResultError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// TerminationKind discriminates the Termination union.
type TerminationKind string

const (
	KindContinue        TerminationKind = "continue"
	KindComplete        TerminationKind = "complete"
	KindEndConversation TerminationKind = "end_conversation"
)

// Termination is the structured payload that ends an agent turn. The set of
// implementations is closed: Continue, Complete and EndConversation.
type Termination interface {
	Kind() TerminationKind
	termination()
}

// Continue routes the conversation to other agents. Only orchestrators use it.
type Continue struct {
	Agents  []string    `json:"agents"`
	Phase   types.Phase `json:"phase,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Complete hands control back to the orchestrator.
type Complete struct {
	Summary   string `json:"summary"`
	NextAgent string `json:"next_agent,omitempty"`
}

// EndConversation finishes the conversation.
type EndConversation struct {
	Summary string `json:"summary"`
}

func (Continue) Kind() TerminationKind        { return KindContinue }
func (Complete) Kind() TerminationKind        { return KindComplete }
func (EndConversation) Kind() TerminationKind { return KindEndConversation }

func (Continue) termination()        {}
func (Complete) termination()        {}
func (EndConversation) termination() {}

// ExecutionResult is the outcome of one tool call.
type ExecutionResult struct {
	CallID      string
	ToolName    string
	Success     bool
	Output      json.RawMessage
	Error       *ResultError
	Duration    time.Duration
	Termination Termination
}

// Err returns the failure as a *types.Error, or nil on success.
func (r ExecutionResult) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return types.NewError(r.Error.Kind.Code(), r.Error.Message)
}

// Text renders the result for a tool message or an inline enhancement.
func (r ExecutionResult) Text() string {
	if !r.Success {
		if r.Error == nil {
			return "error: unknown failure"
		}
		return "error: " + r.Error.Message
	}
	if len(r.Output) == 0 {
		return "ok"
	}
	return string(r.Output)
}

func failedResult(call types.ToolCall, kind ErrorKind, msg string, d time.Duration) ExecutionResult {
	return ExecutionResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Error:    &ResultError{Kind: kind, Message: msg},
		Duration: d,
	}
}

// ====== 序列化信封 ======

// envelope is the serialized form carried in llm.ToolComplete payloads.
type envelope struct {
	CallID      string          `json:"call_id,omitempty"`
	Tool        string          `json:"tool"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ResultError    `json:"error,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	Termination *terminationDoc `json:"termination,omitempty"`
}

type terminationDoc struct {
	Type      TerminationKind `json:"type"`
	Agents    []string        `json:"agents,omitempty"`
	Phase     types.Phase     `json:"phase,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	NextAgent string          `json:"next_agent,omitempty"`
}

// MarshalResult encodes a result into the wire envelope.
func MarshalResult(r ExecutionResult) (json.RawMessage, error) {
	env := envelope{
		CallID:     r.CallID,
		Tool:       r.ToolName,
		Success:    r.Success,
		Output:     r.Output,
		Error:      r.Error,
		DurationMS: r.Duration.Milliseconds(),
	}
	switch t := r.Termination.(type) {
	case nil:
	case Continue:
		env.Termination = &terminationDoc{Type: KindContinue, Agents: t.Agents, Phase: t.Phase, Reason: t.Reason, Message: t.Message}
	case Complete:
		env.Termination = &terminationDoc{Type: KindComplete, Summary: t.Summary, NextAgent: t.NextAgent}
	case EndConversation:
		env.Termination = &terminationDoc{Type: KindEndConversation, Summary: t.Summary}
	default:
		return nil, fmt.Errorf("unknown termination type %T", t)
	}
	return json.Marshal(env)
}

// UnmarshalResult decodes and validates a wire envelope. A payload that is not
// a well-formed envelope is an error.
func UnmarshalResult(payload json.RawMessage) (ExecutionResult, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ExecutionResult{}, fmt.Errorf("decode tool payload: %w", err)
	}
	if strings.TrimSpace(env.Tool) == "" {
		return ExecutionResult{}, fmt.Errorf("tool payload missing tool name")
	}
	if !env.Success && env.Error == nil {
		return ExecutionResult{}, fmt.Errorf("tool payload for %s: failed result without error", env.Tool)
	}
	r := ExecutionResult{
		CallID:   env.CallID,
		ToolName: env.Tool,
		Success:  env.Success,
		Output:   env.Output,
		Error:    env.Error,
		Duration: time.Duration(env.DurationMS) * time.Millisecond,
	}
	if env.Termination != nil {
		term, err := env.Termination.decode()
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("tool payload for %s: %w", env.Tool, err)
		}
		r.Termination = term
	}
	return r, nil
}

func (d *terminationDoc) decode() (Termination, error) {
	switch d.Type {
	case KindContinue:
		if len(d.Agents) == 0 {
			return nil, fmt.Errorf("continue termination without agents")
		}
		if d.Phase != "" && !d.Phase.Valid() {
			return nil, fmt.Errorf("continue termination with invalid phase %q", d.Phase)
		}
		return Continue{Agents: d.Agents, Phase: d.Phase, Reason: d.Reason, Message: d.Message}, nil
	case KindComplete:
		return Complete{Summary: d.Summary, NextAgent: d.NextAgent}, nil
	case KindEndConversation:
		return EndConversation{Summary: d.Summary}, nil
	default:
		return nil, fmt.Errorf("unknown termination type %q", d.Type)
	}
}
