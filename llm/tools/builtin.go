package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BaSui01/convoflow/types"
)

// Built-in tool names.
const (
	ToolContinue        = "continue"
	ToolComplete        = "complete"
	ToolEndConversation = "end_conversation"
	TimeToolName        = "get_current_time"
)

// TerminationTools lists the tools an agent may use to end a turn.
func TerminationTools(isOrchestrator bool) []string {
	if isOrchestrator {
		return []string{ToolContinue, ToolEndConversation}
	}
	return []string{ToolComplete}
}

// IsTerminationTool reports whether name is one of the turn-ending tools.
func IsTerminationTool(name string) bool {
	return name == ToolContinue || name == ToolComplete || name == ToolEndConversation
}

// RegisterBuiltins registers the termination tools and the time lookup.
func RegisterBuiltins(r *DefaultRegistry) error {
	return RegisterBuiltinsWith(r, ToolMetadata{Timeout: 5 * time.Second})
}

// RegisterBuiltinsWith registers the builtins, applying meta to the
// non-terminating ones. Termination tools are never rate limited.
func RegisterBuiltinsWith(r *DefaultRegistry, meta ToolMetadata) error {
	for _, t := range []Tool{continueTool{}, completeTool{}, endConversationTool{}} {
		if err := r.Register(t, ToolMetadata{Timeout: 5 * time.Second}); err != nil {
			return err
		}
	}
	return r.Register(TimeTool{Now: time.Now}, meta)
}

func objectSchema(props string, required ...string) json.RawMessage {
	if required == nil {
		required = []string{}
	}
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":%s}`, props, req))
}

// ====== continue ======

type continueTool struct{}

func (continueTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        ToolContinue,
		Description: "Route the conversation to one or more agents, optionally moving it to another phase.",
		Parameters: objectSchema(`"agents":{"type":"array","items":{"type":"string"}},`+
			`"phase":{"type":"string","enum":["chat","plan","execute","review","chores"]},`+
			`"reason":{"type":"string"},"message":{"type":"string"}`, "agents"),
	}
}

func (continueTool) Run(_ context.Context, args json.RawMessage, _ ToolContext) (Output, error) {
	var in struct {
		Agents  json.RawMessage `json:"agents"`
		Phase   string          `json:"phase"`
		Reason  string          `json:"reason"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, fmt.Errorf("decode continue arguments: %w", err)
	}
	agents := stringList(in.Agents)
	if len(agents) == 0 {
		return Output{}, fmt.Errorf("continue requires at least one agent")
	}
	term := Continue{Agents: agents, Reason: in.Reason, Message: in.Message}
	if in.Phase != "" {
		p, err := types.ParsePhase(in.Phase)
		if err != nil {
			return Output{}, err
		}
		term.Phase = p
	}
	data, _ := json.Marshal(map[string]any{"routed_to": agents, "phase": term.Phase})
	return Output{Data: data, Termination: term}, nil
}

// stringList accepts either a JSON array of strings or a single
// comma-separated string.
func stringList(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil
		}
		list = strings.Split(one, ",")
	}
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ====== complete ======

type completeTool struct{}

func (completeTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        ToolComplete,
		Description: "Finish your part of the work and hand control back to the orchestrator with a summary.",
		Parameters:  objectSchema(`"summary":{"type":"string"},"next_agent":{"type":"string"}`, "summary"),
	}
}

func (completeTool) Run(_ context.Context, args json.RawMessage, _ ToolContext) (Output, error) {
	var in struct {
		Summary   string `json:"summary"`
		NextAgent string `json:"next_agent"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, fmt.Errorf("decode complete arguments: %w", err)
	}
	if strings.TrimSpace(in.Summary) == "" {
		return Output{}, fmt.Errorf("complete requires a summary")
	}
	data, _ := json.Marshal(map[string]string{"status": "completed"})
	return Output{Data: data, Termination: Complete{Summary: in.Summary, NextAgent: in.NextAgent}}, nil
}

// ====== end_conversation ======

type endConversationTool struct{}

func (endConversationTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        ToolEndConversation,
		Description: "End the conversation with a final summary for the user.",
		Parameters:  objectSchema(`"summary":{"type":"string"}`, "summary"),
	}
}

func (endConversationTool) Run(_ context.Context, args json.RawMessage, _ ToolContext) (Output, error) {
	var in struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, fmt.Errorf("decode end_conversation arguments: %w", err)
	}
	data, _ := json.Marshal(map[string]string{"status": "ended"})
	return Output{Data: data, Termination: EndConversation{Summary: in.Summary}}, nil
}

// ====== get_current_time ======

// TimeTool reports the current time in a zone.
type TimeTool struct {
	Now func() time.Time
}

func (TimeTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        TimeToolName,
		Description: "Get the current time, optionally in an IANA time zone or city.",
		Parameters:  objectSchema(`"timezone":{"type":"string"}`),
	}
}

func (t TimeTool) Run(_ context.Context, args json.RawMessage, _ ToolContext) (Output, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return Output{}, fmt.Errorf("decode get_current_time arguments: %w", err)
		}
	}
	zone := "UTC"
	if in.Timezone != "" {
		zone = NormalizeZone(in.Timezone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Output{}, fmt.Errorf("unknown timezone %q: %w", in.Timezone, err)
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	data, _ := json.Marshal(map[string]string{
		"timezone": loc.String(),
		"time":     now().In(loc).Format(time.RFC3339),
	})
	return Output{Data: data}, nil
}
