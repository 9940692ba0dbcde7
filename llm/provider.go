package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/convoflow/types"
)

// Re-exported message types so provider implementations only need one import.
type (
	Message    = types.Message
	Role       = types.Role
	ToolCall   = types.ToolCall
	ToolSchema = types.ToolSchema
	Usage      = types.TokenUsage
)

// ChatRequest is a single non-streaming completion request.
type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// JSONMode asks the provider to constrain output to a JSON object when it can.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ChatResponse is the result of a completion.
type ChatResponse struct {
	ID        string    `json:"id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     Usage     `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TurnMetadata is attached to every streaming request so providers and
// tracing can attribute the call.
type TurnMetadata struct {
	ConversationID string      `json:"conversation_id"`
	AgentPubKey    string      `json:"agent_pubkey"`
	AgentName      string      `json:"agent_name"`
	Phase          types.Phase `json:"phase"`
	Attempt        int         `json:"attempt"`
}

// ToolInvoker executes a tool call on behalf of a provider that performs
// native multi-step tool calling. The returned payload is the serialized tool
// result that the provider must echo back in the matching ToolComplete event.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) json.RawMessage
}

// StreamRequest is a streaming completion request for one agent attempt.
type StreamRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Metadata    TurnMetadata `json:"metadata"`
	Invoker     ToolInvoker  `json:"-"`
}

// Provider 定义了统一的 LLM 适配接口。
type Provider interface {
	// Name 返回 Provider 的唯一标识
	Name() string

	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式请求。返回的通道在 Done 或 StreamError 之后关闭。
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error)

	// SupportsNativeFunctionCalling 返回是否支持原生 Function Calling。
	// 返回 false 时，上层会对输出文本做工具调用解析。
	SupportsNativeFunctionCalling() bool
}
