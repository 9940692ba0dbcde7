// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持按调用顺序回放的脚本化响应、流式事件与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

// ErrScriptExhausted 在脚本用尽且未设置兜底响应时返回。
var ErrScriptExhausted = errors.New("mock provider: script exhausted")

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的脚本化模拟实现。
// Completion 依次返回 completions 中的内容，Stream 依次回放 streams 中的事件序列；
// 脚本用尽后重复最后一条。
type MockProvider struct {
	mu sync.Mutex

	// 响应脚本
	completions []string
	streams     [][]llm.StreamEvent
	native      bool

	// 错误注入
	completionErr error
	streamErr     error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	completionCalls []*llm.ChatRequest
	streamCalls     []*llm.StreamRequest

	streamFunc func(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamEvent, error)
	delay      time.Duration
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		native:           true,
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithCompletions 设置 Completion 的响应脚本
func (m *MockProvider) WithCompletions(responses ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, responses...)
	return m
}

// WithStreams 设置 Stream 的事件脚本，每个元素对应一次 Stream 调用
func (m *MockProvider) WithStreams(scripts ...[]llm.StreamEvent) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, scripts...)
	return m
}

// WithNativeTools 设置是否声明支持原生工具调用
func (m *MockProvider) WithNativeTools(native bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.native = native
	return m
}

// WithCompletionError 设置 Completion 返回的错误
func (m *MockProvider) WithCompletionError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionErr = err
	return m
}

// WithStreamError 设置 Stream 建立连接时返回的错误
func (m *MockProvider) WithStreamError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置每个流事件之间的延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamEvent, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	return "mock"
}

// SupportsNativeFunctionCalling 返回是否支持原生函数调用
func (m *MockProvider) SupportsNativeFunctionCalling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.native
}

// Completion 按脚本返回下一条响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.completionCalls)
	m.completionCalls = append(m.completionCalls, cloneChatRequest(req))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.completionErr != nil {
		return nil, m.completionErr
	}
	if len(m.completions) == 0 {
		return nil, ErrScriptExhausted
	}
	content := m.completions[min(n, len(m.completions)-1)]

	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Model:    req.Model,
		Content:  content,
		Usage: llm.Usage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream 回放下一段事件脚本。
// 对脚本中的 ToolStart，若请求携带 Invoker，则先执行工具再补发对应的 ToolComplete。
func (m *MockProvider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	m.mu.Lock()
	n := len(m.streamCalls)
	m.streamCalls = append(m.streamCalls, cloneStreamRequest(req))
	fn := m.streamFunc
	err := m.streamErr
	delay := m.delay
	var script []llm.StreamEvent
	if len(m.streams) > 0 {
		script = m.streams[min(n, len(m.streams)-1)]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if script == nil {
		return nil, ErrScriptExhausted
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		send := func(ev llm.StreamEvent) bool {
			if delay > 0 {
				time.Sleep(delay)
			}
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}
		for _, ev := range script {
			if !send(ev) {
				return
			}
			start, ok := ev.(llm.ToolStart)
			if !ok || req.Invoker == nil {
				continue
			}
			payload := req.Invoker.Invoke(ctx, types.ToolCall{ID: start.CallID, Name: start.Name, Arguments: start.Args})
			if !send(llm.ToolComplete{CallID: start.CallID, Name: start.Name, Payload: payload}) {
				return
			}
		}
	}()
	return ch, nil
}

// --- 查询方法 ---

// CompletionCalls 获取所有 Completion 调用记录
func (m *MockProvider) CompletionCalls() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.completionCalls...)
}

// StreamCalls 获取所有 Stream 调用记录
func (m *MockProvider) StreamCalls() []*llm.StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.StreamRequest(nil), m.streamCalls...)
}

// Reset 重置调用记录
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionCalls = nil
	m.streamCalls = nil
}

func cloneChatRequest(req *llm.ChatRequest) *llm.ChatRequest {
	if req == nil {
		return nil
	}
	c := *req
	c.Messages = append([]types.Message(nil), req.Messages...)
	return &c
}

func cloneStreamRequest(req *llm.StreamRequest) *llm.StreamRequest {
	if req == nil {
		return nil
	}
	c := *req
	c.Messages = append([]types.Message(nil), req.Messages...)
	return &c
}

// --- 预设脚本 ---

// TextStream 构造一段纯文本流：逐块输出后以 Done 结束
func TextStream(chunks ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, llm.ContentDelta{Text: c})
	}
	return append(events, llm.Done{
		Model:        "mock-model",
		FinishReason: "stop",
		Usage:        &llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	})
}

// ToolStream 构造一段先输出文本、再调用一个工具的流
func ToolStream(text, callID, name, args string) []llm.StreamEvent {
	return []llm.StreamEvent{
		llm.ContentDelta{Text: text},
		llm.ToolStart{CallID: callID, Name: name, Args: []byte(args)},
		llm.Done{Model: "mock-model", FinishReason: "tool_calls"},
	}
}

// ErrorStream 构造一段中途失败的流
func ErrorStream(text string, err error) []llm.StreamEvent {
	return []llm.StreamEvent{
		llm.ContentDelta{Text: text},
		llm.StreamError{Err: err},
	}
}

// --- 预设 Provider 工厂 ---

// NewCompletionProvider 创建按顺序返回给定内容的 Provider
func NewCompletionProvider(responses ...string) *MockProvider {
	return NewMockProvider().WithCompletions(responses...)
}

// NewStreamProvider 创建按顺序回放给定脚本的 Provider
func NewStreamProvider(scripts ...[]llm.StreamEvent) *MockProvider {
	return NewMockProvider().WithStreams(scripts...)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithCompletionError(err).WithStreamError(err)
}
