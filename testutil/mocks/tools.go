// MockTool 是 tools.Tool 的测试模拟实现。
//
// 支持脚本化输出、错误注入与调用记录。
package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/types"
)

// ToolInvocation 记录单次工具调用
type ToolInvocation struct {
	Args    json.RawMessage
	Context tools.ToolContext
}

// MockTool 是工具的模拟实现
type MockTool struct {
	mu sync.Mutex

	schema types.ToolSchema
	output json.RawMessage
	err    error
	fn     func(args json.RawMessage) (json.RawMessage, error)

	calls []ToolInvocation
}

// NewMockTool 创建接受任意对象参数的 MockTool，默认返回 {"ok":true}
func NewMockTool(name string) *MockTool {
	return &MockTool{
		schema: types.ToolSchema{
			Name:        name,
			Description: "mock tool " + name,
			Parameters:  json.RawMessage(`{"type":"object"}`),
		},
		output: json.RawMessage(`{"ok":true}`),
	}
}

// WithOutput 设置固定返回值
func (m *MockTool) WithOutput(out string) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = json.RawMessage(out)
	return m
}

// WithError 设置固定错误
func (m *MockTool) WithError(err error) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFunc 设置自定义执行函数，优先于 WithOutput / WithError
func (m *MockTool) WithFunc(fn func(args json.RawMessage) (json.RawMessage, error)) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// Schema 实现 tools.Tool
func (m *MockTool) Schema() types.ToolSchema { return m.schema }

// Run 实现 tools.Tool
func (m *MockTool) Run(ctx context.Context, args json.RawMessage, tc tools.ToolContext) (tools.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ToolInvocation{Args: append(json.RawMessage(nil), args...), Context: tc})
	fn, out, err := m.fn, m.output, m.err
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return tools.Output{}, err
	}
	if fn != nil {
		data, err := fn(args)
		return tools.Output{Data: data}, err
	}
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Data: out}, nil
}

// Calls 返回调用记录副本
func (m *MockTool) Calls() []ToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolInvocation(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
