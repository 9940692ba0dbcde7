package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/convoflow/types"
)

// ToolContext is passed to every tool invocation.
type ToolContext struct {
	ConversationID string
	AgentPubKey    string
	AgentName      string
	Phase          types.Phase
	WorkingDir     string
}

// Output is what a tool returns. Termination is set only by the turn-ending
// tools (continue, complete, end_conversation).
type Output struct {
	Data        json.RawMessage
	Termination Termination
}

// Tool is a named, side-effecting capability an agent may invoke.
type Tool interface {
	Schema() types.ToolSchema
	Run(ctx context.Context, args json.RawMessage, tc ToolContext) (Output, error)
}

// ToolFunc defines the tool function signature.
type ToolFunc func(ctx context.Context, args json.RawMessage, tc ToolContext) (json.RawMessage, error)

type funcTool struct {
	schema types.ToolSchema
	fn     ToolFunc
}

// NewFuncTool adapts a plain function into a Tool.
func NewFuncTool(schema types.ToolSchema, fn ToolFunc) Tool {
	return &funcTool{schema: schema, fn: fn}
}

func (t *funcTool) Schema() types.ToolSchema { return t.schema }

func (t *funcTool) Run(ctx context.Context, args json.RawMessage, tc ToolContext) (Output, error) {
	data, err := t.fn(ctx, args, tc)
	return Output{Data: data}, err
}

// ToolMetadata describes per-tool execution limits.
type ToolMetadata struct {
	Timeout   time.Duration    // Execution timeout (default 30s)
	RateLimit *RateLimitConfig // Rate limit config (optional)
}

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	MaxCalls int           // Maximum calls
	Window   time.Duration // Time window
}

// Registry is the lookup surface the executor depends on.
type Registry interface {
	Get(name string) (Tool, bool)
	Names() []string
}

type entry struct {
	tool    Tool
	meta    ToolMetadata
	limiter *rate.Limiter
}

// DefaultRegistry is an in-memory, concurrency-safe tool registry.
type DefaultRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *zap.Logger
}

// NewDefaultRegistry 创建默认的工具注册中心。
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:  make(map[string]*entry),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

func (r *DefaultRegistry) Register(tool Tool, meta ToolMetadata) error {
	name := tool.Schema().Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool schema has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	// 设置默认超时
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}

	e := &entry{tool: tool, meta: meta}
	if rl := meta.RateLimit; rl != nil && rl.MaxCalls > 0 && rl.Window > 0 {
		e.limiter = rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.MaxCalls)), rl.MaxCalls)
	}
	r.tools[name] = e

	r.logger.Debug("tool registered", zap.String("name", name), zap.Duration("timeout", meta.Timeout))
	return nil
}

// MustRegister registers tool and panics on a duplicate name.
func (r *DefaultRegistry) MustRegister(tool Tool, meta ToolMetadata) {
	if err := r.Register(tool, meta); err != nil {
		panic(err)
	}
}

func (r *DefaultRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *DefaultRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas of the named tools that are registered, in the
// order given. Unknown names are skipped.
func (r *DefaultRegistry) Schemas(names []string) []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolSchema, 0, len(names))
	for _, n := range names {
		if e, ok := r.tools[n]; ok {
			out = append(out, e.tool.Schema())
		}
	}
	return out
}

func (r *DefaultRegistry) metadata(name string) ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.meta
	}
	return ToolMetadata{Timeout: 30 * time.Second}
}

// allow 检查是否触发速率限制
func (r *DefaultRegistry) allow(name string) bool {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || e.limiter == nil {
		return true
	}
	return e.limiter.Allow()
}
