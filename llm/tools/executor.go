package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/convoflow/internal/ctxkeys"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

// Observer receives one callback per executed call. internal/metrics.Collector
// satisfies it.
type Observer interface {
	ObserveToolCall(tool, status string, d time.Duration)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithConcurrency bounds how many calls of one batch run at once.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Executor dispatches tool calls to a Registry.
type Executor struct {
	registry    Registry
	observer    Observer
	concurrency int
	logger      *zap.Logger
}

// NewExecutor 创建工具执行器。
func NewExecutor(registry Registry, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		registry:    registry,
		concurrency: 4,
		logger:      logger.With(zap.String("component", "tool_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry calls are dispatched to.
func (e *Executor) Registry() Registry { return e.registry }

// Execute runs calls concurrently; results keep the order of calls.
func (e *Executor) Execute(ctx context.Context, calls []types.ToolCall, tc ToolContext) []ExecutionResult {
	results := make([]ExecutionResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(gctx, call, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteOne runs a single call. Failures are reported in the result, never
// returned as errors.
func (e *Executor) ExecuteOne(ctx context.Context, call types.ToolCall, tc ToolContext) ExecutionResult {
	start := time.Now()
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	log := e.logger.With(
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("conversation_id", tc.ConversationID),
	)
	if eventID, ok := ctxkeys.EventID(ctx); ok {
		log = log.With(zap.String("trigger_event", eventID))
	}

	// 1. 查找工具
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		log.Warn("tool not available")
		return e.finish(failedResult(call, ErrorKindNotAvailable,
			fmt.Sprintf("tool %q is not available", call.Name), time.Since(start)))
	}

	// 2. 速率限制
	var meta ToolMetadata
	if reg, ok := e.registry.(limited); ok {
		if !reg.allow(call.Name) {
			log.Warn("rate limit exceeded")
			return e.finish(failedResult(call, ErrorKindRateLimited, "rate limit exceeded", time.Since(start)))
		}
		meta = reg.metadata(call.Name)
	}
	if meta.Timeout <= 0 {
		meta.Timeout = 30 * time.Second
	}

	// 3. 参数校验，无法解析时尝试宽松恢复
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		recovered, ok := RecoverArguments(string(args))
		if !ok {
			log.Warn("invalid tool arguments")
			return e.finish(failedResult(call, ErrorKindInvalidArguments, "arguments are not valid JSON", time.Since(start)))
		}
		args = recovered
	}

	// 4. 执行工具（带超时控制）
	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	type outcome struct {
		out Output
		err error
	}
	// 带缓冲，超时后 goroutine 仍可退出
	done := make(chan outcome, 1)
	go func() {
		out, err := tool.Run(execCtx, args, tc)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.Warn("tool execution failed", zap.Error(o.err))
			return e.finish(failedResult(call, ErrorKindExecution, o.err.Error(), time.Since(start)))
		}
		return e.finish(ExecutionResult{
			CallID:      call.ID,
			ToolName:    call.Name,
			Success:     true,
			Output:      o.out.Data,
			Duration:    time.Since(start),
			Termination: o.out.Termination,
		})
	case <-execCtx.Done():
		log.Warn("tool execution timeout", zap.Duration("timeout", meta.Timeout))
		return e.finish(failedResult(call, ErrorKindTimeout,
			fmt.Sprintf("execution timeout after %s", meta.Timeout), time.Since(start)))
	}
}

func (e *Executor) finish(r ExecutionResult) ExecutionResult {
	if e.observer != nil {
		status := "success"
		if !r.Success {
			status = string(r.Error.Kind)
		}
		e.observer.ObserveToolCall(r.ToolName, status, r.Duration)
	}
	return r
}

// Invoker adapts the executor for providers that run tools natively. The
// returned payload is the envelope produced by MarshalResult.
func (e *Executor) Invoker(tc ToolContext) llm.ToolInvoker {
	return invoker{exec: e, tc: tc}
}

type invoker struct {
	exec *Executor
	tc   ToolContext
}

func (i invoker) Invoke(ctx context.Context, call llm.ToolCall) json.RawMessage {
	res := i.exec.ExecuteOne(ctx, call, i.tc)
	payload, err := MarshalResult(res)
	if err != nil {
		i.exec.logger.Error("encode tool result", zap.String("tool", call.Name), zap.Error(err))
		payload, _ = MarshalResult(failedResult(call, ErrorKindExecution, err.Error(), res.Duration))
	}
	return payload
}
