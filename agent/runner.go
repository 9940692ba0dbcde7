package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/tokenizer"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/types"
)

const instrumentationName = "convoflow/agent"

// Observer receives turn outcomes; internal/metrics.Collector satisfies it.
type Observer interface {
	ObserveTurn(agent, phase, outcome string, attempts int, d time.Duration)
	ObserveSynthesizedTermination(kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveTurn(string, string, string, int, time.Duration) {}
func (nopObserver) ObserveSynthesizedTermination(string)                  {}

// Config controls the turn loop.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	TurnTimeout   time.Duration `yaml:"turn_timeout" json:"turn_timeout" env:"TURN_TIMEOUT"`
	HistoryEvents int           `yaml:"history_events" json:"history_events" env:"HISTORY_EVENTS"`
	Temperature   float32       `yaml:"temperature" json:"temperature" env:"TEMPERATURE"`
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens" env:"MAX_TOKENS"`
	DefaultModel  string        `yaml:"default_model" json:"default_model" env:"DEFAULT_MODEL"`
}

// DefaultConfig returns two attempts per turn and a five minute timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   2,
		TurnTimeout:   5 * time.Minute,
		HistoryEvents: 50,
		Temperature:   0.7,
		MaxTokens:     4096,
		DefaultModel:  "gpt-4o",
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithIntents sets the natural-language fallback rules used for providers
// without native tool calling.
func WithIntents(rules ...tools.IntentRule) Option {
	return func(r *Runner) { r.intents = rules }
}

// Runner executes agent turns.
type Runner struct {
	provider llm.Provider
	executor *tools.Executor
	project  *project.Project
	cfg      Config
	prompts  promptBuilder
	intents  []tools.IntentRule
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRunner creates a turn runner.
func NewRunner(provider llm.Provider, executor *tools.Executor, proj *project.Project, cfg Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	r := &Runner{
		provider: provider,
		executor: executor,
		project:  proj,
		cfg:      cfg,
		prompts:  promptBuilder{project: proj, historyEvents: cfg.HistoryEvents},
		intents:  tools.DefaultIntents(),
		observer: nopObserver{},
		logger:   logger.With(zap.String("component", "agent_runner")),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// turnState is what one turn accumulates. text and termination are reset per
// attempt; results survive across attempts.
type turnState struct {
	text        strings.Builder
	lastText    string
	results     []tools.ExecutionResult
	termination tools.Termination
	usage       types.TokenUsage
	model       string
}

func (s *turnState) resetAttempt() {
	if t := strings.TrimSpace(s.text.String()); t != "" {
		s.lastText = t
	}
	s.text.Reset()
	s.termination = nil
}

// RunTurn executes one turn for req.Agent. On a transport failure the
// partial result is returned together with the error.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Agent == nil || req.Conversation == nil {
		return nil, types.NewValidationError("turn needs an agent and a conversation")
	}
	if req.Sink == nil {
		req.Sink = nopSink{}
	}
	phase := req.phase()
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("conversation.id", req.Conversation.ID),
		attribute.String("agent.name", req.Agent.Name),
		attribute.String("conversation.phase", string(phase)),
	))
	defer span.End()

	if r.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TurnTimeout)
		defer cancel()
	}

	log := r.logger.With(
		zap.String("conversation_id", req.Conversation.ID),
		zap.String("agent", req.Agent.Name),
		zap.String("phase", string(phase)))

	res, err := r.loop(ctx, req, phase, span, log)
	res.Duration = time.Since(start)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Synthesized:
		outcome = "synthesized"
	}
	r.observer.ObserveTurn(req.Agent.Name, string(phase), outcome, res.Attempts, res.Duration)
	span.SetAttributes(
		attribute.Int("agent.attempts", res.Attempts),
		attribute.Int("llm.prompt_tokens", res.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", res.Usage.CompletionTokens),
	)
	if err != nil {
		return res, err
	}

	kind := "none"
	if res.Termination != nil {
		kind = string(res.Termination.Kind())
	}
	log.Info("turn finished",
		zap.Int("attempts", res.Attempts),
		zap.String("termination", kind),
		zap.Bool("synthesized", res.Synthesized),
		zap.Int("tool_calls", len(res.ToolResults)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *Runner) loop(ctx context.Context, req TurnRequest, phase types.Phase, span trace.Span, log *zap.Logger) (*TurnResult, error) {
	a := req.Agent
	allowed := append(append([]string(nil), a.Tools...), tools.TerminationTools(a.IsOrchestrator)...)
	exec := r.executor.Scoped(allowed)
	schemas := tools.Schemas(exec.Registry())
	native := r.provider.SupportsNativeFunctionCalling()
	tc := tools.ToolContext{
		ConversationID: req.Conversation.ID,
		AgentPubKey:    a.PubKey,
		AgentName:      a.Name,
		Phase:          phase,
		WorkingDir:     r.project.WorkingDir,
	}

	model := a.LLM.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	temperature := r.cfg.Temperature
	if a.LLM.Temperature > 0 {
		temperature = a.LLM.Temperature
	}
	maxTokens := r.cfg.MaxTokens
	if a.LLM.MaxTokens > 0 {
		maxTokens = a.LLM.MaxTokens
	}

	messages := r.prompts.build(req, schemas, native)
	enforce := enforcementApplies(phase)
	state := &turnState{model: model}
	res := &TurnResult{}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))

		streamReq := &llm.StreamRequest{
			Model:       model,
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Metadata: llm.TurnMetadata{
				ConversationID: req.Conversation.ID,
				AgentPubKey:    a.PubKey,
				AgentName:      a.Name,
				Phase:          phase,
				Attempt:        attempt,
			},
		}
		if native {
			streamReq.Tools = schemas
			streamReq.Invoker = exec.Invoker(tc)
		}

		attemptResults := len(state.results)
		if err := r.consume(ctx, req, streamReq, state, log); err != nil {
			var fatal *fatalTurnError
			if errors.As(err, &fatal) {
				r.fill(res, state)
				return res, fatal.err
			}
			return r.fail(ctx, req, res, state, err, log)
		}

		if !native {
			r.runParsedTools(ctx, exec, tc, state, log)
		}

		if !enforce || compliant(a, state.termination) {
			break
		}
		if attempt >= r.cfg.MaxAttempts {
			state.resetAttempt()
			state.termination = synthesize(a, state.lastText, attempt, r.orchestrator())
			res.Synthesized = true
			r.observer.ObserveSynthesizedTermination(string(state.termination.Kind()))
			log.Warn("termination synthesized after attempts ran out",
				zap.Int("attempts", attempt),
				zap.String("termination", string(state.termination.Kind())))
			r.fill(res, state)
			if res.Content == "" {
				res.Content = state.lastText
			}
			return res, nil
		}

		log.Info("turn ended without termination, retrying", zap.Int("attempt", attempt))
		text := strings.TrimSpace(state.text.String())
		next := make([]types.Message, 0, len(messages)+3)
		next = append(next, messages...)
		if text != "" {
			next = append(next, types.NewAssistantMessage(text))
		}
		if !native {
			if fresh := state.results[attemptResults:]; len(fresh) > 0 {
				next = append(next, types.NewUserMessage("Tool results:\n"+renderResults(fresh)))
			}
		}
		next = append(next, types.NewUserMessage(correctiveMessage(a, phase)))
		messages = next
		state.resetAttempt()
	}

	r.fill(res, state)
	return res, nil
}

// consume drains one provider stream into state.
func (r *Runner) consume(ctx context.Context, req TurnRequest, streamReq *llm.StreamRequest, state *turnState, log *zap.Logger) error {
	events, err := r.provider.Stream(ctx, streamReq)
	if err != nil {
		return err
	}
	var sawUsage bool
	for {
		var (
			ev llm.StreamEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			break
		}
		switch e := ev.(type) {
		case llm.ContentDelta:
			state.text.WriteString(e.Text)
			req.Sink.Delta(ctx, e.Text)
		case llm.ToolStart:
			log.Debug("tool started", zap.String("tool", e.Name), zap.String("call_id", e.CallID))
			req.Sink.ToolStarted(ctx, e)
		case llm.ToolComplete:
			result, err := tools.UnmarshalResult(e.Payload)
			if err != nil {
				return &fatalTurnError{err: types.NewError(types.ErrToolExecution,
					fmt.Sprintf("malformed result for tool %q", e.Name)).WithCause(err)}
			}
			if result.CallID == "" {
				result.CallID = e.CallID
			}
			r.record(state, result, log)
		case llm.Done:
			if e.Model != "" {
				state.model = e.Model
			}
			if e.Usage != nil {
				state.usage.Add(*e.Usage)
				sawUsage = true
			}
		case llm.StreamError:
			return e
		default:
			log.Warn("ignoring unknown stream event", zap.String("event", llm.DescribeEvent(ev)))
		}
	}
	if !sawUsage {
		state.usage.Add(tokenizer.EstimateUsage(tokenizer.ForModel(streamReq.Model), streamReq.Messages, state.text.String()))
	}
	return nil
}

// record stores a tool result. Only the first termination of an attempt
// counts; later ones are kept as plain results with the termination dropped.
func (r *Runner) record(state *turnState, result tools.ExecutionResult, log *zap.Logger) {
	if !result.Success {
		log.Warn("tool call failed",
			zap.String("tool", result.ToolName),
			zap.String("kind", string(result.Error.Kind)),
			zap.String("error", result.Error.Message))
	}
	if result.Termination != nil {
		if state.termination != nil {
			log.Warn("discarding duplicate termination",
				zap.String("kept", string(state.termination.Kind())),
				zap.String("discarded", string(result.Termination.Kind())))
			result.Termination = nil
		} else {
			state.termination = result.Termination
		}
	}
	state.results = append(state.results, result)
}

// runParsedTools executes the tool calls found in the attempt's text and
// replaces the buffer with the enhanced text.
func (r *Runner) runParsedTools(ctx context.Context, exec *tools.Executor, tc tools.ToolContext, state *turnState, log *zap.Logger) {
	text := state.text.String()
	parser := tools.NewParser(exec.Registry().Names(), tools.WithIntents(r.intents...))
	parsed := parser.Parse(text)
	if len(parsed) == 0 {
		return
	}
	calls := make([]types.ToolCall, len(parsed))
	for i, c := range parsed {
		calls[i] = c.ToolCall()
	}
	log.Debug("executing parsed tool calls", zap.Int("count", len(calls)), zap.String("source", parsed[0].Source.String()))
	results := exec.Execute(ctx, calls, tc)
	for _, res := range results {
		r.record(state, res, log)
	}
	state.text.Reset()
	state.text.WriteString(tools.Enhance(text, parsed, results))
}

// fail handles a transport failure: apology appended and flushed, error
// returned as TRANSPORT with the original cause kept.
func (r *Runner) fail(ctx context.Context, req TurnRequest, res *TurnResult, state *turnState, err error, log *zap.Logger) (*TurnResult, error) {
	apology := "Sorry, I ran into a problem reaching the language model and could not finish this response."
	if types.IsErrorCode(err, types.ErrQuotaExceeded) {
		apology = "Sorry, the language model quota for this agent is exhausted, so I could not finish this response."
	}
	text := strings.TrimSpace(state.text.String())
	if text != "" {
		text += "\n\n"
	}
	text += apology
	state.text.Reset()
	state.text.WriteString(text)

	// The turn context may already be done; flushing must still reach the user.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	req.Sink.Flush(flushCtx, text)

	log.Error("turn failed", zap.Error(err))
	r.fill(res, state)
	return res, types.NewTransportError("agent turn failed", err).WithProvider(r.provider.Name())
}

func (r *Runner) fill(res *TurnResult, state *turnState) {
	res.Content = strings.TrimSpace(state.text.String())
	res.ToolResults = state.results
	res.Termination = state.termination
	res.Usage = state.usage
	res.Model = state.model
}

func (r *Runner) orchestrator() *types.Agent {
	if a, ok := r.project.Agents.Orchestrator(); ok {
		return a
	}
	return nil
}

func renderResults(results []tools.ExecutionResult) string {
	var b strings.Builder
	for _, res := range results {
		fmt.Fprintf(&b, "[%s] %s\n", res.ToolName, res.Text())
	}
	return strings.TrimRight(b.String(), "\n")
}

// fatalTurnError aborts a turn without the transport-failure handling.
type fatalTurnError struct {
	err error
}

func (e *fatalTurnError) Error() string { return e.err.Error() }
func (e *fatalTurnError) Unwrap() error { return e.err }
