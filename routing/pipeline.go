package routing

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/types"
)

const instrumentationName = "convoflow/routing"

// Observer receives routing outcomes; internal/metrics.Collector satisfies it.
type Observer interface {
	ObserveRoutingDecision(stage string)
	ObserveRoutingRetry(operation string)
}

type nopObserver struct{}

func (nopObserver) ObserveRoutingDecision(string) {}
func (nopObserver) ObserveRoutingRetry(string)    {}

// Config controls the model-assisted stages.
type Config struct {
	Model         string        `yaml:"model" json:"model" env:"MODEL"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	Temperature   float32       `yaml:"temperature" json:"temperature" env:"TEMPERATURE"`
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens" env:"MAX_TOKENS"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	SummaryEvents int           `yaml:"summary_events" json:"summary_events" env:"SUMMARY_EVENTS"`
}

// DefaultConfig returns three attempts and a low temperature.
func DefaultConfig() Config {
	return Config{
		Model:         "gpt-4o-mini",
		MaxAttempts:   3,
		Temperature:   0.1,
		MaxTokens:     1024,
		Timeout:       60 * time.Second,
		SummaryEvents: 10,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithInitializer registers the phase-entry hook for phase.
func WithInitializer(phase types.Phase, init PhaseInitializer) Option {
	return func(p *Pipeline) { p.initializers[phase] = init }
}

// Pipeline decides the phase and next responder for inbound events.
type Pipeline struct {
	provider     llm.Provider
	project      *project.Project
	cfg          Config
	initializers map[types.Phase]PhaseInitializer
	observer     Observer
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewPipeline creates a routing pipeline.
func NewPipeline(provider llm.Provider, proj *project.Project, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	p := &Pipeline{
		provider:     provider,
		project:      proj,
		cfg:          cfg,
		initializers: make(map[types.Phase]PhaseInitializer),
		observer:     nopObserver{},
		logger:       logger.With(zap.String("component", "routing")),
		tracer:       otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Input is what the pipeline routes.
type Input struct {
	Event        *types.Event
	Conversation *conversation.Conversation
	// Previous is the termination of the turn that produced Event, if any.
	Previous tools.Termination
}

// Route runs the pipeline stages in order and returns the first decision.
func (p *Pipeline) Route(ctx context.Context, in Input) (*Decision, error) {
	ctx, span := p.tracer.Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("conversation.id", in.Conversation.ID),
		attribute.String("conversation.phase", string(in.Conversation.Phase)),
	))
	defer span.End()

	d, err := p.route(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("routing failed",
			zap.String("conversation_id", in.Conversation.ID),
			zap.String("event_id", in.Event.ID),
			zap.Error(err))
		return nil, err
	}

	p.initialize(ctx, in.Conversation, d)
	p.observer.ObserveRoutingDecision(string(d.Stage))
	span.SetAttributes(
		attribute.String("routing.stage", string(d.Stage)),
		attribute.String("routing.phase", string(d.Phase)),
		attribute.Int("routing.attempts", d.Attempts),
	)
	p.logger.Info("routed event",
		zap.String("conversation_id", in.Conversation.ID),
		zap.String("event_id", in.Event.ID),
		zap.String("stage", string(d.Stage)),
		zap.String("phase", string(d.Phase)),
		zap.Strings("agents", agentNames(d.Destinations)),
		zap.Int("attempts", d.Attempts))
	return d, nil
}

func (p *Pipeline) route(ctx context.Context, in Input) (*Decision, error) {
	current := in.Conversation.Phase

	if c, ok := in.Previous.(tools.Continue); ok {
		phase := current
		if c.Phase != "" {
			phase = c.Phase
		}
		if err := checkTransition(current, phase); err != nil {
			return nil, err
		}
		agents, err := p.resolveAll(c.Agents)
		if err != nil {
			return nil, err
		}
		if len(agents) == 0 {
			return nil, types.NewValidationError("continue names no agents")
		}
		return &Decision{Destinations: agents, Phase: phase, Reason: c.Reason, Message: c.Message, Stage: StageExplicit}, nil
	}

	mentioned := p.mentioned(in.Event)
	requested, hasPhase := in.Event.RequestedPhase()
	if hasPhase {
		if err := checkTransition(current, requested); err != nil {
			return nil, err
		}
		if len(mentioned) == 0 {
			if orc, ok := p.project.Agents.Orchestrator(); ok {
				mentioned = []*types.Agent{orc}
			}
		}
		if len(mentioned) == 0 {
			d, err := p.decide(ctx, in)
			if err != nil {
				return nil, err
			}
			d.Phase = requested
			d.Stage = StageExplicit
			return d, nil
		}
		return &Decision{Destinations: mentioned, Phase: requested, Reason: "explicit phase request", Stage: StageExplicit}, nil
	}
	if len(mentioned) > 0 {
		return &Decision{Destinations: mentioned, Phase: current, Reason: "addressed directly", Stage: StageExplicit}, nil
	}
	return p.decide(ctx, in)
}

// mentioned returns the registered agents tagged on ev, excluding its author.
func (p *Pipeline) mentioned(ev *types.Event) []*types.Agent {
	var out []*types.Agent
	seen := make(map[string]bool)
	for _, pk := range ev.Mentions() {
		if pk == ev.PubKey || seen[pk] {
			continue
		}
		if a, ok := p.project.Agents.ByPubKey(pk); ok {
			seen[pk] = true
			out = append(out, a)
		}
	}
	return out
}

// decide asks the model for a phase and destination.
func (p *Pipeline) decide(ctx context.Context, in Input) (*Decision, error) {
	current := in.Conversation.Phase
	summary := conversation.Summary(in.Conversation, p.cfg.SummaryEvents, p.project.Agents.DisplayName)
	messages := []types.Message{
		types.NewSystemMessage(decisionSystemPrompt),
		types.NewUserMessage(decisionUserPrompt(in.Event.Content, summary, current, p.project.Agents.All())),
	}

	var (
		resp  decisionResponse
		phase types.Phase
	)
	attempts, err := p.requestJSON(ctx, "route", messages, func(raw string) error {
		resp = decisionResponse{}
		if _, err := decodeResponse(raw, &resp); err != nil {
			return err
		}
		if len(resp.Agents) == 0 {
			return formatErrorf(`"agents" must name at least one agent`)
		}
		phase = current
		if resp.Phase != "" {
			parsed, err := types.ParsePhase(resp.Phase)
			if err != nil {
				return formatErrorf("%q is not a phase", resp.Phase)
			}
			phase = parsed
		}
		if !phaseReachable(current, phase) {
			return formatErrorf("phase %s is not reachable from %s; use %s or one of: %s",
				phase, current, current, phaseList(types.NextPhases(current)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	agents, err := p.resolveAll(resp.Agents)
	if err != nil {
		return nil, err
	}
	d := &Decision{
		Destinations: agents,
		Phase:        phase,
		Reason:       resp.Reason,
		Message:      resp.Message,
		Stage:        StageLLM,
		Attempts:     attempts,
	}
	if len(agents) > 1 {
		team, err := p.FormTeam(ctx, in.Event.Content, in.Conversation)
		if err != nil {
			return nil, err
		}
		d.Team = team
		d.Destinations = []*types.Agent{team.Speaker()}
		d.Attempts += team.Attempts
	}
	return d, nil
}

// requestJSON calls the model until decode accepts a response. Structural
// failures are retried with stricter guidance; any other decode error and
// transport errors return immediately.
func (p *Pipeline) requestJSON(ctx context.Context, op string, messages []types.Message, decode func(raw string) error) (int, error) {
	var (
		lastRaw string
		lastErr error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		req := &llm.ChatRequest{
			Model:       p.cfg.Model,
			Messages:    messages,
			MaxTokens:   p.cfg.MaxTokens,
			Temperature: p.cfg.Temperature,
			Timeout:     p.cfg.Timeout,
			Metadata:    map[string]string{"operation": op},
			JSONMode:    true,
		}
		resp, err := p.complete(ctx, req)
		if err != nil {
			return attempt, types.NewTransportError(op+" completion failed", err).WithProvider(p.provider.Name())
		}
		lastRaw = resp.Content

		err = decode(resp.Content)
		if err == nil {
			return attempt, nil
		}
		var fe *formatError
		if !errors.As(err, &fe) {
			return attempt, err
		}
		lastErr = err
		p.logger.Debug("model response rejected",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == p.cfg.MaxAttempts {
			break
		}
		p.observer.ObserveRoutingRetry(op)
		next := make([]types.Message, 0, len(messages)+2)
		next = append(next, messages...)
		next = append(next,
			types.NewAssistantMessage(resp.Content),
			types.NewUserMessage(retryGuidance(attempt, err)))
		messages = next
	}
	return p.cfg.MaxAttempts, &RoutingDecisionError{Operation: op, Attempts: p.cfg.MaxAttempts, Raw: lastRaw, Err: lastErr}
}

func (p *Pipeline) complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return p.provider.Completion(ctx, req)
}

func (p *Pipeline) resolve(name string) (*types.Agent, error) {
	if a, ok := p.project.Agents.Resolve(name); ok {
		return a, nil
	}
	return nil, &UnknownAgentError{Name: name, Valid: p.project.Agents.Names()}
}

func (p *Pipeline) resolveAll(names []string) ([]*types.Agent, error) {
	var out []*types.Agent
	seen := make(map[string]bool)
	for _, name := range names {
		a, err := p.resolve(name)
		if err != nil {
			return nil, err
		}
		if !seen[a.PubKey] {
			seen[a.PubKey] = true
			out = append(out, a)
		}
	}
	return out, nil
}

func agentNames(agents []*types.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.Name
	}
	return out
}
