package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/dedup"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/routing"
	"github.com/BaSui01/convoflow/types"
)

var (
	// ErrClosed is returned by HandleEvent after Shutdown.
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrQueueFull is returned when a conversation lane is at capacity.
	ErrQueueFull = errors.New("conversation queue is full")
)

// Router decides who answers an event. *routing.Pipeline satisfies it.
type Router interface {
	Route(ctx context.Context, in routing.Input) (*routing.Decision, error)
}

// TurnRunner runs one agent turn. *agent.Runner satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Observer receives event-level outcomes; internal/metrics.Collector
// satisfies it.
type Observer interface {
	ObserveInboundEvent(kind, outcome string)
	ObserveDuplicateEvent()
}

type nopObserver struct{}

func (nopObserver) ObserveInboundEvent(string, string) {}
func (nopObserver) ObserveDuplicateEvent()             {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(x *Orchestrator) {
		if o != nil {
			x.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Orchestrator) {
		if l != nil {
			x.logger = l
		}
	}
}

// Orchestrator owns the event handling loop.
type Orchestrator struct {
	cfg       Config
	project   *project.Project
	convs     *conversation.Manager
	dedup     *dedup.Deduplicator
	router    Router
	runner    TurnRunner
	publisher nostr.Publisher
	observer  Observer
	logger    *zap.Logger

	// lifetime of queued jobs; cancelled when a shutdown drain times out
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	active sync.WaitGroup

	// queue order of events not yet admitted to a conversation; held
	// replies wait until everything queued before them is admitted
	seq       uint64
	pending   map[string]uint64
	admission *sync.Cond
}

// New wires an orchestrator.
func New(cfg Config, proj *project.Project, convs *conversation.Manager, d *dedup.Deduplicator,
	router Router, runner TurnRunner, publisher nostr.Publisher, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		project:   proj,
		convs:     convs,
		dedup:     d,
		router:    router,
		runner:    runner,
		publisher: publisher,
		observer:  nopObserver{},
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[string]*lane),
		pending:   make(map[string]uint64),
	}
	o.admission = sync.NewCond(&o.mu)
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// HandleEvent admits ev and queues it on its conversation lane. It returns
// once the event is queued; processing is asynchronous.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *types.Event) error {
	if ev == nil || ev.ID == "" {
		return types.NewValidationError("event must have an id")
	}
	kind := kindLabel(ev.Kind)

	switch {
	case ev.Kind.Ignorable():
		o.observer.ObserveInboundEvent(kind, "ignored")
		return nil
	case ev.Kind == types.KindProjectMetadata:
		o.applyProjectMetadata(ev)
		o.observer.ObserveInboundEvent(kind, "metadata")
		return nil
	}

	if !o.dedup.Add(ev.ID) {
		o.observer.ObserveDuplicateEvent()
		o.observer.ObserveInboundEvent(kind, "duplicate")
		o.logger.Debug("duplicate event", zap.String("event_id", ev.ID))
		return nil
	}

	key, ok := o.resolveLane(ev)
	if !ok {
		key = heldLane
	}
	if err := o.enqueue(key, *ev); err != nil {
		o.dedup.Forget(ev.ID)
		o.observer.ObserveInboundEvent(kind, "rejected")
		return fmt.Errorf("queue event %s: %w", ev.ID, err)
	}
	return nil
}

// Run feeds events to HandleEvent until ctx is done or events is closed,
// then shuts down.
func (o *Orchestrator) Run(ctx context.Context, events <-chan types.Event) error {
	o.logger.Info("orchestrator started",
		zap.String("project", o.project.Name()),
		zap.Int("agents", o.project.Agents.Len()))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if err := o.HandleEvent(ctx, &ev); err != nil {
				o.logger.Warn("event not handled", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownTimeout)
	defer cancel()
	return o.Shutdown(shutdownCtx)
}

// Wait blocks until every queued event has been processed.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, drains the lanes and flushes the conversation
// store and the deduplicator. Jobs still running when ctx ends are
// cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := o.Wait(ctx); err != nil {
		o.logger.Warn("shutdown drain timed out, cancelling running turns", zap.Error(err))
		o.cancel()
		// give cancelled turns a moment to flush their apology
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = o.Wait(waitCtx)
		cancel()
	}
	defer o.cancel()

	flushCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(flushCtx)
	g.Go(func() error {
		if err := o.convs.Flush(gctx); err != nil {
			return fmt.Errorf("flush conversations: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := o.dedup.Flush(gctx); err != nil {
			return fmt.Errorf("flush processed events: %w", err)
		}
		return nil
	})
	err := g.Wait()
	o.logger.Info("orchestrator stopped", zap.Error(err))
	return err
}

func kindLabel(k types.Kind) string {
	switch k {
	case types.KindConversation:
		return "conversation"
	case types.KindGenericReply:
		return "reply"
	case types.KindTextNote:
		return "text_note"
	case types.KindTask:
		return "task"
	case types.KindProjectMetadata:
		return "project_metadata"
	case types.KindStatus, types.KindTypingStart, types.KindTypingStop, types.KindStreamingDelta:
		return "presence"
	}
	return "other"
}
