package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/types"
)

// turnSink forwards a streaming turn to the thread: typing indicators,
// throttled partial-reply chunks, and the partial reply of a failed turn.
type turnSink struct {
	o       *Orchestrator
	agent   *types.Agent
	root    string
	trigger *types.Event
	log     *zap.Logger

	mu       sync.Mutex
	started  bool
	pending  strings.Builder
	seq      int
	lastSent time.Time
}

func (o *Orchestrator) newTurnSink(a *types.Agent, root string, trigger *types.Event) *turnSink {
	return &turnSink{
		o:       o,
		agent:   a,
		root:    root,
		trigger: trigger,
		log:     o.logger.With(zap.String("conversation_id", root), zap.String("agent", a.Name)),
	}
}

// Delta buffers text and publishes the buffer once StreamInterval has passed
// since the previous chunk. The first delta goes out immediately.
func (s *turnSink) Delta(ctx context.Context, text string) {
	s.start(ctx, "")
	if !s.o.cfg.StreamDeltas || text == "" {
		return
	}
	s.mu.Lock()
	s.pending.WriteString(text)
	var chunk string
	var seq int
	if time.Since(s.lastSent) >= s.o.cfg.StreamInterval {
		chunk, seq = s.takePending()
	}
	s.mu.Unlock()
	s.sendChunk(ctx, chunk, seq)
}

func (s *turnSink) ToolStarted(ctx context.Context, call llm.ToolStart) {
	s.flushPending(ctx)
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.start(ctx, "Using "+call.Name)
}

// Flush publishes the buffered content of a failed turn as the agent's reply.
func (s *turnSink) Flush(ctx context.Context, content string) {
	s.mu.Lock()
	s.pending.Reset()
	s.mu.Unlock()
	if content == "" {
		return
	}
	s.o.publish(ctx, nostr.NewReply(nostr.Reply{
		Author:  s.agent.PubKey,
		Content: content,
		Trigger: s.trigger,
		RootID:  s.root,
	}), s.log)
}

// takePending must be called with mu held.
func (s *turnSink) takePending() (string, int) {
	if s.pending.Len() == 0 {
		return "", 0
	}
	chunk := s.pending.String()
	s.pending.Reset()
	s.seq++
	s.lastSent = time.Now()
	return chunk, s.seq
}

func (s *turnSink) flushPending(ctx context.Context) {
	s.mu.Lock()
	chunk, seq := s.takePending()
	s.mu.Unlock()
	s.sendChunk(ctx, chunk, seq)
}

func (s *turnSink) sendChunk(ctx context.Context, chunk string, seq int) {
	if chunk == "" {
		return
	}
	s.o.publish(ctx, nostr.NewStreamingDelta(s.agent.PubKey, s.trigger, s.root, seq, chunk), s.log)
}

func (s *turnSink) start(ctx context.Context, status string) {
	if !s.o.cfg.TypingIndicators {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.o.publish(ctx, nostr.NewTypingIndicator(s.agent.PubKey, s.root, true, status), s.log)
}

// stop sends the last buffered chunk and ends the typing indicator.
func (s *turnSink) stop(ctx context.Context) {
	s.flushPending(ctx)
	if !s.o.cfg.TypingIndicators {
		return
	}
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		s.o.publish(ctx, nostr.NewTypingIndicator(s.agent.PubKey, s.root, false, ""), s.log)
	}
}
