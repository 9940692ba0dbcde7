package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/internal/ctxkeys"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/routing"
	"github.com/BaSui01/convoflow/types"
)

// process runs one queued event to completion. Failures are logged and
// reported to the thread; nothing propagates past the lane.
func (o *Orchestrator) process(ctx context.Context, ev *types.Event) {
	kind := kindLabel(ev.Kind)
	log := o.logger.With(zap.String("event_id", ev.ID), zap.String("kind", kind))
	ctx = ctxkeys.WithEventID(ctx, ev.ID)

	if o.isOwnEvent(ev) {
		o.recordEcho(ctx, ev, log)
		o.admitted(ev.ID)
		o.observer.ObserveInboundEvent(kind, "echo")
		return
	}

	conv, err := o.admit(ctx, ev)
	o.admitted(ev.ID)
	if err != nil {
		log.Warn("event not admitted", zap.Error(err))
		o.observer.ObserveInboundEvent(kind, "error")
		return
	}
	if conv == nil {
		log.Debug("reply to an unknown conversation, ignoring")
		o.observer.ObserveInboundEvent(kind, "orphan")
		return
	}
	log = log.With(zap.String("conversation_id", conv.ID))
	ctx = ctxkeys.WithConversationID(ctx, conv.ID)

	if err := o.respond(ctx, conv, ev, log); err != nil {
		o.observer.ObserveInboundEvent(kind, "error")
		return
	}
	o.observer.ObserveInboundEvent(kind, "handled")
}

func (o *Orchestrator) isOwnEvent(ev *types.Event) bool {
	return o.project.Agents.IsAgent(ev.PubKey) ||
		(o.project.SignerPubKey != "" && ev.PubKey == o.project.SignerPubKey)
}

// recordEcho appends one of our own published events to its conversation.
func (o *Orchestrator) recordEcho(ctx context.Context, ev *types.Event, log *zap.Logger) {
	conv, ok := o.convs.GetByEvent(ev)
	if !ok {
		return
	}
	if err := o.convs.AddEvent(ctx, conv.ID, *ev); err != nil {
		log.Warn("failed to record own event", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

// admit locates the conversation for ev and appends it, or starts a new
// conversation. A reply into a thread we do not know returns nil.
func (o *Orchestrator) admit(ctx context.Context, ev *types.Event) (*conversation.Conversation, error) {
	if conv, ok := o.convs.GetByEvent(ev); ok {
		if err := o.convs.AddEvent(ctx, conv.ID, *ev); err != nil {
			return nil, err
		}
		updated, _ := o.convs.Get(conv.ID)
		return updated, nil
	}
	if ev.Kind != types.KindConversation && ev.HasThreadRef() {
		return nil, nil
	}
	return o.convs.Create(ctx, ev)
}

// respond routes ev and runs turns until the chain of hand-offs ends.
func (o *Orchestrator) respond(ctx context.Context, conv *conversation.Conversation, trigger *types.Event, log *zap.Logger) error {
	var previous tools.Termination
	// working carries replies not yet echoed back by the relay so the next
	// agent sees them
	working := conv

	for hop := 0; hop < o.cfg.MaxHops; hop++ {
		decision, err := o.router.Route(ctx, routing.Input{Event: trigger, Conversation: working, Previous: previous})
		if err != nil {
			o.notify(ctx, trigger, err, log)
			return err
		}

		next, err := o.runDestinations(ctx, working, trigger, decision, log)
		if err != nil {
			return err
		}
		if fresh, ok := o.convs.Get(working.ID); ok {
			fresh.History = mergeHistory(fresh.History, next.history)
			working = fresh
		}
		if next.handoff == nil {
			return nil
		}
		previous = next.handoff
	}
	log.Warn("hand-off chain stopped at hop limit", zap.Int("max_hops", o.cfg.MaxHops))
	return nil
}

// apply commits a routing decision: phase, current agent and metadata.
func (o *Orchestrator) apply(ctx context.Context, id string, d *routing.Decision) error {
	actor := ""
	if p := d.Primary(); p != nil {
		actor = p.PubKey
	}
	if err := o.convs.UpdatePhase(ctx, id, d.Phase, d.Reason, actor); err != nil {
		return err
	}
	if err := o.convs.SetCurrentAgent(ctx, id, actor); err != nil {
		return err
	}
	meta := make(map[string]string, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	if t := d.Team; t != nil {
		meta["team_lead"] = t.Lead.Name
		names := make([]string, 0, len(t.Members))
		for _, m := range t.Members {
			names = append(names, m.Name)
		}
		meta["team_members"] = strings.Join(names, ",")
		if plan, err := json.Marshal(t.Plan); err == nil {
			meta["team_plan"] = string(plan)
		}
	}
	for k, v := range meta {
		if err := o.convs.SetMetadata(ctx, id, k, v); err != nil {
			return err
		}
	}
	return nil
}

type turnOutcome struct {
	history []types.Event
	handoff tools.Termination
}

// runDestinations runs the decided agents in order. The decision is
// committed after the first successful turn, so a failed turn leaves the
// phase untouched. The last termination decides the hand-off.
func (o *Orchestrator) runDestinations(ctx context.Context, conv *conversation.Conversation, trigger *types.Event,
	d *routing.Decision, log *zap.Logger) (turnOutcome, error) {
	before := conv.Phase
	applied := false
	var handoff tools.Termination
	for _, a := range d.Destinations {
		sink := o.newTurnSink(a, conv.ID, trigger)
		res, err := o.runner.RunTurn(ctx, agent.TurnRequest{
			Agent:        a,
			Conversation: conv,
			Phase:        d.Phase,
			Note:         d.Message,
			Sink:         sink,
		})
		sink.stop(ctx)
		if err != nil {
			// transport failures were already flushed to the thread by the sink
			if res == nil || !types.IsErrorCode(err, types.ErrTransport) {
				o.notify(ctx, trigger, err, log)
			}
			log.Error("turn failed", zap.String("agent", a.Name), zap.Error(err))
			return turnOutcome{}, err
		}

		if !applied {
			if err := o.apply(ctx, conv.ID, d); err != nil {
				o.notify(ctx, trigger, err, log)
				return turnOutcome{}, err
			}
			applied = true
		}

		if draft := o.replyDraft(a, trigger, conv.ID, res, d.Phase, before); draft != nil {
			o.publish(ctx, draft, log)
			conv = conv.Clone()
			conv.History = append(conv.History, *draft)
		}
		if failed := res.FailedTools(); len(failed) > 0 {
			o.publish(ctx, nostr.NewReply(nostr.Reply{
				Author:  a.PubKey,
				Content: toolFailureText(failed),
				Trigger: trigger,
				RootID:  conv.ID,
				Phase:   d.Phase,
			}), log)
		}
		before = d.Phase
		handoff = o.settle(ctx, conv.ID, a, d.Phase, res, log)
	}
	return turnOutcome{history: conv.History, handoff: handoff}, nil
}

// settle records the termination and returns the follow-up to route, if any.
func (o *Orchestrator) settle(ctx context.Context, id string, a *types.Agent, phase types.Phase,
	res *agent.TurnResult, log *zap.Logger) tools.Termination {
	switch t := res.Termination.(type) {
	case tools.Continue:
		return t
	case tools.Complete:
		if err := o.convs.SetMetadata(ctx, id, conversation.PhaseKey(phase, "summary"), t.Summary); err != nil {
			log.Warn("failed to record summary", zap.Error(err))
		}
		next := t.NextAgent
		if next == "" && !a.IsOrchestrator {
			if orc, ok := o.project.Agents.Orchestrator(); ok {
				next = orc.PubKey
			}
		}
		if next == "" || next == a.PubKey {
			return nil
		}
		return tools.Continue{Agents: []string{next}, Reason: "completed by " + a.Name, Message: t.Summary}
	case tools.EndConversation:
		if t.Summary != "" {
			if err := o.convs.SetMetadata(ctx, id, "final_summary", t.Summary); err != nil {
				log.Warn("failed to record final summary", zap.Error(err))
			}
		}
		if err := o.convs.Archive(ctx, id); err != nil {
			log.Warn("failed to archive conversation", zap.Error(err))
		}
	}
	return nil
}

// replyDraft builds the outbound reply for a finished turn, or nil when the
// turn produced nothing to say.
func (o *Orchestrator) replyDraft(a *types.Agent, trigger *types.Event, root string, res *agent.TurnResult,
	phase, before types.Phase) *types.Event {
	content := res.Content
	var next string
	switch t := res.Termination.(type) {
	case tools.Continue:
		if content == "" {
			content = t.Message
		}
		if len(t.Agents) > 0 {
			if target, ok := o.project.Agents.Resolve(t.Agents[0]); ok {
				next = target.PubKey
			}
		}
	case tools.Complete:
		if content == "" {
			content = t.Summary
		}
		next = t.NextAgent
		if next == "" && !a.IsOrchestrator {
			if orc, ok := o.project.Agents.Orchestrator(); ok {
				next = orc.PubKey
			}
		}
	case tools.EndConversation:
		if content == "" {
			content = t.Summary
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if next == a.PubKey {
		next = ""
	}

	var used []string
	for _, r := range res.ToolResults {
		used = append(used, r.ToolName)
	}
	return nostr.NewReply(nostr.Reply{
		Author:        a.PubKey,
		Content:       content,
		Trigger:       trigger,
		RootID:        root,
		NextResponder: next,
		Model:         res.Model,
		Usage:         res.Usage,
		Phase:         phase,
		PreviousPhase: before,
		Tools:         used,
	})
}

func (o *Orchestrator) publish(ctx context.Context, draft *types.Event, log *zap.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()
	if err := o.publisher.Publish(pctx, draft); err != nil {
		log.Error("publish failed", zap.Int("kind", int(draft.Kind)), zap.Error(err))
	}
}

// mergeHistory appends the entries of local that stored lacks.
func mergeHistory(stored, local []types.Event) []types.Event {
	seen := make(map[string]bool, len(stored))
	for _, ev := range stored {
		seen[ev.ID] = true
	}
	out := stored
	for _, ev := range local {
		if ev.ID == "" || !seen[ev.ID] {
			out = append(out, ev)
		}
	}
	return out
}
