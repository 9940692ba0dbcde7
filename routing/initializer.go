package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/types"
)

// PhaseInitializer runs when a decision moves a conversation into a new
// phase. The returned entries are merged into the decision's metadata; an
// error is recorded but never blocks the transition.
type PhaseInitializer interface {
	InitializePhase(ctx context.Context, conv *conversation.Conversation, d *Decision) (map[string]string, error)
}

// InitializerFunc adapts a function to PhaseInitializer.
type InitializerFunc func(ctx context.Context, conv *conversation.Conversation, d *Decision) (map[string]string, error)

func (f InitializerFunc) InitializePhase(ctx context.Context, conv *conversation.Conversation, d *Decision) (map[string]string, error) {
	return f(ctx, conv, d)
}

// DefaultInitializer records which agent opened the phase.
type DefaultInitializer struct{}

func (DefaultInitializer) InitializePhase(_ context.Context, _ *conversation.Conversation, d *Decision) (map[string]string, error) {
	lead := d.Primary()
	if lead == nil {
		return nil, nil
	}
	return map[string]string{conversation.PhaseKey(d.Phase, "started_by"): lead.Name}, nil
}

func (p *Pipeline) initialize(ctx context.Context, conv *conversation.Conversation, d *Decision) {
	if d.Phase == conv.Phase {
		return
	}
	init, ok := p.initializers[d.Phase]
	if !ok {
		init = DefaultInitializer{}
	}
	values, err := init.InitializePhase(ctx, conv, d)
	if d.Metadata == nil {
		d.Metadata = make(map[string]string, len(values)+1)
	}
	for k, v := range values {
		d.Metadata[k] = v
	}
	if err != nil {
		p.logger.Warn("phase initializer failed",
			zap.String("conversation_id", conv.ID),
			zap.String("phase", string(d.Phase)),
			zap.Error(err))
		d.Metadata[conversation.PhaseKey(d.Phase, "init_error")] = err.Error()
	}
}

// phaseReachable treats staying in place as always allowed.
func phaseReachable(from, to types.Phase) bool {
	return from == to || types.CanTransitionPhase(from, to)
}

func checkTransition(from, to types.Phase) error {
	if from == to {
		return nil
	}
	return types.ValidatePhaseTransition(from, to)
}
