package types

import (
	"fmt"
	"strings"
)

// Phase 定义会话所处的编排阶段
type Phase string

const (
	PhaseChat    Phase = "chat"
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseReview  Phase = "review"
	PhaseChores  Phase = "chores"
)

// PhaseBrainstorm is not a conversation phase; agents may still label a turn
// with it, and it is exempt from termination enforcement like chat.
const PhaseBrainstorm Phase = "brainstorm"

// AllPhases lists the conversation phases in forward order.
var AllPhases = []Phase{PhaseChat, PhasePlan, PhaseExecute, PhaseReview, PhaseChores}

// phaseTransitions 定义合法的阶段转换（前向链 + 允许的回退边）
var phaseTransitions = map[Phase][]Phase{
	PhaseChat:    {PhasePlan},
	PhasePlan:    {PhaseExecute, PhaseChat},
	PhaseExecute: {PhaseReview, PhasePlan},
	PhaseReview:  {PhaseChores, PhaseExecute, PhaseChat},
	PhaseChores:  {},
}

// Valid reports whether p is one of the five conversation phases.
func (p Phase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

// String implements fmt.Stringer.
func (p Phase) String() string { return string(p) }

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", NewValidationError("unknown phase %q", s)
	}
	return p, nil
}

// CanTransitionPhase 检查阶段转换是否合法
func CanTransitionPhase(from, to Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// NextPhases returns the phases reachable from p in one step.
func NextPhases(p Phase) []Phase {
	out := make([]Phase, len(phaseTransitions[p]))
	copy(out, phaseTransitions[p])
	return out
}

// PhaseTransitionError 非法阶段转换错误
type PhaseTransitionError struct {
	From Phase
	To   Phase
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s (allowed: %v)", e.From, e.To, phaseTransitions[e.From])
}

// ValidatePhaseTransition returns a VALIDATION error wrapping a
// PhaseTransitionError when the edge is not part of the phase graph.
func ValidatePhaseTransition(from, to Phase) error {
	if !to.Valid() {
		return NewValidationError("unknown target phase %q", to)
	}
	if CanTransitionPhase(from, to) {
		return nil
	}
	cause := &PhaseTransitionError{From: from, To: to}
	return NewError(ErrValidation, "phase transition rejected").WithCause(cause)
}
