package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_ThreadRefs(t *testing.T) {
	t.Parallel()

	ev := &Event{
		ID:   "child",
		Kind: KindGenericReply,
		Tags: Tags{
			{"e", "root-id", "", "root"},
			{"e", "parent-id", "", "reply"},
			{"p", "agent-a"},
			{"p", "agent-b"},
		},
	}

	assert.Equal(t, "root-id", ev.RootID())
	assert.Equal(t, "parent-id", ev.ReplyID())
	assert.Equal(t, []string{"root-id", "parent-id"}, ev.ThreadRefs())
	assert.Equal(t, []string{"agent-a", "agent-b"}, ev.Mentions())
	assert.True(t, ev.HasThreadRef())
}

func TestEvent_UppercaseRootTag(t *testing.T) {
	t.Parallel()

	ev := &Event{Tags: Tags{{"E", "root-id"}, {"e", "parent-id"}}}
	assert.Equal(t, "root-id", ev.RootID())
	assert.Equal(t, "parent-id", ev.ReplyID())
}

func TestEvent_RequestedPhase(t *testing.T) {
	t.Parallel()

	ev := &Event{Tags: Tags{{"phase", "PLAN"}}}
	p, ok := ev.RequestedPhase()
	assert.True(t, ok)
	assert.Equal(t, PhasePlan, p)

	ev = &Event{Tags: Tags{{"title", "hello"}}}
	_, ok = ev.RequestedPhase()
	assert.False(t, ok)
	assert.Equal(t, "hello", ev.Title())
	assert.False(t, ev.HasThreadRef())
}

func TestKind_Ignorable(t *testing.T) {
	t.Parallel()

	assert.True(t, KindTypingStart.Ignorable())
	assert.True(t, KindStatus.Ignorable())
	assert.True(t, KindStreamingDelta.Ignorable())
	assert.False(t, KindConversation.Ignorable())
	assert.False(t, KindGenericReply.Ignorable())
}
