package nostr

import (
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/convoflow/types"
)

// Reply describes an agent response to be threaded under Trigger.
type Reply struct {
	Author  string
	Content string
	Trigger *types.Event
	// RootID defaults to the trigger's own root, then to the trigger id.
	RootID        string
	NextResponder string
	Model         string
	Usage         types.TokenUsage
	Phase         types.Phase
	// PreviousPhase adds a phase-transition tag when it differs from Phase.
	PreviousPhase types.Phase
	Tools         []string
}

// NewReply builds the unsigned reply draft.
func NewReply(r Reply) *types.Event {
	root := r.RootID
	if root == "" && r.Trigger != nil {
		root = r.Trigger.RootID()
		if root == "" {
			root = r.Trigger.ID
		}
	}

	tags := types.Tags{}
	if root != "" {
		tags = append(tags, types.Tag{types.TagEvent, root, "", types.MarkerRoot})
	}
	if r.Trigger != nil && r.Trigger.ID != "" && r.Trigger.ID != root {
		tags = append(tags, types.Tag{types.TagEvent, r.Trigger.ID, "", types.MarkerReply})
	}
	if next := strings.TrimSpace(r.NextResponder); next != "" {
		tags = append(tags, types.Tag{types.TagPubKey, next})
	}
	if r.Model != "" {
		tags = append(tags, types.Tag{types.TagModel, r.Model})
	}
	if !r.Usage.IsZero() {
		tags = append(tags,
			types.Tag{types.TagCost, FormatCost(r.Usage.Cost)},
			types.Tag{types.TagPromptTokens, strconv.Itoa(r.Usage.PromptTokens)},
			types.Tag{types.TagCompletionTokens, strconv.Itoa(r.Usage.CompletionTokens)},
		)
	}
	if r.Phase != "" {
		tags = append(tags, types.Tag{types.TagPhase, string(r.Phase)})
		if r.PreviousPhase != "" && r.PreviousPhase != r.Phase {
			tags = append(tags, types.Tag{types.TagPhaseTransition, string(r.Phase), string(r.PreviousPhase)})
		}
	}
	for _, name := range r.Tools {
		tags = append(tags, types.Tag{types.TagTool, name})
	}

	return &types.Event{
		PubKey:    r.Author,
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindGenericReply,
		Tags:      tags,
		Content:   r.Content,
	}
}

// FormatCost renders a USD amount for the llm-cost-usd tag.
func FormatCost(usd float64) string {
	return strconv.FormatFloat(usd, 'f', 6, 64)
}

// NewStreamingDelta carries a chunk of a reply still being generated. Chunks
// of one turn are numbered from 1 by seq; the final reply supersedes them.
func NewStreamingDelta(author string, trigger *types.Event, rootID string, seq int, chunk string) *types.Event {
	tags := types.Tags{{types.TagEvent, rootID, "", types.MarkerRoot}}
	if trigger != nil && trigger.ID != "" && trigger.ID != rootID {
		tags = append(tags, types.Tag{types.TagEvent, trigger.ID, "", types.MarkerReply})
	}
	tags = append(tags, types.Tag{types.TagSequence, strconv.Itoa(seq)})
	return &types.Event{
		PubKey:    author,
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindStreamingDelta,
		Tags:      tags,
		Content:   chunk,
	}
}

// NewTypingIndicator marks author as working on (start) or done with the
// conversation rooted at rootID.
func NewTypingIndicator(author, rootID string, start bool, content string) *types.Event {
	kind := types.KindTypingStop
	if start {
		kind = types.KindTypingStart
	}
	return &types.Event{
		PubKey:    author,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
		Tags:      types.Tags{{types.TagEvent, rootID, "", types.MarkerRoot}},
		Content:   content,
	}
}

// NewNotice builds a user-visible error notice in reply to trigger.
func NewNotice(author string, trigger *types.Event, message string) *types.Event {
	return NewReply(Reply{Author: author, Content: message, Trigger: trigger})
}
