package types

import (
	"strings"
	"time"
)

// Kind 是事件网络记录的数字类型
type Kind int

const (
	KindTextNote        Kind = 1
	KindConversation    Kind = 11
	KindGenericReply    Kind = 1111
	KindTask            Kind = 1934
	KindStreamingDelta  Kind = 21111
	KindStatus          Kind = 24010
	KindTypingStart     Kind = 24111
	KindTypingStop      Kind = 24112
	KindProjectMetadata Kind = 31933
)

// Ignorable reports whether events of this kind carry no conversational content
// (liveness, typing indicators and streamed partial replies).
func (k Kind) Ignorable() bool {
	switch k {
	case KindStatus, KindTypingStart, KindTypingStop, KindStreamingDelta:
		return true
	}
	return false
}

// Tag names used on inbound and outbound records.
const (
	TagEvent            = "e"
	TagRoot             = "E"
	TagPubKey           = "p"
	TagPhase            = "phase"
	TagTitle            = "title"
	TagPhaseTransition  = "phase-transition"
	TagModel            = "llm-model"
	TagCost             = "llm-cost-usd"
	TagPromptTokens     = "llm-prompt-tokens"
	TagCompletionTokens = "llm-completion-tokens"
	TagTool             = "tool"
	TagSequence         = "seq"
)

// Thread markers on "e" tags.
const (
	MarkerRoot  = "root"
	MarkerReply = "reply"
)

// Tag is a single ordered tag: name followed by values.
type Tag []string

// Name returns the tag name or "".
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Marker returns the NIP-10 style marker (4th element) or "".
func (t Tag) Marker() string {
	if len(t) < 4 {
		return ""
	}
	return t[3]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag with the given name.
func (ts Tags) Find(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Values returns the first value of every tag with the given name, in order.
func (ts Tags) Values(name string) []string {
	var out []string
	for _, t := range ts {
		if t.Name() == name && t.Value() != "" {
			out = append(out, t.Value())
		}
	}
	return out
}

// Event is a signed record on the event network.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"created_at"`
	Kind      Kind      `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig,omitempty"`
}

// Mentions returns the addressed agent identities ("p" tags) in order.
func (e *Event) Mentions() []string {
	return e.Tags.Values(TagPubKey)
}

// RootID returns the thread root referenced by this event: an uppercase "E"
// tag, an "e" tag marked root, or "".
func (e *Event) RootID() string {
	if t, ok := e.Tags.Find(TagRoot); ok && t.Value() != "" {
		return t.Value()
	}
	for _, t := range e.Tags {
		if t.Name() == TagEvent && t.Marker() == MarkerRoot {
			return t.Value()
		}
	}
	return ""
}

// ReplyID returns the direct parent referenced by this event. Falls back to
// the last unmarked "e" tag.
func (e *Event) ReplyID() string {
	var last string
	for _, t := range e.Tags {
		if t.Name() != TagEvent {
			continue
		}
		switch t.Marker() {
		case MarkerReply:
			return t.Value()
		case "":
			last = t.Value()
		}
	}
	return last
}

// ThreadRefs returns every event id this event points back to, root first.
func (e *Event) ThreadRefs() []string {
	var refs []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	add(e.RootID())
	add(e.ReplyID())
	for _, t := range e.Tags {
		if t.Name() == TagEvent {
			add(t.Value())
		}
	}
	return refs
}

// HasThreadRef reports whether the event replies into an existing thread.
func (e *Event) HasThreadRef() bool {
	return len(e.ThreadRefs()) > 0
}

// RequestedPhase returns the explicit phase request carried by a "phase" tag.
func (e *Event) RequestedPhase() (Phase, bool) {
	t, ok := e.Tags.Find(TagPhase)
	if !ok {
		return "", false
	}
	p, err := ParsePhase(t.Value())
	if err != nil {
		return Phase(strings.ToLower(t.Value())), true
	}
	return p, true
}

// Title returns the "title" tag value.
func (e *Event) Title() string {
	if t, ok := e.Tags.Find(TagTitle); ok {
		return t.Value()
	}
	return ""
}
