// Package conversation owns the conversation lifecycle: creation from an
// originating event, append-only history, the fixed phase state machine,
// phase-scoped metadata and best-effort persistence.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/types"
)

// Transition is one entry of the phase log.
type Transition struct {
	From      types.Phase `json:"from"`
	To        types.Phase `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Actor     string      `json:"actor,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is the authoritative state of one conversation.
type Conversation struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Phase            types.Phase       `json:"phase"`
	History          []types.Event     `json:"history"`
	CurrentAgent     string            `json:"current_agent,omitempty"`
	PhaseStartedAt   time.Time         `json:"phase_started_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	PhaseTransitions []Transition      `json:"phase_transitions,omitempty"`
	Archived         bool              `json:"archived,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasEvent reports whether an event with id is already in the history.
func (c *Conversation) HasEvent(id string) bool {
	for i := range c.History {
		if c.History[i].ID == id {
			return true
		}
	}
	return false
}

// LastEvent returns the newest history entry, or nil.
func (c *Conversation) LastEvent() *types.Event {
	if len(c.History) == 0 {
		return nil
	}
	return &c.History[len(c.History)-1]
}

// Clone returns a copy that shares no mutable state with c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.History = append([]types.Event(nil), c.History...)
	out.PhaseTransitions = append([]Transition(nil), c.PhaseTransitions...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// PhaseKey builds a phase-scoped metadata key such as "plan_summary".
func PhaseKey(p types.Phase, name string) string {
	return string(p) + "_" + name
}

const maxTitleLen = 80

// titleFor prefers the title tag, else the first line of the content.
func titleFor(ev *types.Event) string {
	if t := strings.TrimSpace(ev.Title()); t != "" {
		return t
	}
	line := strings.TrimSpace(ev.Content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > maxTitleLen {
		line = string(r[:maxTitleLen-3]) + "..."
	}
	if line == "" {
		return "Untitled conversation"
	}
	return line
}

// Encode converts c into its durable record.
func Encode(c *Conversation) (persistence.Record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return persistence.Record{ID: c.ID, Archived: c.Archived, UpdatedAt: c.UpdatedAt, Data: data}, nil
}

// Decode restores a conversation from its durable record.
func Decode(rec persistence.Record) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", rec.ID, err)
	}
	if c.ID == "" {
		c.ID = rec.ID
	}
	if !c.Phase.Valid() {
		return nil, types.NewValidationError("conversation %s has unknown phase %q", c.ID, c.Phase)
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Archived = c.Archived || rec.Archived
	return &c, nil
}
