package nostr

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/convoflow/types"
)

// Frame labels of the relay protocol.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

// wireEvent is the relay representation: created_at is unix seconds.
type wireEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      types.Kind `json:"kind"`
	Tags      types.Tags `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func toWire(ev *types.Event) wireEvent {
	tags := ev.Tags
	if tags == nil {
		tags = types.Tags{}
	}
	return wireEvent{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt.Unix(),
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}

func (w wireEvent) event() types.Event {
	return types.Event{
		ID:        w.ID,
		PubKey:    w.PubKey,
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
		Kind:      w.Kind,
		Tags:      w.Tags,
		Content:   w.Content,
		Sig:       w.Sig,
	}
}

// Filter selects events in a subscription.
type Filter struct {
	IDs     []string     `json:"ids,omitempty"`
	Authors []string     `json:"authors,omitempty"`
	Kinds   []types.Kind `json:"kinds,omitempty"`
	PTags   []string     `json:"#p,omitempty"`
	ETags   []string     `json:"#e,omitempty"`
	Since   int64        `json:"since,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

// Matches applies the filter locally. Limit is ignored.
func (f Filter) Matches(ev *types.Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt.Unix() < f.Since {
		return false
	}
	if len(f.PTags) > 0 && !anyTag(ev, types.TagPubKey, f.PTags) {
		return false
	}
	if len(f.ETags) > 0 && !anyTag(ev, types.TagEvent, f.ETags) {
		return false
	}
	return true
}

func anyTag(ev *types.Event, name string, want []string) bool {
	for _, v := range ev.Tags.Values(name) {
		if slices.Contains(want, v) {
			return true
		}
	}
	return false
}

// frame is one decoded relay message.
type frame struct {
	label string
	args  []json.RawMessage
}

func decodeFrame(raw []json.RawMessage) (frame, error) {
	if len(raw) == 0 {
		return frame{}, fmt.Errorf("empty frame")
	}
	var label string
	if err := json.Unmarshal(raw[0], &label); err != nil {
		return frame{}, fmt.Errorf("frame label: %w", err)
	}
	return frame{label: label, args: raw[1:]}, nil
}

func (f frame) str(i int) string {
	if i >= len(f.args) {
		return ""
	}
	var s string
	_ = json.Unmarshal(f.args[i], &s)
	return s
}

func (f frame) boolean(i int) bool {
	if i >= len(f.args) {
		return false
	}
	var b bool
	_ = json.Unmarshal(f.args[i], &b)
	return b
}
